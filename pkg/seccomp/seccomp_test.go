package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func TestDefaultProfile_DenyByDefault(t *testing.T) {
	p := DefaultProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestDefaultProfile_AllowsDevServerSyscalls(t *testing.T) {
	allowed := Names(DefaultProfile(), specs.ActAllow)
	for _, name := range []string{"socket", "bind", "listen", "accept4", "clone3", "inotify_add_watch", "setpgid", "kill"} {
		if !contains(allowed, name) {
			t.Errorf("default profile should allow %q", name)
		}
	}
}

func TestProfiles_TrapDangerousSyscalls(t *testing.T) {
	for name, p := range map[string]*specs.LinuxSeccomp{
		ProfileStrict:    DefaultProfile(),
		ProfileToolchain: ToolchainProfile(),
	} {
		t.Run(name, func(t *testing.T) {
			if !contains(Names(p, specs.ActTrap), "ptrace") {
				t.Error("ptrace should trap")
			}
			blocked := Names(p, specs.ActErrno)
			for _, sc := range []string{"mount", "unshare", "setns"} {
				if !contains(blocked, sc) {
					t.Errorf("%q should be blocked", sc)
				}
			}
		})
	}
}

func TestToolchainProfile_AllowByDefault(t *testing.T) {
	p := ToolchainProfile()
	if p.DefaultAction != specs.ActAllow {
		t.Errorf("DefaultAction = %v, want ActAllow", p.DefaultAction)
	}
}

func TestByName(t *testing.T) {
	tests := []struct {
		name    string
		want    specs.LinuxSeccompAction
		wantErr bool
	}{
		{"", specs.ActErrno, false},
		{ProfileStrict, specs.ActErrno, false},
		{ProfileToolchain, specs.ActAllow, false},
		{"unconfined", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ByName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ByName(%q) err = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if err == nil && p.DefaultAction != tt.want {
				t.Errorf("DefaultAction = %v, want %v", p.DefaultAction, tt.want)
			}
		})
	}
}

func TestDockerProfileJSON_ValidJSON(t *testing.T) {
	data, err := DockerProfileJSON(DefaultProfile())
	if err != nil {
		t.Fatalf("DockerProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestDockerProfileJSON_Nil(t *testing.T) {
	if _, err := DockerProfileJSON(nil); err == nil {
		t.Error("expected error for nil profile")
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}
