package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Profile names accepted in configuration.
const (
	ProfileStrict    = "strict"
	ProfileToolchain = "toolchain"
)

func fileSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "openat2", "close", "close_range", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx", "statfs", "fstatfs",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3", "fcntl",
		"poll", "ppoll", "select", "pselect6",
		"pipe", "pipe2", "splice", "tee", "sendfile",
		"readlink", "readlinkat", "getdents64",
		"umask", "chmod", "fchmod", "fchmodat",
		"chown", "fchown", "fchownat", "lchown",
		"chdir", "fchdir", "getcwd",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat", "mkdir", "mkdirat", "rmdir",
		"symlink", "symlinkat", "link", "linkat",
		"truncate", "ftruncate", "fallocate",
		"fsync", "fdatasync", "sync_file_range", "flock",
		"utimensat", "futimesat", "utime", "utimes",
		"memfd_create", "copy_file_range",
		"inotify_init1", "inotify_add_watch", "inotify_rm_watch",
		"fadvise64", "getxattr", "lgetxattr", "fgetxattr",
	)
}

func processSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise", "mincore",
			"mlock", "munlock", "membarrier",
		).
		AllowSyscalls(
			"execve", "execveat", "exit", "exit_group",
			"wait4", "waitid", "clone", "clone3", "fork", "vfork",
			"set_tid_address", "set_robust_list", "get_robust_list", "rseq",
			"kill", "tkill", "tgkill",
			"setpgid", "getpgid", "getpgrp", "setsid", "getsid",
		).
		AllowSyscalls(
			"futex", "futex_waitv", "gettid",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend",
			"rt_sigtimedwait", "rt_sigqueueinfo", "sigaltstack",
			"sched_yield", "sched_getaffinity", "sched_setaffinity",
			"sched_getparam", "sched_getscheduler",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres", "gettimeofday", "time",
			"nanosleep", "clock_nanosleep",
			"timerfd_create", "timerfd_settime", "timerfd_gettime",
			"alarm", "setitimer", "getitimer",
		).
		AllowSyscalls(
			"getpid", "getppid", "getuid", "geteuid", "getgid", "getegid",
			"getresuid", "getresgid", "getgroups", "uname", "getrusage", "times",
		).
		AllowSyscalls(
			"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "epoll_pwait2",
			"eventfd", "eventfd2", "signalfd4",
			"io_uring_setup", "io_uring_enter", "io_uring_register",
		).
		AllowSyscalls(
			"getrandom", "arch_prctl", "prctl", "ioctl", "sysinfo",
			"getrlimit", "setrlimit", "prlimit64", "capget",
			"getpriority", "setpriority",
		)
}

func networkSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
		"getsockopt", "setsockopt", "getsockname", "getpeername", "shutdown",
	)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf", "perf_event_open", "userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root", "chroot",
			"reboot", "swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct", "quotactl",
			"settimeofday", "adjtimex", "clock_adjtime", "clock_settime",
			"nfsservctl", "personality", "lookup_dcookie",
			"ioperm", "iopl",
			"open_by_handle_at", "name_to_handle_at",
			"fsopen", "fsmount", "fsconfig", "move_mount", "open_tree",
		)
}

// DefaultProfile returns the strict deny-by-default profile. It allowlists
// what shells, package managers and dev servers for node, python and go
// need, including sockets: every session serves a preview port.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = fileSyscalls(b)
	b = processSyscalls(b)
	b = networkSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}

// ToolchainProfile allows everything except the dangerous set. Native
// package builds (node-gyp, cgo, wheels) reach syscalls no allowlist keeps
// up with.
func ToolchainProfile() *specs.LinuxSeccomp {
	b := NewBuilder().WithDefaultAction(specs.ActAllow)
	b = dangerousSyscalls(b)
	return b.Build()
}

// ByName resolves a configured profile name. An empty name selects the
// strict profile.
func ByName(name string) (*specs.LinuxSeccomp, error) {
	switch name {
	case "", ProfileStrict:
		return DefaultProfile(), nil
	case ProfileToolchain:
		return ToolchainProfile(), nil
	default:
		return nil, fmt.Errorf("unknown seccomp profile %q: must be %s or %s", name, ProfileStrict, ProfileToolchain)
	}
}

// DockerProfileJSON renders a profile in the format accepted by Docker's
// --security-opt seccomp=<json>. The runtime-spec field names already match.
func DockerProfileJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil seccomp profile")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding seccomp profile: %w", err)
	}
	return data, nil
}
