package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	apiKey     string
	apiHeader  string
	timeoutMs  int64
	wait       bool
	follow     bool
	parallel   bool
	history    bool
	override   string
	envPairs   []string
	filesFlags []string
)

func main() {
	root := &cobra.Command{
		Use:          "sandbox-cli",
		Short:        "CLI client for the sandbox session manager",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("SANDBOX_SERVER", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&apiHeader, "api-key-header", "X-API-Key", "Header carrying the API key")

	startCmd := &cobra.Command{
		Use:   "start [owner-key] [target-id]",
		Short: "Start or reuse a session for a target",
		Args:  cobra.ExactArgs(2),
		RunE:  runStart,
	}
	startCmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "Execution deadline in milliseconds")
	startCmd.Flags().BoolVar(&wait, "wait", false, "Block until the session settles")
	startCmd.Flags().StringVar(&override, "command", "", "Run this command instead of the target's run step")
	startCmd.Flags().StringArrayVarP(&envPairs, "env", "e", nil, "Extra environment as KEY=VALUE")
	startCmd.Flags().StringArrayVarP(&filesFlags, "file", "f", nil, "Inline file as PATH=LOCAL_FILE")
	root.AddCommand(startCmd)

	root.AddCommand(&cobra.Command{
		Use:   "status [session-id]",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return printRequest(http.MethodGet, "/v1/sessions/"+url.PathEscape(args[0]), nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stop [session-id]",
		Short: "Stop a session and release its sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return printRequest(http.MethodDelete, "/v1/sessions/"+url.PathEscape(args[0]), nil)
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs [session-id]",
		Short: "Print a session's output",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().BoolVar(&follow, "follow", false, "Keep streaming until the session settles")
	root.AddCommand(logsCmd)

	batchCmd := &cobra.Command{
		Use:   "batch [owner-key] [target-id...]",
		Short: "Execute several targets for one owner",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runBatch,
	}
	batchCmd.Flags().BoolVar(&parallel, "parallel", false, "Run targets concurrently")
	batchCmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "Per-target execution deadline in milliseconds")
	batchCmd.Flags().StringArrayVarP(&envPairs, "env", "e", nil, "Extra environment as KEY=VALUE")
	root.AddCommand(batchCmd)

	listCmd := &cobra.Command{
		Use:   "list [owner-key]",
		Short: "List live sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			q := url.Values{}
			if len(args) == 1 {
				q.Set("owner_key", args[0])
			}
			if history {
				q.Set("history", "true")
			}
			return printRequest(http.MethodGet, "/v1/sessions?"+q.Encode(), nil)
		},
	}
	listCmd.Flags().BoolVar(&history, "history", false, "Include persisted snapshots")
	root.AddCommand(listCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return printRequest(http.MethodGet, "/health", nil)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(_ *cobra.Command, args []string) error {
	env, err := parsePairs(envPairs)
	if err != nil {
		return err
	}
	files := make(map[string]string, len(filesFlags))
	for _, f := range filesFlags {
		target, local, ok := strings.Cut(f, "=")
		if !ok {
			return fmt.Errorf("invalid --file %q, want PATH=LOCAL_FILE", f)
		}
		data, err := os.ReadFile(local)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		files[target] = string(data)
	}

	payload := map[string]any{
		"owner_key": args[0],
		"target_id": args[1],
	}
	if timeoutMs > 0 {
		payload["timeout_ms"] = timeoutMs
	}
	if override != "" {
		payload["override_command"] = override
	}
	if len(env) > 0 {
		payload["extra_env"] = env
	}
	if len(files) > 0 {
		payload["files"] = files
	}

	path := "/v1/sessions"
	if wait {
		path += "?wait=true"
	}
	return printRequest(http.MethodPost, path, payload)
}

func runBatch(_ *cobra.Command, args []string) error {
	env, err := parsePairs(envPairs)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"owner_key":  args[0],
		"target_ids": args[1:],
		"parallel":   parallel,
	}
	if timeoutMs > 0 {
		payload["timeout_ms"] = timeoutMs
	}
	if len(env) > 0 {
		payload["extra_env"] = env
	}
	return printRequest(http.MethodPost, "/v1/batches", payload)
}

// runLogs reads the SSE output stream. Without --follow it prints what is
// buffered and stops at the first idle gap.
func runLogs(_ *cobra.Command, args []string) error {
	req, err := newRequest(http.MethodGet, "/v1/sessions/"+url.PathEscape(args[0])+"/output", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	client := &http.Client{}
	if !follow {
		client.Timeout = 5 * time.Second
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return printBody(resp)
	}

	var event string
	var data []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			text := strings.Join(data, "\n")
			switch event {
			case "done":
				fmt.Fprintln(os.Stderr, "--- session settled")
				return prettyPrint([]byte(text))
			case "stderr":
				fmt.Fprintln(os.Stderr, text)
			case "system":
				fmt.Fprintln(os.Stderr, "# "+text)
			default:
				fmt.Println(text)
			}
			event, data = "", nil
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := sc.Err(); err != nil && follow {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

func newRequest(method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimSuffix(serverURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set(apiHeader, apiKey)
	}
	return req, nil
}

func printRequest(method, path string, payload any) error {
	req, err := newRequest(method, path, payload)
	if err != nil {
		return err
	}
	// Waiting starts can run as long as the server's maximum deadline.
	client := &http.Client{Timeout: 35 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return printBody(resp)
}

func printBody(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if err := prettyPrint(data); err != nil {
		fmt.Println(string(data))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func prettyPrint(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", p)
		}
		out[k] = v
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
