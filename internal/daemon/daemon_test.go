package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/monocod/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	t.Setenv("HOME", filepath.Join(root, "home"))

	cfg := config.Default()
	cfg.Project.Root = root
	cfg.Project.Slug = "testproj"
	cfg.DataDir = filepath.Join(root, ".monoco")
	cfg.RolesDir = filepath.Join(cfg.DataDir, "roles")
	cfg.Listen.Port = 48642
	cfg.Listen.PortRange = 32
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	cfg := testConfig(t)
	d, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Error("daemon did not shut down")
		}
	})

	// Wait for the HTTP surface to come up.
	var base string
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if port := d.Port(); port != 0 {
			base = fmt.Sprintf("http://127.0.0.1:%d", port)
			if _, err := http.Get(base + "/health"); err == nil {
				return d, base
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("daemon never became healthy")
	return nil, ""
}

func TestDaemon_BuiltinHooksMaterialized(t *testing.T) {
	cfg := testConfig(t)
	if _, err := New(cfg, testLogger()); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(cfg.DataDir, "hooks-builtin"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("builtin hooks not materialized: %v, %v", entries, err)
	}
}

func TestDaemon_PIDAndHealth(t *testing.T) {
	d, base := startDaemon(t)

	pf, live, err := StatusDaemon(d.Cfg.DataDir)
	if err != nil || !live {
		t.Fatalf("status = %v, live %v, err %v", pf, live, err)
	}
	if pf.PID != os.Getpid() || pf.Port != d.Port() {
		t.Errorf("pid file = %+v", pf)
	}

	resp, err := http.Get(base + "/api/v1/version")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("version status = %d", resp.StatusCode)
	}
}

func TestDaemon_IssueCreateAndList(t *testing.T) {
	_, base := startDaemon(t)

	body, _ := json.Marshal(map[string]string{
		"type":  "feature",
		"title": "Add rate limit",
		"body":  "Requests need throttling.",
	})
	resp, err := http.Post(base+"/api/v1/issues", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created struct {
		Issue struct {
			ID    string `json:"id"`
			Stage string `json:"stage"`
		} `json:"issue"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	if created.Issue.ID != "FEAT-0001" || created.Issue.Stage != "draft" {
		t.Errorf("created = %+v", created.Issue)
	}

	listResp, err := http.Get(base + "/api/v1/issues")
	if err != nil {
		t.Fatal(err)
	}
	defer listResp.Body.Close()
	var listed struct {
		Issues []struct {
			ID string `json:"id"`
		} `json:"issues"`
	}
	json.NewDecoder(listResp.Body).Decode(&listed)
	if len(listed.Issues) != 1 || listed.Issues[0].ID != "FEAT-0001" {
		t.Errorf("listed = %+v", listed.Issues)
	}
}

func TestDaemon_WebhookToClaimDone(t *testing.T) {
	d, base := startDaemon(t)

	hook := map[string]any{
		"id":           "wh1",
		"content_type": "text/markdown",
		"session":      map[string]string{"id": "chat-1"},
		"from":         "alice",
		"text":         "/status please",
	}
	body, _ := json.Marshal(hook)
	resp, err := http.Post(base+"/api/v1/courier/webhook/chat/testproj", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}

	// The message landed in this project's inbound tree.
	if _, err := d.Tree.FindInbound("wh1"); err != nil {
		t.Fatalf("webhook message not in inbound: %v", err)
	}

	// claim -> done archives it.
	claimBody, _ := json.Marshal(map[string]string{"claimer": "test"})
	resp, err = http.Post(base+"/api/v1/mailbox/wh1/claim", "application/json", bytes.NewReader(claimBody))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("claim status = %d", resp.StatusCode)
	}

	doneBody, _ := json.Marshal(map[string]string{"claimer": "test"})
	resp, err = http.Post(base+"/api/v1/mailbox/wh1/done", "application/json", bytes.NewReader(doneBody))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("done status = %d", resp.StatusCode)
	}
	if _, err := d.Tree.FindInbound("wh1"); err == nil {
		t.Error("message still inbound after done")
	}
}

func TestDaemon_IssuePatchLintGate(t *testing.T) {
	_, base := startDaemon(t)

	body, _ := json.Marshal(map[string]string{
		"type":  "feature",
		"title": "Gate me",
	})
	resp, err := http.Post(base+"/api/v1/issues", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	patch := func(content string) int {
		t.Helper()
		payload, _ := json.Marshal(map[string]string{"content": content})
		req, err := http.NewRequest(http.MethodPatch,
			base+"/api/v1/issues/FEAT-0001/content", bytes.NewReader(payload))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	// A lint-clean rewrite is accepted.
	good := "---\nid: FEAT-0001\ntype: feature\nstatus: open\nstage: todo\n" +
		"title: \"Gate me\"\nfiles: []\nsolution: null\n---\nRefined body.\n"
	if code := patch(good); code != http.StatusOK {
		t.Fatalf("valid patch status = %d, want 200", code)
	}

	// status=closed without a solution violates the lint and must be
	// rejected before anything is written.
	bad := "---\nid: FEAT-0001\ntype: feature\nstatus: closed\nstage: done\n" +
		"title: \"Gate me\"\nfiles: []\nsolution: null\n---\nBody.\n"
	if code := patch(bad); code != http.StatusBadRequest {
		t.Fatalf("lint-violating patch status = %d, want 400", code)
	}

	// The violating content did not land on disk.
	listResp, err := http.Get(base + "/api/v1/issues")
	if err != nil {
		t.Fatal(err)
	}
	defer listResp.Body.Close()
	var listed struct {
		Issues []struct {
			Status string `json:"status"`
			Stage  string `json:"stage"`
		} `json:"issues"`
	}
	json.NewDecoder(listResp.Body).Decode(&listed)
	if len(listed.Issues) != 1 || listed.Issues[0].Status != "open" || listed.Issues[0].Stage != "todo" {
		t.Errorf("issue after rejected patch = %+v, want open/todo preserved", listed.Issues)
	}
}

func TestDaemon_UnknownSlugRejected(t *testing.T) {
	_, base := startDaemon(t)

	body, _ := json.Marshal(map[string]any{
		"id": "x", "session": map[string]string{"id": "s"}, "text": "hi",
	})
	resp, err := http.Post(base+"/api/v1/courier/webhook/chat/nosuch", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown slug status = %d, want 400", resp.StatusCode)
	}
}

func TestDaemon_Dashboard(t *testing.T) {
	_, base := startDaemon(t)

	resp, err := http.Get(base + "/api/v1/stats/dashboard")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var dash map[string]any
	json.NewDecoder(resp.Body).Decode(&dash)
	for _, key := range []string{"build", "scheduler", "watchers", "issues_by_stage"} {
		if _, ok := dash[key]; !ok {
			t.Errorf("dashboard missing %q", key)
		}
	}
}
