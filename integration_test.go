//go:build integration
// +build integration

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

const binaryName = "scrobbling_test"

func buildBinary(t testing.TB) {
	t.Helper()

	buildCmd := exec.Command("go", "build", "-o", binaryName, ".")
	if out, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}
	t.Cleanup(func() { os.Remove(binaryName) })
}

// lastfmServer serves a fixed history of n plays, newest first. Each page
// request waits delay before answering.
func lastfmServer(n int, delay time.Duration, requests *int64) *httptest.Server {
	newest := int64(1704844800)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(requests, 1)
		time.Sleep(delay)

		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		page, _ := strconv.Atoi(q.Get("page"))
		from, _ := strconv.ParseInt(q.Get("from"), 10, 64)

		var uts []int64
		for i := 0; i < n; i++ {
			if ts := newest - int64(i)*300; ts >= from {
				uts = append(uts, ts)
			}
		}
		totalPages := (len(uts) + limit - 1) / limit

		var b strings.Builder
		fmt.Fprintf(&b, `<?xml version="1.0" encoding="utf-8"?><lfm status="ok"><recenttracks user="%s" page="%d" perPage="%d" totalPages="%d" total="%d">`,
			q.Get("user"), page, limit, totalPages, len(uts))
		for i := (page - 1) * limit; i < page*limit && i < len(uts); i++ {
			fmt.Fprintf(&b, `<track><artist mbid="">Artist %d</artist><name>Track %d</name><album mbid="">Album</album><url></url><date uts="%d">x</date></track>`,
				i%7, i, uts[i])
		}
		b.WriteString(`</recenttracks></lfm>`)
		_, _ = w.Write([]byte(b.String()))
	}))
}

func testEnv(t testing.TB, baseURL string) []string {
	home := t.TempDir()
	return append(os.Environ(),
		"HOME="+home,
		"SCROBBLING_LASTFM_API_KEY=test_key",
		"SCROBBLING_LASTFM_BASE_URL="+baseURL,
		"SCROBBLING_EXTRACT_PAGE_SIZE=10",
		"SCROBBLING_EXTRACT_CHECKPOINT_EVERY=1",
		"SCROBBLING_RATELIMIT_PER_SECOND=0",
		"SCROBBLING_RATELIMIT_PER_MINUTE=0",
		"SCROBBLING_RATELIMIT_PER_HOUR=0",
	)
}

// TestFetchAndShow tests a complete fetch followed by the read-only commands
func TestFetchAndShow(t *testing.T) {
	buildBinary(t)

	var requests int64
	server := lastfmServer(95, 0, &requests)
	defer server.Close()

	env := testEnv(t, server.URL)
	dataDir := t.TempDir()

	cmd := exec.Command("./"+binaryName, "fetch", "rj", "--data-dir", dataDir, "--log-level", "error")
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("fetch failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "Fetched 95 scrobbles for rj across 10 pages") {
		t.Errorf("unexpected fetch output:\n%s", out)
	}
	if strings.Contains(string(out), "test_key") {
		t.Error("API key leaked into output")
	}

	cmd = exec.Command("./"+binaryName, "show", "rj", "--data-dir", dataDir, "-n", "3")
	cmd.Env = env
	out, err = cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("show failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "Scrobbles   95") || !strings.Contains(string(out), "Artists     7") {
		t.Errorf("unexpected show output:\n%s", out)
	}

	cmd = exec.Command("./"+binaryName, "checkpoint", "list", "--data-dir", dataDir)
	cmd.Env = env
	out, err = cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("checkpoint list failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "No saved progress") {
		t.Errorf("expected no checkpoints after a complete fetch:\n%s", out)
	}

	// Nothing new on the server
	cmd = exec.Command("./"+binaryName, "fetch", "rj", "--data-dir", dataDir, "--log-level", "error")
	cmd.Env = env
	out, err = cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("second fetch failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "rj is up to date (95 scrobbles)") {
		t.Errorf("unexpected second fetch output:\n%s", out)
	}
}

// TestFetchInterruptAndResume tests that SIGINT pauses a fetch and the next
// fetch resumes it
func TestFetchInterruptAndResume(t *testing.T) {
	buildBinary(t)

	var requests int64
	server := lastfmServer(200, 200*time.Millisecond, &requests)
	defer server.Close()

	env := testEnv(t, server.URL)
	dataDir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "./"+binaryName, "fetch", "rj", "--data-dir", dataDir, "--log-level", "error")
	cmd.Env = env
	var output strings.Builder
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start fetch: %v", err)
	}

	// Let a few pages through, then interrupt
	time.Sleep(1 * time.Second)
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("Failed to signal fetch: %v", err)
	}

	done := make(chan error)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("interrupted fetch exited with error: %v\n%s", err, output.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not stop within 5 seconds of SIGINT")
	}
	if !strings.Contains(output.String(), "Fetch paused") {
		t.Errorf("expected paused message:\n%s", output.String())
	}

	list := exec.Command("./"+binaryName, "checkpoint", "list", "--data-dir", dataDir)
	list.Env = env
	out, err := list.CombinedOutput()
	if err != nil {
		t.Fatalf("checkpoint list failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "rj") || !strings.Contains(string(out), "full") {
		t.Errorf("expected a full checkpoint for rj:\n%s", out)
	}

	before := atomic.LoadInt64(&requests)

	resume := exec.Command("./"+binaryName, "fetch", "rj", "--data-dir", dataDir, "--log-level", "error")
	resume.Env = env
	out, err = resume.CombinedOutput()
	if err != nil {
		t.Fatalf("resumed fetch failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "Fetched 200 scrobbles for rj") {
		t.Errorf("unexpected resumed fetch output:\n%s", out)
	}
	if resumed := atomic.LoadInt64(&requests) - before; resumed >= 20 {
		t.Errorf("expected the resumed fetch to skip saved pages, made %d requests", resumed)
	}
}

// TestFetchWithoutAPIKey tests the missing credential message
func TestFetchWithoutAPIKey(t *testing.T) {
	buildBinary(t)

	cmd := exec.Command("./"+binaryName, "fetch", "rj", "--data-dir", t.TempDir())
	cmd.Env = append(os.Environ(), "HOME="+t.TempDir(), "SCROBBLING_LASTFM_API_KEY=")
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("expected fetch to fail without an API key:\n%s", out)
	}
	if !strings.Contains(string(out), "SCROBBLING_LASTFM_API_KEY") {
		t.Errorf("expected a hint about the API key:\n%s", out)
	}
}

// BenchmarkShowCommand benchmarks summarizing a cached history
func BenchmarkShowCommand(b *testing.B) {
	buildBinary(b)

	var requests int64
	server := lastfmServer(2000, 0, &requests)
	defer server.Close()

	env := testEnv(b, server.URL)
	dataDir := b.TempDir()

	fetch := exec.Command("./"+binaryName, "fetch", "rj", "--data-dir", dataDir, "--log-level", "error")
	fetch.Env = env
	if out, err := fetch.CombinedOutput(); err != nil {
		b.Fatalf("fetch failed: %v\n%s", err, out)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cmd := exec.Command("./"+binaryName, "show", "rj", "--data-dir", dataDir)
		cmd.Env = env
		_ = cmd.Run()
	}
}
