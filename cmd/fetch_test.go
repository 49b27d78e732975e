package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/Nebiros96/ScrobblingAnalysis/internal/checkpoint"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/config"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/store"
)

type play struct {
	uts    int64
	artist string
	track  string
}

// fakeLastFM serves user.getrecenttracks from an in-memory history
type fakeLastFM struct {
	mu        sync.Mutex
	plays     []play // newest first
	errorCode int
	status    int
	failPage  int
	requests  []string
}

func (f *fakeLastFM) add(p ...play) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(p, f.plays...)
}

func (f *fakeLastFM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := r.URL.Query()
	f.requests = append(f.requests, q.Encode())

	if f.errorCode != 0 {
		w.WriteHeader(f.status)
		fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><lfm status="failed"><error code="%d">failed</error></lfm>`, f.errorCode)
		return
	}

	if f.failPage != 0 && q.Get("page") == strconv.Itoa(f.failPage) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	from, _ := strconv.ParseInt(q.Get("from"), 10, 64)
	to, _ := strconv.ParseInt(q.Get("to"), 10, 64)
	var matched []play
	for _, p := range f.plays {
		if from > 0 && p.uts < from {
			continue
		}
		if to > 0 && p.uts > to {
			continue
		}
		matched = append(matched, p)
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	totalPages := (len(matched) + limit - 1) / limit

	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" encoding="utf-8"?><lfm status="ok">`)
	fmt.Fprintf(&b, `<recenttracks user="%s" page="%d" perPage="%d" totalPages="%d" total="%d">`,
		q.Get("user"), page, limit, totalPages, len(matched))
	for i := (page - 1) * limit; i < page*limit && i < len(matched); i++ {
		p := matched[i]
		fmt.Fprintf(&b, `<track><artist mbid="">%s</artist><name>%s</name><album mbid="">Album</album><url></url><date uts="%d">x</date></track>`,
			p.artist, p.track, p.uts)
	}
	b.WriteString(`</recenttracks></lfm>`)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

func history(n int, newest int64) []play {
	plays := make([]play, n)
	for i := range plays {
		plays[i] = play{uts: newest - int64(i)*600, artist: fmt.Sprintf("Artist %d", i%3), track: fmt.Sprintf("Track %d", i)}
	}
	return plays
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	return &config.Config{
		DataDir:  t.TempDir(),
		Timezone: "UTC",
		LogLevel: "error",
		LastFM: config.LastFMConfig{
			APIKey:  "test-api-key",
			BaseURL: baseURL,
		},
		Extract: config.ExtractConfig{
			PageSize:             2,
			CheckpointEvery:      1,
			MaxConsecutiveErrors: 3,
			MaxAttempts:          1,
			BackoffBase:          time.Millisecond,
			RateLimitFallback:    time.Millisecond,
			RateLimitMargin:      0,
		},
	}
}

func TestFetchHistory_FullThenIncremental(t *testing.T) {
	lfm := &fakeLastFM{plays: history(5, 1704844800)}
	server := httptest.NewServer(lfm)
	defer server.Close()

	cfg := testConfig(t, server.URL)
	ctx := context.Background()

	var out bytes.Buffer
	if err := fetchHistory(ctx, cfg, fetchOptions{User: "rj"}, &out, zerolog.Nop()); err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	if !strings.Contains(out.String(), "Fetched 5 scrobbles for rj across 3 pages") {
		t.Errorf("unexpected output: %q", out.String())
	}

	assertCached(t, cfg, "rj", 5)

	checkpoints, err := checkpoint.NewStore(cfg.CheckpointDir())
	if err != nil {
		t.Fatal(err)
	}
	infos, err := checkpoints.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("expected no checkpoints after completion, got %d", len(infos))
	}

	lfm.add(play{uts: 1704848400, artist: "Björk", track: "Jóga"}, play{uts: 1704846600, artist: "Björk", track: "Hunter"})

	out.Reset()
	if err := fetchHistory(ctx, cfg, fetchOptions{User: "rj"}, &out, zerolog.Nop()); err != nil {
		t.Fatalf("incremental fetch failed: %v", err)
	}
	if !strings.Contains(out.String(), "Fetched 2 new scrobbles for rj (7 total)") {
		t.Errorf("unexpected output: %q", out.String())
	}
	assertCached(t, cfg, "rj", 7)

	lfm.mu.Lock()
	last := lfm.requests[len(lfm.requests)-1]
	lfm.mu.Unlock()
	if !strings.Contains(last, "from=1704844800") {
		t.Errorf("expected incremental request to carry the watermark, got %s", last)
	}
	if strings.Contains(out.String(), "test-api-key") {
		t.Error("API key leaked to output")
	}

	out.Reset()
	if err := fetchHistory(ctx, cfg, fetchOptions{User: "rj"}, &out, zerolog.Nop()); err != nil {
		t.Fatalf("third fetch failed: %v", err)
	}
	if !strings.Contains(out.String(), "rj is up to date (7 scrobbles)") {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestFetchHistory_FullReplacesCache(t *testing.T) {
	lfm := &fakeLastFM{plays: history(3, 1704844800)}
	server := httptest.NewServer(lfm)
	defer server.Close()

	cfg := testConfig(t, server.URL)
	ctx := context.Background()

	var out bytes.Buffer
	if err := fetchHistory(ctx, cfg, fetchOptions{User: "rj"}, &out, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}

	// Plays deleted on the service disappear after a full refetch
	lfm.mu.Lock()
	lfm.plays = lfm.plays[:2]
	lfm.mu.Unlock()

	out.Reset()
	if err := fetchHistory(ctx, cfg, fetchOptions{User: "rj", Full: true}, &out, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	assertCached(t, cfg, "rj", 2)
}

func TestFetchHistory_JSON(t *testing.T) {
	lfm := &fakeLastFM{plays: history(3, 1704844800)}
	server := httptest.NewServer(lfm)
	defer server.Close()

	cfg := testConfig(t, server.URL)

	var out bytes.Buffer
	if err := fetchHistory(context.Background(), cfg, fetchOptions{User: "rj", JSON: true}, &out, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}

	var events []map[string]interface{}
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var ev map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("invalid JSON line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}

	if len(events) != 3 {
		t.Fatalf("expected 2 progress events and a result, got %d", len(events))
	}
	for _, ev := range events[:2] {
		if ev["type"] != "progress" {
			t.Errorf("expected progress event, got %v", ev["type"])
		}
	}
	if ev := events[1]; ev["page"] != float64(2) || ev["rows_so_far"] != float64(3) {
		t.Errorf("unexpected last progress event: %v", ev)
	}

	result := events[2]
	if result["type"] != "result" || result["status"] != "complete" {
		t.Errorf("unexpected result event: %v", result)
	}
	if result["total_rows"] != float64(3) {
		t.Errorf("expected 3 total rows, got %v", result["total_rows"])
	}
}

func TestFetchHistory_Errors(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		status  int
		wantErr string
	}{
		{name: "unknown user", code: 6, status: http.StatusNotFound, wantErr: `user "nobody" was not found`},
		{name: "bad api key", code: 10, status: http.StatusForbidden, wantErr: "API key was rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(&fakeLastFM{errorCode: tt.code, status: tt.status})
			defer server.Close()

			cfg := testConfig(t, server.URL)
			var out bytes.Buffer
			err := fetchHistory(context.Background(), cfg, fetchOptions{User: "nobody"}, &out, zerolog.Nop())
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if strings.Contains(err.Error(), "test-api-key") {
				t.Error("API key leaked into error")
			}
		})
	}
}

func TestFetchHistory_RequiresAPIKey(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:0")
	cfg.LastFM.APIKey = ""

	err := fetchHistory(context.Background(), cfg, fetchOptions{User: "rj"}, &bytes.Buffer{}, zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "SCROBBLING_LASTFM_API_KEY") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestFetchHistory_PausedRunResumes(t *testing.T) {
	lfm := &fakeLastFM{plays: history(6, 1704844800), failPage: 2}
	server := httptest.NewServer(lfm)
	defer server.Close()

	cfg := testConfig(t, server.URL)
	cfg.Extract.MaxConsecutiveErrors = 1

	var out bytes.Buffer
	if err := fetchHistory(context.Background(), cfg, fetchOptions{User: "rj"}, &out, zerolog.Nop()); err != nil {
		t.Fatalf("paused fetch should not be an error: %v", err)
	}
	if !strings.Contains(out.String(), "Run 'scrobbling fetch --full rj' to resume from page 2") {
		t.Errorf("unexpected output: %q", out.String())
	}

	checkpoints, err := checkpoint.NewStore(cfg.CheckpointDir())
	if err != nil {
		t.Fatal(err)
	}
	exists, err := checkpoints.Exists("rj", checkpoint.KindFull)
	if err != nil || !exists {
		t.Fatalf("expected a saved checkpoint, exists=%v err=%v", exists, err)
	}

	lfm.mu.Lock()
	lfm.failPage = 0
	lfm.requests = nil
	lfm.mu.Unlock()

	out.Reset()
	if err := fetchHistory(context.Background(), cfg, fetchOptions{User: "rj"}, &out, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	assertCached(t, cfg, "rj", 6)

	lfm.mu.Lock()
	first := lfm.requests[0]
	lfm.mu.Unlock()
	if !strings.Contains(first, "page=2") {
		t.Errorf("expected resumed fetch to start at page 2, got %s", first)
	}
}

func TestFetchHistory_ResumesFullDownloadOverCache(t *testing.T) {
	lfm := &fakeLastFM{plays: history(6, 1704844800)}
	server := httptest.NewServer(lfm)
	defer server.Close()

	cfg := testConfig(t, server.URL)
	cfg.Extract.MaxConsecutiveErrors = 1
	ctx := context.Background()

	var out bytes.Buffer
	if err := fetchHistory(ctx, cfg, fetchOptions{User: "rj"}, &out, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	assertCached(t, cfg, "rj", 6)

	lfm.mu.Lock()
	lfm.failPage = 2
	lfm.mu.Unlock()

	out.Reset()
	if err := fetchHistory(ctx, cfg, fetchOptions{User: "rj", Full: true}, &out, zerolog.Nop()); err != nil {
		t.Fatalf("paused fetch should not be an error: %v", err)
	}
	if !strings.Contains(out.String(), "Run 'scrobbling fetch --full rj' to resume from page 2") {
		t.Errorf("expected the resume hint to keep --full, got %q", out.String())
	}

	lfm.mu.Lock()
	lfm.failPage = 0
	lfm.requests = nil
	lfm.mu.Unlock()

	// A plain fetch picks the unfinished full download back up
	out.Reset()
	if err := fetchHistory(ctx, cfg, fetchOptions{User: "rj"}, &out, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Fetched 6 scrobbles for rj") {
		t.Errorf("expected a completed full download, got %q", out.String())
	}

	lfm.mu.Lock()
	requests := append([]string(nil), lfm.requests...)
	lfm.mu.Unlock()
	if len(requests) == 0 || !strings.Contains(requests[0], "page=2") || strings.Contains(requests[0], "from=") {
		t.Errorf("expected the full download to resume at page 2, got %v", requests)
	}

	checkpoints, err := checkpoint.NewStore(cfg.CheckpointDir())
	if err != nil {
		t.Fatal(err)
	}
	if exists, _ := checkpoints.Exists("rj", checkpoint.KindFull); exists {
		t.Error("expected the full checkpoint to be cleared after resuming")
	}
	assertCached(t, cfg, "rj", 6)
}

func TestFetchHistory_NoResumeIgnoresFullCheckpoint(t *testing.T) {
	lfm := &fakeLastFM{plays: history(4, 1704844800)}
	server := httptest.NewServer(lfm)
	defer server.Close()

	cfg := testConfig(t, server.URL)
	cfg.Extract.MaxConsecutiveErrors = 1
	ctx := context.Background()

	if err := fetchHistory(ctx, cfg, fetchOptions{User: "rj"}, &bytes.Buffer{}, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}

	lfm.mu.Lock()
	lfm.failPage = 2
	lfm.mu.Unlock()
	if err := fetchHistory(ctx, cfg, fetchOptions{User: "rj", Full: true}, &bytes.Buffer{}, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}

	lfm.mu.Lock()
	lfm.failPage = 0
	lfm.requests = nil
	lfm.mu.Unlock()

	var out bytes.Buffer
	if err := fetchHistory(ctx, cfg, fetchOptions{User: "rj", NoResume: true}, &out, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "rj is up to date (4 scrobbles)") {
		t.Errorf("expected an incremental update, got %q", out.String())
	}
}

func TestResumeCommand(t *testing.T) {
	if got := resumeCommand("rj", checkpoint.KindFull); got != "scrobbling fetch --full rj" {
		t.Errorf("unexpected full resume command %q", got)
	}
	if got := resumeCommand("rj", checkpoint.KindIncremental); got != "scrobbling fetch rj" {
		t.Errorf("unexpected incremental resume command %q", got)
	}
}

func TestFetchHistory_MetricsFile(t *testing.T) {
	server := httptest.NewServer(&fakeLastFM{plays: history(1, 1704844800)})
	defer server.Close()

	cfg := testConfig(t, server.URL)
	path := filepath.Join(t.TempDir(), "scrobbling.prom")

	if err := fetchHistory(context.Background(), cfg, fetchOptions{User: "rj", MetricsFile: path}, &bytes.Buffer{}, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected metrics file: %v", err)
	}
	if !strings.Contains(string(data), "scrobbling_runs_total") {
		t.Errorf("metrics file is missing run counter:\n%s", data)
	}
}

func assertCached(t *testing.T, cfg *config.Config, user string, want int) {
	t.Helper()

	cache, err := store.Open(cfg.CachePath())
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	defer cache.Close()

	rows, ok, err := cache.Get(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected cached history for %s", user)
	}
	if len(rows) != want {
		t.Errorf("expected %d cached rows, got %d", want, len(rows))
	}
}
