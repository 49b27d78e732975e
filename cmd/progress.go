package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/Nebiros96/ScrobblingAnalysis/internal/extract"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/ratelimit"
)

// progressWidth keeps successive carriage-return lines fully overwritten
const progressWidth = 72

// progressPrinter renders extraction progress either as a single updating
// terminal line or as one JSON object per page.
type progressPrinter struct {
	mu    sync.Mutex
	out   io.Writer
	json  bool
	wrote bool
}

func newProgressPrinter(out io.Writer, jsonLines bool) *progressPrinter {
	return &progressPrinter{out: out, json: jsonLines}
}

// progressEvent is the --json line for one fetched page
type progressEvent struct {
	Type         string          `json:"type"`
	RunID        string          `json:"run_id"`
	Kind         string          `json:"kind"`
	User         string          `json:"user"`
	Page         int             `json:"page"`
	TotalPages   int             `json:"total_pages"`
	RowsSoFar    int             `json:"rows_so_far"`
	RowsThisPage int             `json:"rows_this_page"`
	RateLimit    ratelimit.Stats `json:"rate_limiter_stats"`
	ETASeconds   float64         `json:"eta_seconds"`
}

// resultEvent is the final --json line of a fetch
type resultEvent struct {
	Type         string  `json:"type"`
	Status       string  `json:"status"`
	RunID        string  `json:"run_id,omitempty"`
	Kind         string  `json:"kind,omitempty"`
	User         string  `json:"user"`
	NewRows      int     `json:"new_rows"`
	TotalRows    int     `json:"total_rows"`
	PagesFetched int     `json:"pages_fetched"`
	TotalPages   int     `json:"total_pages"`
	SkippedPages []int   `json:"skipped_pages,omitempty"`
	ResumePage   int     `json:"resume_page,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	ElapsedSecs  float64 `json:"elapsed_seconds"`
}

// Report implements extract.ProgressFunc
func (p *progressPrinter) Report(pr extract.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		p.writeJSON(progressEvent{
			Type:         "progress",
			RunID:        pr.RunID,
			Kind:         pr.Kind,
			User:         pr.User,
			Page:         pr.Page,
			TotalPages:   pr.TotalPages,
			RowsSoFar:    pr.RowsSoFar,
			RowsThisPage: pr.RowsThisPage,
			RateLimit:    pr.RateLimit,
			ETASeconds:   pr.EstimatedRemaining.Seconds(),
		})
		return
	}

	fmt.Fprintf(p.out, "\r%s", padToWidth(formatProgress(pr), progressWidth))
	p.wrote = true
}

// Finish ends the progress line, or emits the result event in JSON mode
func (p *progressPrinter) Finish(user string, res *extract.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		if res != nil {
			p.writeJSON(newResultEvent(user, res))
		}
		return
	}
	if p.wrote {
		fmt.Fprintln(p.out)
		p.wrote = false
	}
}

func (p *progressPrinter) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintln(p.out, string(data))
}

func newResultEvent(user string, res *extract.Result) resultEvent {
	ev := resultEvent{
		Type:         "result",
		Status:       res.Status.String(),
		RunID:        res.RunID,
		Kind:         string(res.Kind),
		User:         user,
		NewRows:      len(res.New),
		TotalRows:    len(res.Rows),
		PagesFetched: res.PagesFetched,
		TotalPages:   res.TotalPages,
		SkippedPages: res.SkippedPages,
		ResumePage:   res.ResumePage,
		ElapsedSecs:  res.Elapsed.Round(time.Millisecond).Seconds(),
	}
	if res.Reason != nil {
		ev.Reason = res.Reason.Error()
	}
	return ev
}

// formatProgress renders one progress line, e.g.
// "rj: page 12/55  2,400 scrobbles  eta 3m20s  180 req/min"
func formatProgress(pr extract.Progress) string {
	pages := fmt.Sprintf("%d/%d", pr.Page, pr.TotalPages)
	if pr.TotalPages == 0 {
		pages = fmt.Sprintf("%d/?", pr.Page)
	}
	return fmt.Sprintf("%s: page %s  %s scrobbles  eta %s  %d req/min",
		pr.User, pages, formatCount(pr.RowsSoFar), formatETA(pr.EstimatedRemaining), pr.RateLimit.LastMinute)
}
