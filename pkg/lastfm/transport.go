package lastfm

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Base represents the root XML response from Last.fm API.
type Base struct {
	XMLName xml.Name `xml:"lfm"`
	Status  string   `xml:"status,attr"`
	Inner   []byte   `xml:",innerxml"`
}

// APIError represents an error response from the Last.fm API.
type APIError struct {
	Code    int    `xml:"code,attr"`
	Message string `xml:",chardata"`
}

type errorDocument struct {
	Error APIError `xml:"error"`
}

const (
	apiStatusOK     = "ok"
	apiStatusFailed = "failed"

	// maxErrorBodySize bounds how much of an unexpected response is kept for
	// error reporting.
	maxErrorBodySize = 4 * 1024
)

// call makes a single HTTP GET request to the Last.fm API.
//
// It handles:
// - Request construction with proper headers
// - Response parsing (XML)
// - Mapping of Last.fm error documents and HTTP failures to typed errors
// - Context cancellation
//
// Retrying is left to the caller so that retry policy stays in one place.
func (c *Client) call(ctx context.Context, method string, params map[string]string) ([]byte, error) {
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("method", method)
	query.Set("api_key", c.apiKey)

	reqURL := c.baseURL
	if strings.Contains(reqURL, "?") {
		reqURL += "&" + query.Encode()
	} else {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/xml")

	c.logDebugf("lastfm: calling %s (page %s)", method, params["page"])

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())

	// Last.fm reports most failures with an <lfm status="failed"> document,
	// frequently paired with a 4xx/5xx status. Prefer the document.
	var base Base
	parseErr := xml.Unmarshal(body, &base)
	if parseErr == nil && base.Status == apiStatusFailed {
		var doc errorDocument
		if err := xml.Unmarshal(wrapInner(base.Inner), &doc); err != nil {
			return nil, fmt.Errorf("failed to parse error response: %w", err)
		}
		return nil, &Error{
			Code:       doc.Error.Code,
			Message:    strings.TrimSpace(doc.Error.Message),
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			RetryAfter: retryAfter,
			Body:       truncate(string(body), maxErrorBodySize),
		}
	}

	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse XML response: %w", parseErr)
	}
	if base.Status != apiStatusOK {
		return nil, fmt.Errorf("failed to parse XML response: unexpected status %q", base.Status)
	}

	c.logDebugf("lastfm: %s succeeded", method)
	return base.Inner, nil
}

// wrapInner wraps inner XML in a root element for proper unmarshaling.
func wrapInner(data []byte) []byte {
	return []byte("<root>" + string(data) + "</root>")
}

// parseRetryAfter understands both forms of the Retry-After header
// (delta-seconds and HTTP-date). Returns zero when absent or invalid.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
