// Package dataset holds the scrobble model and the pure transformations
// applied to it: deduplicating merges and calendar-field finalization.
package dataset

import (
	"sort"
	"time"
)

// Scrobble is one completed play of a track by a user.
//
// Scrobbles are historical facts and are never modified after capture.
type Scrobble struct {
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"` // UTC completion time
	Artist    string    `json:"artist"`
	Album     string    `json:"album"`
	Track     string    `json:"track"`
	URL       string    `json:"url"`
}

// Key identifies a play for deduplication purposes.
type Key struct {
	Unix   int64
	Artist string
	Track  string
}

// Key returns the natural deduplication key of the scrobble.
func (s Scrobble) Key() Key {
	return Key{
		Unix:   s.Timestamp.Unix(),
		Artist: s.Artist,
		Track:  s.Track,
	}
}

// Latest returns the most recent timestamp in rows, or the zero time when
// rows is empty.
func Latest(rows []Scrobble) time.Time {
	var latest time.Time
	for _, r := range rows {
		if r.Timestamp.After(latest) {
			latest = r.Timestamp
		}
	}
	return latest
}

// Merge combines previously collected rows with newly fetched ones.
//
// Rows are deduplicated on Key, keeping the newly fetched version of any
// collision, and the result is sorted ascending by timestamp. Merging the
// same batch twice yields the same result as merging it once.
func Merge(existing, fresh []Scrobble) []Scrobble {
	combined := make([]Scrobble, 0, len(existing)+len(fresh))
	combined = append(combined, existing...)
	combined = append(combined, fresh...)

	// Walk backwards so the last occurrence wins.
	seen := make(map[Key]struct{}, len(combined))
	out := make([]Scrobble, 0, len(combined))
	for i := len(combined) - 1; i >= 0; i-- {
		k := combined[i].Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, combined[i])
	}

	sort.SliceStable(out, func(i, j int) bool {
		return lessScrobble(out[i], out[j])
	})
	return out
}

// Dedupe removes duplicate plays from rows and sorts them ascending.
func Dedupe(rows []Scrobble) []Scrobble {
	return Merge(nil, rows)
}

// lessScrobble orders by timestamp, then by artist and track so that the
// output of Merge does not depend on input order.
func lessScrobble(a, b Scrobble) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Artist != b.Artist {
		return a.Artist < b.Artist
	}
	return a.Track < b.Track
}
