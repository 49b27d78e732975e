package dataset

import (
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	base := time.Date(2024, 1, 9, 23, 30, 0, 0, time.UTC)
	rows := Finalize([]Scrobble{
		{Timestamp: base, Artist: "Portishead", Album: "Dummy", Track: "Roads"},
		{Timestamp: base.Add(time.Hour), Artist: "Portishead", Album: "Dummy", Track: "Roads"},
		{Timestamp: base.Add(2 * time.Hour), Artist: "Portishead", Album: "Third", Track: "Machine Gun"},
		{Timestamp: base.Add(-time.Hour), Artist: "Björk", Album: "Homogenic", Track: "Jóga"},
		{Timestamp: base.Add(3 * time.Hour), Artist: "Björk", Track: "Roads"},
	})

	s := Summarize(rows)
	if s.Scrobbles != 5 {
		t.Errorf("expected 5 scrobbles, got %d", s.Scrobbles)
	}
	if s.Artists != 2 {
		t.Errorf("expected 2 artists, got %d", s.Artists)
	}
	if s.Albums != 3 {
		t.Errorf("expected 3 albums, got %d", s.Albums)
	}
	if s.Tracks != 4 {
		t.Errorf("expected 4 tracks (same title by different artists counts twice), got %d", s.Tracks)
	}
	if !s.First.Equal(base.Add(-time.Hour)) || !s.Last.Equal(base.Add(3*time.Hour)) {
		t.Errorf("unexpected range %v .. %v", s.First, s.Last)
	}
	if s.Days != 2 {
		t.Errorf("expected plays on 2 days, got %d", s.Days)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	if s != (Summary{}) {
		t.Errorf("expected zero summary, got %+v", s)
	}
}
