package lastfm

import (
	"time"
)

// MaxRecentTracksLimit is the largest page size user.getRecentTracks accepts.
const MaxRecentTracksLimit = 200

// RecentTracksParams are the arguments to user.getRecentTracks.
type RecentTracksParams struct {
	User  string    // Required: Last.fm username
	Page  int       // Optional: 1-based page number (defaults to 1)
	Limit int       // Optional: results per page, at most 200 (defaults to 50 server side)
	From  time.Time // Optional: only plays at or after this instant
	To    time.Time // Optional: only plays at or before this instant
}

// RecentTracksPage is one page of a user's listening history, newest first.
type RecentTracksPage struct {
	User       string
	Page       int
	PerPage    int
	TotalPages int
	Total      int
	Tracks     []RecentTrack
}

// RecentTrack is a single entry of user.getRecentTracks.
//
// The entry for a track that is playing right now has NowPlaying set and
// no Date.
type RecentTrack struct {
	Artist     string
	Album      string
	Name       string
	URL        string
	MBID       string
	NowPlaying bool
	Date       *TrackDate
}

// TrackDate is the completion time of a play as reported by Last.fm.
type TrackDate struct {
	UTS  string // Unix seconds, as sent by the API
	Text string // Human readable form, e.g. "9 Jun 2008, 17:16" (UTC)
}
