package lastfm

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// UserService provides read-only user operations for the Last.fm API.
type UserService struct {
	client *Client
}

// GetRecentTracks fetches one page of a user's scrobbles, newest first.
//
// The entry for a track currently playing (if any) is included on the
// first page with NowPlaying set; callers interested only in completed
// plays should skip it.
//
// Example:
//
//	page, err := client.User().GetRecentTracks(ctx, lastfm.RecentTracksParams{
//	    User:  "rj",
//	    Page:  1,
//	    Limit: lastfm.MaxRecentTracksLimit,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("%d scrobbles across %d pages\n", page.Total, page.TotalPages)
func (s *UserService) GetRecentTracks(ctx context.Context, p RecentTracksParams) (*RecentTracksPage, error) {
	if strings.TrimSpace(p.User) == "" {
		return nil, ErrMissingUser
	}

	params := map[string]string{
		"user": p.User,
	}
	if p.Page > 0 {
		params["page"] = strconv.Itoa(p.Page)
	}
	if p.Limit > 0 {
		limit := p.Limit
		if limit > MaxRecentTracksLimit {
			limit = MaxRecentTracksLimit
		}
		params["limit"] = strconv.Itoa(limit)
	}
	if !p.From.IsZero() {
		params["from"] = strconv.FormatInt(p.From.Unix(), 10)
	}
	if !p.To.IsZero() {
		params["to"] = strconv.FormatInt(p.To.Unix(), 10)
	}

	resp, err := s.client.call(ctx, "user.getrecenttracks", params)
	if err != nil {
		return nil, err
	}

	page, err := unmarshalRecentTracks(resp)
	if err != nil {
		return nil, fmt.Errorf("lastfm: failed to parse recent tracks response: %w", err)
	}

	return page, nil
}

// recentTracksResponse represents the XML response from user.getRecentTracks.
type recentTracksResponse struct {
	RecentTracks struct {
		User       string `xml:"user,attr"`
		Page       string `xml:"page,attr"`
		PerPage    string `xml:"perPage,attr"`
		TotalPages string `xml:"totalPages,attr"`
		Total      string `xml:"total,attr"`
		Tracks     []struct {
			NowPlaying string `xml:"nowplaying,attr"`
			Artist     string `xml:"artist"`
			Name       string `xml:"name"`
			Album      string `xml:"album"`
			URL        string `xml:"url"`
			MBID       string `xml:"mbid"`
			Date       *struct {
				UTS  string `xml:"uts,attr"`
				Text string `xml:",chardata"`
			} `xml:"date"`
		} `xml:"track"`
	} `xml:"recenttracks"`
}

// unmarshalRecentTracks parses the XML response from user.getRecentTracks.
func unmarshalRecentTracks(data []byte) (*RecentTracksPage, error) {
	var resp recentTracksResponse
	if err := xml.Unmarshal(wrapInner(data), &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recent tracks response: %w", err)
	}

	rt := resp.RecentTracks
	result := &RecentTracksPage{
		User:       rt.User,
		Page:       atoi(rt.Page),
		PerPage:    atoi(rt.PerPage),
		TotalPages: atoi(rt.TotalPages),
		Total:      atoi(rt.Total),
		Tracks:     make([]RecentTrack, 0, len(rt.Tracks)),
	}

	for _, t := range rt.Tracks {
		track := RecentTrack{
			Artist:     strings.TrimSpace(t.Artist),
			Album:      strings.TrimSpace(t.Album),
			Name:       strings.TrimSpace(t.Name),
			URL:        strings.TrimSpace(t.URL),
			MBID:       strings.TrimSpace(t.MBID),
			NowPlaying: t.NowPlaying == "true",
		}
		if t.Date != nil {
			track.Date = &TrackDate{
				UTS:  strings.TrimSpace(t.Date.UTS),
				Text: strings.TrimSpace(t.Date.Text),
			}
		}
		result.Tracks = append(result.Tracks, track)
	}

	return result, nil
}

// atoi parses an integer attribute, treating missing or malformed values as 0.
func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
