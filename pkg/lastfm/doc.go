// Package lastfm provides a client library for the Last.fm API 2.0.
//
// # Overview
//
// This package implements a small Go client for the read-only side of the
// Last.fm API, focusing on downloading a user's listening history. It
// provides a type-safe API with context support and typed errors that let
// callers decide how to retry.
//
// # Quick Start
//
// Create a client with your API key:
//
//	import "github.com/Nebiros96/ScrobblingAnalysis/pkg/lastfm"
//
//	client, err := lastfm.NewClient(lastfm.Config{
//	    APIKey: "your-api-key",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Listening History
//
// user.getRecentTracks returns a user's scrobbles newest first, up to 200
// per page:
//
//	page, err := client.User().GetRecentTracks(ctx, lastfm.RecentTracksParams{
//	    User:  "rj",
//	    Page:  1,
//	    Limit: lastfm.MaxRecentTracksLimit,
//	})
//
// Use From to download only plays newer than a known watermark and To to
// pin pagination while walking a long history:
//
//	page, err := client.User().GetRecentTracks(ctx, lastfm.RecentTracksParams{
//	    User:  "rj",
//	    Page:  2,
//	    Limit: 200,
//	    From:  lastSeen,
//	    To:    startedAt,
//	})
//
// # Error Handling
//
// The client performs a single request per call; it does not retry.
// Failures carry enough structure for a retry policy:
//
//	page, err := client.User().GetRecentTracks(ctx, params)
//	if err != nil {
//	    if lfmErr, ok := lastfm.AsError(err); ok {
//	        switch {
//	        case lfmErr.RateLimited():
//	            // wait lfmErr.RetryAfter, then retry
//	        case lfmErr.Temporary():
//	            // retry with backoff
//	        case lfmErr.Code == lastfm.ErrCodeInvalidParameters:
//	            // unknown user
//	        }
//	    }
//	    var httpErr *lastfm.HTTPError
//	    if errors.As(err, &httpErr) && httpErr.StatusCode >= 500 {
//	        // retry with backoff
//	    }
//	}
//
// # Configuration
//
// The client can be configured with custom HTTP clients, base URLs (for testing),
// and optional loggers:
//
//	client, err := lastfm.NewClient(lastfm.Config{
//	    APIKey:     "your-api-key",
//	    HTTPClient: &http.Client{Transport: myTransport},
//	    Logger:     myLogger, // Implements lastfm.Logger interface
//	})
//
// The API key is sent as a query parameter and is never written to the logger.
//
// # Last.fm API Documentation
//
// https://www.last.fm/api/show/user.getRecentTracks
package lastfm
