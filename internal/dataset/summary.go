package dataset

import "time"

// Summary holds headline figures of a finalized dataset
type Summary struct {
	Scrobbles int
	Artists   int
	Albums    int
	Tracks    int
	First     time.Time
	Last      time.Time
	Days      int // distinct calendar days with at least one play
}

// Summarize computes headline figures. Albums and tracks are counted per
// artist so that equally named releases by different artists stay apart;
// plays without an album are not counted as an album.
func Summarize(rows []Row) Summary {
	type albumKey struct{ artist, album string }
	type trackKey struct{ artist, track string }

	artists := make(map[string]struct{})
	albums := make(map[albumKey]struct{})
	tracks := make(map[trackKey]struct{})
	days := make(map[string]struct{})

	var s Summary
	for i, r := range rows {
		if i == 0 || r.Timestamp.Before(s.First) {
			s.First = r.Timestamp
		}
		if i == 0 || r.Timestamp.After(s.Last) {
			s.Last = r.Timestamp
		}
		artists[r.Artist] = struct{}{}
		if r.Album != "" {
			albums[albumKey{r.Artist, r.Album}] = struct{}{}
		}
		tracks[trackKey{r.Artist, r.Track}] = struct{}{}
		days[r.YearMonthDay] = struct{}{}
	}

	s.Scrobbles = len(rows)
	s.Artists = len(artists)
	s.Albums = len(albums)
	s.Tracks = len(tracks)
	s.Days = len(days)
	return s
}
