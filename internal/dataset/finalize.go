package dataset

import (
	"fmt"
	"time"
)

// Row is a finalized scrobble: the raw play plus calendar fields derived
// from its timestamp. Derived fields are never stored; they are recomputed
// every time a dataset is finalized.
type Row struct {
	Scrobble

	Year         int    `json:"year"`
	Quarter      int    `json:"quarter"`
	Month        int    `json:"month"`
	Day          int    `json:"day"`
	Hour         int    `json:"hour"`
	YearMonth    string `json:"year_month"`
	YearMonthDay string `json:"year_month_day"`
	Weekday      string `json:"weekday"`
}

// Finalizer derives calendar fields in a fixed location.
type Finalizer struct {
	// Location used for calendar fields. Nil means UTC.
	Location *time.Location
}

// Finalize derives calendar fields for every row in a single pass.
// An empty input yields an empty, non-nil table.
func (f Finalizer) Finalize(rows []Scrobble) []Row {
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}

	out := make([]Row, len(rows))
	for i, s := range rows {
		out[i] = derive(s, loc)
	}
	return out
}

// Refinalize recomputes calendar fields of an already finalized table.
func (f Finalizer) Refinalize(rows []Row) []Row {
	return f.Finalize(Raw(rows))
}

// Finalize derives calendar fields in UTC.
func Finalize(rows []Scrobble) []Row {
	return Finalizer{}.Finalize(rows)
}

// Raw strips derived fields from a finalized table.
func Raw(rows []Row) []Scrobble {
	out := make([]Scrobble, len(rows))
	for i, r := range rows {
		out[i] = r.Scrobble
	}
	return out
}

func derive(s Scrobble, loc *time.Location) Row {
	t := s.Timestamp.In(loc)
	month := int(t.Month())
	return Row{
		Scrobble:     s,
		Year:         t.Year(),
		Quarter:      (month-1)/3 + 1,
		Month:        month,
		Day:          t.Day(),
		Hour:         t.Hour(),
		YearMonth:    fmt.Sprintf("%04d-%02d", t.Year(), month),
		YearMonthDay: t.Format("2006-01-02"),
		Weekday:      t.Weekday().String(),
	}
}
