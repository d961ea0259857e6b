package index

import "time"

// ReferenceRow is one row of the reference_index table.
type ReferenceRow struct {
	SourceType    string
	SourceID      string
	ParamCode     string
	TargetType    string
	TargetID      string
	TargetVersion *int
}

// DateRow is one row of the date_index table. A point-in-time value stores
// the same instant in both Start and End (SPEC_FULL.md §4.2).
type DateRow struct {
	SourceType string
	SourceID   string
	ParamCode  string
	Start      time.Time
	End        time.Time
}
