package index

import (
	"encoding/json"
	"time"
)

// dateLayouts covers the FHIR date/dateTime/instant precisions, from a bare
// year down to an instant with fractional seconds and an offset.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parseFHIRDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// period extracts start/end from a raw JSON value that may be a plain
// date/dateTime/instant string, or a Period-shaped object with start/end
// fields. Returns ok=false if raw is neither.
func period(raw json.RawMessage) (start, end time.Time, ok bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, valid := parseFHIRDate(s); valid {
			return t, t, true
		}
		return time.Time{}, time.Time{}, false
	}

	var p struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return time.Time{}, time.Time{}, false
	}
	if p.Start == "" && p.End == "" {
		return time.Time{}, time.Time{}, false
	}
	start, hasStart := parseFHIRDate(p.Start)
	end, hasEnd := parseFHIRDate(p.End)
	switch {
	case hasStart && hasEnd:
		return start, end, true
	case hasStart:
		return start, start, true
	case hasEnd:
		return end, end, true
	default:
		return time.Time{}, time.Time{}, false
	}
}
