// Package store implements the versioned resource store (SPEC_FULL.md C1):
// per-type current + history tables, optimistic concurrency via version
// tokens, and change-event emission. It generalizes the teacher's one
// hand-written repo-per-resource-type pattern (see internal/domain/encounter)
// into a single generic store parameterized by resource type name, per
// SPEC_FULL.md §4.1's type-agnostic contract ("a schema manager lists known
// tables and creates new ones on first write of an unseen type").
package store

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a current-table row.
type Status string

const (
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
	StatusDeleted Status = "deleted"
)

// StoredResource is the row shape shared by the current and history tables.
type StoredResource struct {
	ResourceType string
	ID           string
	VersionID    int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Status       Status
	Body         json.RawMessage
}

// Gone reports whether this row is a delete tombstone.
func (r *StoredResource) Gone() bool { return r.Status == StatusDeleted }

// HistoryEntry is one row returned by History, including the HTTP method a
// Bundle.entry.request would have used to produce it.
type HistoryEntry struct {
	StoredResource
	Method string // POST | PUT | DELETE
}

// MethodFor maps a row's status to the Bundle history-entry request method,
// following internal/platform/fhir/history.go's action→method convention.
func MethodFor(status Status) string {
	switch status {
	case StatusCreated:
		return "POST"
	case StatusDeleted:
		return "DELETE"
	default:
		return "PUT"
	}
}

// HistoryQuery parameterizes a history lookup (§4.1 `history`).
type HistoryQuery struct {
	ResourceType string // empty means system-level (spans all types)
	ID           string // empty means type-level
	Since        *time.Time
	At           *time.Time
	Count        int
	Offset       int
}
