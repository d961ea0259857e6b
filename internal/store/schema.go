package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// resourceTypePattern matches a valid FHIR resource type identifier: a
// non-empty PascalCase-ish identifier (SPEC_FULL.md §3, "non-empty PascalCase
// identifier").
var resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)

// ValidResourceType reports whether typ is a syntactically valid resource type.
func ValidResourceType(typ string) bool {
	return resourceTypePattern.MatchString(typ)
}

// tableName lower-cases the resource type for use as a Postgres identifier,
// e.g. "Patient" -> "fhir_patient". history lives alongside it.
func tableName(resourceType string) string {
	return "fhir_" + strings.ToLower(resourceType)
}

// CurrentTable returns the current-table name for a resource type.
func CurrentTable(resourceType string) string { return tableName(resourceType) }

// HistoryTable returns the history-table name for a resource type.
func HistoryTable(resourceType string) string { return tableName(resourceType) + "_history" }

// SchemaManager lists known per-type tables and creates new ones on first
// write of an unseen type (SPEC_FULL.md §4.1, "per-resource-type sharding").
type SchemaManager struct {
	pool *pgxpool.Pool

	mu    sync.RWMutex
	known map[string]bool
}

func NewSchemaManager(pool *pgxpool.Pool) *SchemaManager {
	return &SchemaManager{pool: pool, known: make(map[string]bool)}
}

// EnsureTable creates the current+history table pair for resourceType if they
// do not already exist. Safe to call concurrently and repeatedly; after the
// first successful call for a type, subsequent calls are a fast in-memory check.
func (m *SchemaManager) EnsureTable(ctx context.Context, resourceType string) error {
	if !ValidResourceType(resourceType) {
		return fmt.Errorf("store: invalid resource type %q", resourceType)
	}

	m.mu.RLock()
	ok := m.known[resourceType]
	m.mu.RUnlock()
	if ok {
		return nil
	}

	current := tableName(resourceType)
	history := current + "_history"

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id         TEXT PRIMARY KEY,
    version_id INT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    status     TEXT NOT NULL,
    resource   JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS %[2]s (
    id         TEXT NOT NULL,
    version_id INT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    status     TEXT NOT NULL,
    resource   JSONB NOT NULL,
    PRIMARY KEY (id, version_id)
);
CREATE INDEX IF NOT EXISTS %[2]s_id_idx ON %[2]s (id, version_id DESC);
`, current, history)

	if _, err := m.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("store: create tables for %s: %w", resourceType, err)
	}

	m.mu.Lock()
	m.known[resourceType] = true
	m.mu.Unlock()
	return nil
}

// KnownTypes returns the resource types this process has created tables for
// so far. It does not query the database; it is a best-effort in-memory view
// used by system-level history/search fan-out.
func (m *SchemaManager) KnownTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, 0, len(m.known))
	for t := range m.known {
		types = append(types, t)
	}
	return types
}
