package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/octofhir/fhirserver/internal/eventbus"
	"github.com/octofhir/fhirserver/internal/ferror"
	pdb "github.com/octofhir/fhirserver/internal/platform/db"
)

// Indexer is implemented by internal/index.Writer; injected so store never
// imports the index package (the index package imports store for table
// naming, not the other way around).
type Indexer interface {
	IndexResource(ctx context.Context, q Querier, resourceType, id string, body json.RawMessage) error
	DeleteIndex(ctx context.Context, q Querier, resourceType, id string) error
}

// Querier abstracts pgx.Tx / *pgxpool.Conn / *pgxpool.Pool, following
// internal/domain/encounter/repo_pg.go's Querier interface.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGStore is the PostgreSQL-backed Store implementation.
type PGStore struct {
	pool    *pgxpool.Pool
	schema  *SchemaManager
	bus     *eventbus.Bus
	indexer Indexer
	logger  zerolog.Logger
}

func NewPGStore(pool *pgxpool.Pool, bus *eventbus.Bus, indexer Indexer, logger zerolog.Logger) *PGStore {
	return &PGStore{
		pool:    pool,
		schema:  NewSchemaManager(pool),
		bus:     bus,
		indexer: indexer,
		logger:  logger.With().Str("component", "store").Logger(),
	}
}

func (s *PGStore) SchemaManager() *SchemaManager { return s.schema }

func (s *PGStore) conn(ctx context.Context) Querier {
	if tx := pdb.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := pdb.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// writeIndex runs the C2 index writer for a write, swallowing and logging
// any failure per SPEC_FULL.md §4.2 ("errors are logged and swallowed; the
// CRUD operation still succeeds").
func (s *PGStore) writeIndex(ctx context.Context, resourceType, id string, body json.RawMessage) {
	if s.indexer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn().Interface("panic", r).Str("resourceType", resourceType).Str("id", id).
				Msg("index writer panicked, CRUD still succeeds")
		}
	}()
	if err := s.indexer.IndexResource(ctx, s.conn(ctx), resourceType, id, body); err != nil {
		s.logger.Warn().Err(err).Str("resourceType", resourceType).Str("id", id).Msg("index write failed")
	}
}

func (s *PGStore) deleteIndex(ctx context.Context, resourceType, id string) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.DeleteIndex(ctx, s.conn(ctx), resourceType, id); err != nil {
		s.logger.Warn().Err(err).Str("resourceType", resourceType).Str("id", id).Msg("index delete failed")
	}
}

func (s *PGStore) publish(ctx context.Context, evType eventbus.EventType, resourceType, id string, versionID int, body json.RawMessage) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, eventbus.ResourceEvent{
		EventType:    evType,
		ResourceType: resourceType,
		ResourceID:   id,
		VersionID:    versionID,
		Resource:     body,
	})
}

// Create implements §4.1 create.
func (s *PGStore) Create(ctx context.Context, resourceType string, body json.RawMessage, id string) (*StoredResource, error) {
	if err := s.schema.EnsureTable(ctx, resourceType); err != nil {
		return nil, ferror.Internal(err)
	}
	current := CurrentTable(resourceType)
	history := HistoryTable(resourceType)
	now := time.Now().UTC()

	if id != "" {
		var exists bool
		if err := s.conn(ctx).QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, current), id).Scan(&exists); err != nil {
			return nil, ferror.Internal(err)
		}
		if exists {
			return nil, ferror.New(ferror.KindConflict, fmt.Sprintf("%s/%s already exists", resourceType, id))
		}
	} else {
		id = newID()
	}

	body = setMeta(body, id, 1, now)

	const versionID = 1
	_, err := s.conn(ctx).Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, version_id, created_at, updated_at, status, resource) VALUES ($1,$2,$3,$3,$4,$5)`, current),
		id, versionID, now, StatusCreated, body)
	if err != nil {
		return nil, ferror.Internal(err)
	}
	_, err = s.conn(ctx).Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, version_id, created_at, updated_at, status, resource) VALUES ($1,$2,$3,$3,$4,$5)`, history),
		id, versionID, now, StatusCreated, body)
	if err != nil {
		return nil, ferror.Internal(err)
	}

	s.writeIndex(ctx, resourceType, id, body)
	sr := &StoredResource{ResourceType: resourceType, ID: id, VersionID: versionID, CreatedAt: now, UpdatedAt: now, Status: StatusCreated, Body: body}
	s.publish(ctx, eventbus.EventCreated, resourceType, id, versionID, body)
	return sr, nil
}

// Update implements §4.1 update, with optimistic concurrency enforced by a
// WHERE version_id = $ifMatch clause, following internal/domain/encounter's
// update-by-primary-key pattern generalized to a version-gated UPDATE.
func (s *PGStore) Update(ctx context.Context, resourceType, id string, body json.RawMessage, ifMatch *int) (*StoredResource, error) {
	if err := s.schema.EnsureTable(ctx, resourceType); err != nil {
		return nil, ferror.Internal(err)
	}
	current := CurrentTable(resourceType)
	history := HistoryTable(resourceType)

	var curVersion int
	var curStatus Status
	err := s.conn(ctx).QueryRow(ctx, fmt.Sprintf(`SELECT version_id, status FROM %s WHERE id = $1 FOR UPDATE`, current), id).Scan(&curVersion, &curStatus)
	if err == pgx.ErrNoRows {
		return nil, ferror.New(ferror.KindNotFound, fmt.Sprintf("%s/%s not found", resourceType, id))
	}
	if err != nil {
		return nil, ferror.Internal(err)
	}
	if ifMatch != nil && *ifMatch != curVersion {
		return nil, ferror.New(ferror.KindPreconditionFail, fmt.Sprintf("If-Match version %d does not match current version %d", *ifMatch, curVersion))
	}

	newVersion := curVersion + 1
	now := time.Now().UTC()
	body = setMeta(body, id, newVersion, now)

	tag, err := s.conn(ctx).Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET version_id=$2, updated_at=$3, status=$4, resource=$5 WHERE id=$1 AND version_id=$6`, current),
		id, newVersion, now, StatusUpdated, body, curVersion)
	if err != nil {
		return nil, ferror.Internal(err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ferror.New(ferror.KindPreconditionFail, "concurrent update detected")
	}
	_, err = s.conn(ctx).Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, version_id, created_at, updated_at, status, resource) VALUES ($1,$2,$3,$3,$4,$5)`, history),
		id, newVersion, now, StatusUpdated, body)
	if err != nil {
		return nil, ferror.Internal(err)
	}

	s.writeIndex(ctx, resourceType, id, body)
	sr := &StoredResource{ResourceType: resourceType, ID: id, VersionID: newVersion, UpdatedAt: now, Status: StatusUpdated, Body: body}
	s.publish(ctx, eventbus.EventUpdated, resourceType, id, newVersion, body)
	return sr, nil
}

// Read implements §4.1 read.
func (s *PGStore) Read(ctx context.Context, resourceType, id string) (*StoredResource, error) {
	if err := s.schema.EnsureTable(ctx, resourceType); err != nil {
		return nil, ferror.Internal(err)
	}
	current := CurrentTable(resourceType)
	var sr StoredResource
	sr.ResourceType = resourceType
	err := s.conn(ctx).QueryRow(ctx, fmt.Sprintf(`SELECT id, version_id, created_at, updated_at, status, resource FROM %s WHERE id = $1`, current), id).
		Scan(&sr.ID, &sr.VersionID, &sr.CreatedAt, &sr.UpdatedAt, &sr.Status, &sr.Body)
	if err == pgx.ErrNoRows {
		return nil, ferror.New(ferror.KindNotFound, fmt.Sprintf("%s/%s not found", resourceType, id))
	}
	if err != nil {
		return nil, ferror.Internal(err)
	}
	if sr.Gone() {
		return &sr, ferror.New(ferror.KindGone, fmt.Sprintf("%s/%s was deleted", resourceType, id))
	}
	return &sr, nil
}

// VRead implements §4.1 vread.
func (s *PGStore) VRead(ctx context.Context, resourceType, id string, versionID int) (*StoredResource, error) {
	if err := s.schema.EnsureTable(ctx, resourceType); err != nil {
		return nil, ferror.Internal(err)
	}
	history := HistoryTable(resourceType)
	var sr StoredResource
	sr.ResourceType = resourceType
	err := s.conn(ctx).QueryRow(ctx, fmt.Sprintf(`SELECT id, version_id, created_at, updated_at, status, resource FROM %s WHERE id = $1 AND version_id = $2`, history), id, versionID).
		Scan(&sr.ID, &sr.VersionID, &sr.CreatedAt, &sr.UpdatedAt, &sr.Status, &sr.Body)
	if err == pgx.ErrNoRows {
		return nil, ferror.New(ferror.KindNotFound, fmt.Sprintf("%s/%s version %d not found", resourceType, id, versionID))
	}
	if err != nil {
		return nil, ferror.Internal(err)
	}
	return &sr, nil
}

// Delete implements §4.1 delete: writes a tombstone version; idempotent on
// an already-deleted resource.
func (s *PGStore) Delete(ctx context.Context, resourceType, id string) error {
	if err := s.schema.EnsureTable(ctx, resourceType); err != nil {
		return ferror.Internal(err)
	}
	current := CurrentTable(resourceType)
	history := HistoryTable(resourceType)

	var curVersion int
	var curStatus Status
	var body json.RawMessage
	err := s.conn(ctx).QueryRow(ctx, fmt.Sprintf(`SELECT version_id, status, resource FROM %s WHERE id = $1 FOR UPDATE`, current), id).Scan(&curVersion, &curStatus, &body)
	if err == pgx.ErrNoRows {
		return ferror.New(ferror.KindNotFound, fmt.Sprintf("%s/%s not found", resourceType, id))
	}
	if err != nil {
		return ferror.Internal(err)
	}
	if curStatus == StatusDeleted {
		return nil // idempotent
	}

	newVersion := curVersion + 1
	now := time.Now().UTC()
	body = setMeta(body, id, newVersion, now)

	_, err = s.conn(ctx).Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET version_id=$2, updated_at=$3, status=$4, resource=$5 WHERE id=$1`, current),
		id, newVersion, now, StatusDeleted, body)
	if err != nil {
		return ferror.Internal(err)
	}
	_, err = s.conn(ctx).Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, version_id, created_at, updated_at, status, resource) VALUES ($1,$2,$3,$3,$4,$5)`, history),
		id, newVersion, now, StatusDeleted, body)
	if err != nil {
		return ferror.Internal(err)
	}

	s.deleteIndex(ctx, resourceType, id)
	s.publish(ctx, eventbus.EventDeleted, resourceType, id, newVersion, body)
	return nil
}

// History implements §4.1 history: spans current+history tables in
// descending version order. System-level history (empty ResourceType) fans
// out across every type this process has seen.
func (s *PGStore) History(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	if q.ResourceType == "" {
		return s.systemHistory(ctx, q)
	}
	if err := s.schema.EnsureTable(ctx, q.ResourceType); err != nil {
		return nil, ferror.Internal(err)
	}
	history := HistoryTable(q.ResourceType)

	sql := fmt.Sprintf(`SELECT id, version_id, created_at, updated_at, status, resource FROM %s WHERE 1=1`, history)
	args := []interface{}{}
	idx := 1
	if q.ID != "" {
		sql += fmt.Sprintf(" AND id = $%d", idx)
		args = append(args, q.ID)
		idx++
	}
	if q.Since != nil {
		sql += fmt.Sprintf(" AND updated_at >= $%d", idx)
		args = append(args, *q.Since)
		idx++
	}
	if q.At != nil {
		sql += fmt.Sprintf(" AND updated_at <= $%d", idx)
		args = append(args, *q.At)
		idx++
	}
	sql += " ORDER BY version_id DESC"
	if q.Count > 0 {
		sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", idx, idx+1)
		args = append(args, q.Count, q.Offset)
	}

	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, ferror.Internal(err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var sr StoredResource
		sr.ResourceType = q.ResourceType
		if err := rows.Scan(&sr.ID, &sr.VersionID, &sr.CreatedAt, &sr.UpdatedAt, &sr.Status, &sr.Body); err != nil {
			return nil, ferror.Internal(err)
		}
		entries = append(entries, HistoryEntry{StoredResource: sr, Method: MethodFor(sr.Status)})
	}
	return entries, nil
}

func (s *PGStore) systemHistory(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	var all []HistoryEntry
	for _, typ := range s.schema.KnownTypes() {
		typeQuery := q
		typeQuery.ResourceType = typ
		typeQuery.Count = 0
		typeQuery.Offset = 0
		entries, err := s.History(ctx, typeQuery)
		if err != nil {
			continue
		}
		all = append(all, entries...)
	}
	// Simple in-memory sort + page since this fans across many small tables.
	sortHistoryDesc(all)
	if q.Count > 0 {
		end := q.Offset + q.Count
		if q.Offset >= len(all) {
			return nil, nil
		}
		if end > len(all) {
			end = len(all)
		}
		return all[q.Offset:end], nil
	}
	return all, nil
}

func sortHistoryDesc(entries []HistoryEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].UpdatedAt.After(entries[j-1].UpdatedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func (s *PGStore) SupportsTransactions() bool { return true }

func (s *PGStore) BeginTransaction(ctx context.Context) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, ferror.Wrap(ferror.KindTransactionError, "begin transaction", err)
	}
	return &pgTransaction{store: s, tx: tx}, nil
}
