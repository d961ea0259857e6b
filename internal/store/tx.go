package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/octofhir/fhirserver/internal/eventbus"
	"github.com/octofhir/fhirserver/internal/ferror"
)

// pgTransaction scopes create/update/delete/read to a single pgx.Tx, letting
// a caller (e.g. the transaction-Bundle handler) stage several resource
// writes atomically before deciding to commit or roll back (SPEC_FULL.md §5
// "Transactions").
type pgTransaction struct {
	store *PGStore
	tx    pgx.Tx

	// events staged during the transaction, published only on Commit so a
	// rolled-back transaction never notifies hooks of writes that didn't happen.
	pending []eventbus.ResourceEvent
}

func (t *pgTransaction) Create(ctx context.Context, resourceType string, body json.RawMessage, id string) (*StoredResource, error) {
	if err := t.store.schema.EnsureTable(ctx, resourceType); err != nil {
		return nil, ferror.Internal(err)
	}
	current := CurrentTable(resourceType)
	history := HistoryTable(resourceType)
	now := time.Now().UTC()

	if id != "" {
		var exists bool
		if err := t.tx.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, current), id).Scan(&exists); err != nil {
			return nil, ferror.Internal(err)
		}
		if exists {
			return nil, ferror.New(ferror.KindConflict, fmt.Sprintf("%s/%s already exists", resourceType, id))
		}
	} else {
		id = newID()
	}

	body = setMeta(body, id, 1, now)

	if _, err := t.tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, version_id, created_at, updated_at, status, resource) VALUES ($1,$2,$3,$3,$4,$5)`, current),
		id, 1, now, StatusCreated, body); err != nil {
		return nil, ferror.Internal(err)
	}
	if _, err := t.tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, version_id, created_at, updated_at, status, resource) VALUES ($1,$2,$3,$3,$4,$5)`, history),
		id, 1, now, StatusCreated, body); err != nil {
		return nil, ferror.Internal(err)
	}

	t.store.writeIndex(ctx, resourceType, id, body)
	t.pending = append(t.pending, eventbus.ResourceEvent{EventType: eventbus.EventCreated, ResourceType: resourceType, ResourceID: id, VersionID: 1, Resource: body})
	return &StoredResource{ResourceType: resourceType, ID: id, VersionID: 1, CreatedAt: now, UpdatedAt: now, Status: StatusCreated, Body: body}, nil
}

func (t *pgTransaction) Update(ctx context.Context, resourceType, id string, body json.RawMessage, ifMatch *int) (*StoredResource, error) {
	if err := t.store.schema.EnsureTable(ctx, resourceType); err != nil {
		return nil, ferror.Internal(err)
	}
	current := CurrentTable(resourceType)
	history := HistoryTable(resourceType)

	var curVersion int
	err := t.tx.QueryRow(ctx, fmt.Sprintf(`SELECT version_id FROM %s WHERE id = $1 FOR UPDATE`, current), id).Scan(&curVersion)
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

	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET version_id=$2, updated_at=$3, status=$4, resource=$5 WHERE id=$1 AND version_id=$6`, current),
		id, newVersion, now, StatusUpdated, body, curVersion)
	if err != nil {
		return nil, ferror.Internal(err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ferror.New(ferror.KindPreconditionFail, "concurrent update detected")
	}
	if _, err := t.tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, version_id, created_at, updated_at, status, resource) VALUES ($1,$2,$3,$3,$4,$5)`, history),
		id, newVersion, now, StatusUpdated, body); err != nil {
		return nil, ferror.Internal(err)
	}

	t.store.writeIndex(ctx, resourceType, id, body)
	t.pending = append(t.pending, eventbus.ResourceEvent{EventType: eventbus.EventUpdated, ResourceType: resourceType, ResourceID: id, VersionID: newVersion, Resource: body})
	return &StoredResource{ResourceType: resourceType, ID: id, VersionID: newVersion, UpdatedAt: now, Status: StatusUpdated, Body: body}, nil
}

func (t *pgTransaction) Delete(ctx context.Context, resourceType, id string) error {
	if err := t.store.schema.EnsureTable(ctx, resourceType); err != nil {
		return ferror.Internal(err)
	}
	current := CurrentTable(resourceType)
	history := HistoryTable(resourceType)

	var curVersion int
	var curStatus Status
	var body json.RawMessage
	err := t.tx.QueryRow(ctx, fmt.Sprintf(`SELECT version_id, status, resource FROM %s WHERE id = $1 FOR UPDATE`, current), id).Scan(&curVersion, &curStatus, &body)
	if err == pgx.ErrNoRows {
		return ferror.New(ferror.KindNotFound, fmt.Sprintf("%s/%s not found", resourceType, id))
	}
	if err != nil {
		return ferror.Internal(err)
	}
	if curStatus == StatusDeleted {
		return nil
	}

	newVersion := curVersion + 1
	now := time.Now().UTC()
	body = setMeta(body, id, newVersion, now)

	if _, err := t.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET version_id=$2, updated_at=$3, status=$4, resource=$5 WHERE id=$1`, current),
		id, newVersion, now, StatusDeleted, body); err != nil {
		return ferror.Internal(err)
	}
	if _, err := t.tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, version_id, created_at, updated_at, status, resource) VALUES ($1,$2,$3,$3,$4,$5)`, history),
		id, newVersion, now, StatusDeleted, body); err != nil {
		return ferror.Internal(err)
	}

	t.store.deleteIndex(ctx, resourceType, id)
	t.pending = append(t.pending, eventbus.ResourceEvent{EventType: eventbus.EventDeleted, ResourceType: resourceType, ResourceID: id, VersionID: newVersion})
	return nil
}

func (t *pgTransaction) Read(ctx context.Context, resourceType, id string) (*StoredResource, error) {
	if err := t.store.schema.EnsureTable(ctx, resourceType); err != nil {
		return nil, ferror.Internal(err)
	}
	current := CurrentTable(resourceType)
	var sr StoredResource
	sr.ResourceType = resourceType
	err := t.tx.QueryRow(ctx, fmt.Sprintf(`SELECT id, version_id, created_at, updated_at, status, resource FROM %s WHERE id = $1`, current), id).
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

// Commit commits the underlying transaction, then publishes every event
// staged by the writes it contained.
func (t *pgTransaction) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return ferror.Wrap(ferror.KindTransactionError, "commit transaction", err)
	}
	if t.store.bus != nil {
		for _, ev := range t.pending {
			t.store.bus.Publish(ctx, ev)
		}
	}
	return nil
}

// Rollback aborts the transaction and discards any staged events.
func (t *pgTransaction) Rollback(ctx context.Context) error {
	t.pending = nil
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return ferror.Wrap(ferror.KindTransactionError, "rollback transaction", err)
	}
	return nil
}
