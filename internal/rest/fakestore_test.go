package rest

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/octofhir/fhirserver/internal/ferror"
	"github.com/octofhir/fhirserver/internal/store"
)

// fakeStore is an in-memory store.Store used to exercise internal/rest's
// handlers without a database, the same way internal/domain/*/handler_test.go
// exercises handlers against an in-memory fake service.
type fakeStore struct {
	resources map[string]*store.StoredResource // key: type/id
	history   map[string][]store.HistoryEntry  // key: type/id
	schema    *store.SchemaManager
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		resources: make(map[string]*store.StoredResource),
		history:   make(map[string][]store.HistoryEntry),
		schema:    store.NewSchemaManager(nil),
	}
}

func key(resourceType, id string) string { return resourceType + "/" + id }

func (f *fakeStore) Create(ctx context.Context, resourceType string, body json.RawMessage, id string) (*store.StoredResource, error) {
	if id == "" {
		id = "generated-id"
	}
	now := time.Now()
	sr := &store.StoredResource{
		ResourceType: resourceType, ID: id, VersionID: 1,
		CreatedAt: now, UpdatedAt: now, Status: store.StatusCreated, Body: body,
	}
	k := key(resourceType, id)
	f.resources[k] = sr
	f.history[k] = append(f.history[k], store.HistoryEntry{StoredResource: *sr, Method: "POST"})
	return sr, nil
}

func (f *fakeStore) Update(ctx context.Context, resourceType, id string, body json.RawMessage, ifMatch *int) (*store.StoredResource, error) {
	k := key(resourceType, id)
	existing, ok := f.resources[k]
	if !ok {
		return f.Create(ctx, resourceType, body, id)
	}
	if ifMatch != nil && *ifMatch != existing.VersionID {
		return nil, ferror.New(ferror.KindPreconditionFail, "version mismatch")
	}
	now := time.Now()
	sr := &store.StoredResource{
		ResourceType: resourceType, ID: id, VersionID: existing.VersionID + 1,
		CreatedAt: existing.CreatedAt, UpdatedAt: now, Status: store.StatusUpdated, Body: body,
	}
	f.resources[k] = sr
	f.history[k] = append(f.history[k], store.HistoryEntry{StoredResource: *sr, Method: "PUT"})
	return sr, nil
}

func (f *fakeStore) Read(ctx context.Context, resourceType, id string) (*store.StoredResource, error) {
	sr, ok := f.resources[key(resourceType, id)]
	if !ok {
		return nil, ferror.New(ferror.KindNotFound, "not found")
	}
	if sr.Gone() {
		return nil, ferror.New(ferror.KindGone, "deleted")
	}
	return sr, nil
}

func (f *fakeStore) VRead(ctx context.Context, resourceType, id string, versionID int) (*store.StoredResource, error) {
	for _, e := range f.history[key(resourceType, id)] {
		if e.VersionID == versionID {
			cp := e.StoredResource
			return &cp, nil
		}
	}
	return nil, ferror.New(ferror.KindNotFound, "version not found")
}

func (f *fakeStore) Delete(ctx context.Context, resourceType, id string) error {
	k := key(resourceType, id)
	existing, ok := f.resources[k]
	if !ok {
		return nil
	}
	if existing.Gone() {
		return nil
	}
	now := time.Now()
	sr := &store.StoredResource{
		ResourceType: resourceType, ID: id, VersionID: existing.VersionID + 1,
		CreatedAt: existing.CreatedAt, UpdatedAt: now, Status: store.StatusDeleted,
	}
	f.resources[k] = sr
	f.history[k] = append(f.history[k], store.HistoryEntry{StoredResource: *sr, Method: "DELETE"})
	return nil
}

func (f *fakeStore) History(ctx context.Context, q store.HistoryQuery) ([]store.HistoryEntry, error) {
	var out []store.HistoryEntry
	for k, entries := range f.history {
		if q.ResourceType != "" && !strings.HasPrefix(k, q.ResourceType+"/") {
			continue
		}
		if q.ID != "" && key(q.ResourceType, q.ID) != k {
			continue
		}
		out = append(out, entries...)
	}
	if q.Count > 0 && len(out) > q.Count {
		out = out[:q.Count]
	}
	return out, nil
}

func (f *fakeStore) SupportsTransactions() bool { return false }

func (f *fakeStore) BeginTransaction(ctx context.Context) (store.Transaction, error) {
	return nil, ferror.New(ferror.KindInternal, "transactions not supported by fakeStore")
}

func (f *fakeStore) SchemaManager() *store.SchemaManager { return f.schema }
