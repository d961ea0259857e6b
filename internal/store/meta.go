package store

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// newID mints a new resource id, following the teacher's convention of
// server-assigned UUIDs for resources created without a client-supplied id.
func newID() string {
	return uuid.NewString()
}

// setMeta stamps id, versionId, and lastUpdated into a resource body's meta
// element, following internal/platform/fhir's resource-meta conventions.
// Unmarshal failures leave body untouched; the store never rejects a write
// because of a malformed meta block, since validation is a caller concern.
func setMeta(body json.RawMessage, id string, versionID int, lastUpdated time.Time) json.RawMessage {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}

	doc["id"] = id

	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = strconv.Itoa(versionID)
	meta["lastUpdated"] = lastUpdated.Format(time.RFC3339Nano)
	doc["meta"] = meta

	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}
