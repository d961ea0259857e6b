package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/octofhir/fhirserver/internal/eventbus"
)

// defaultEventTTL sets an enqueued event's expires_at. The delivery worker
// (C8) abandons an event by attempt count and does not read expires_at.
const defaultEventTTL = 24 * time.Hour

// Manager is the change-event hook that matches committed writes against
// SubscriptionTopics and active Subscriptions, and enqueues durable
// notification rows for the delivery worker to pick up. Grounded on
// internal/platform/fhir/notify.go's NotificationEngine.HandleEvent, with the
// ad hoc criteria string replaced by topic/subscription lookups.
type Manager struct {
	pool   *pgxpool.Pool
	topics *TopicRegistry
	logger zerolog.Logger
}

func NewManager(pool *pgxpool.Pool, topics *TopicRegistry, logger zerolog.Logger) *Manager {
	return &Manager{pool: pool, topics: topics, logger: logger.With().Str("component", "subscription.manager").Logger()}
}

var _ eventbus.Hook = (*Manager)(nil)
var _ eventbus.LifecycleHook = (*Manager)(nil)

func (m *Manager) OnStart(ctx context.Context) {
	m.logger.Info().Msg("subscription manager started")
}

func (m *Manager) OnShutdown(ctx context.Context) {
	m.logger.Info().Msg("subscription manager stopped")
}

// HandleEvent implements eventbus.Hook. The bus has already withheld
// internal-origin resource types (Subscription/SubscriptionTopic/...), so
// every event reaching here is eligible for topic matching.
func (m *Manager) HandleEvent(ctx context.Context, event eventbus.ResourceEvent) {
	interaction := interactionFor(event.EventType)
	topics := m.topics.FindMatchingTopics(event.ResourceType, interaction)
	if len(topics) == 0 {
		return
	}

	for _, topic := range topics {
		if !matchFHIRPathCriteria(topic.FHIRPathCriteria, event.Resource) {
			continue
		}

		subs, err := m.loadActiveSubscriptions(ctx, topic.URL)
		if err != nil {
			m.logger.Error().Err(err).Str("topic", topic.URL).Msg("loading active subscriptions for topic")
			continue
		}

		now := time.Now()
		for _, sub := range subs {
			if sub.End != nil && sub.End.Before(now) {
				continue
			}
			if !matchesFilters(sub.FilterBy, event.ResourceType, event.Resource) {
				continue
			}
			if err := m.enqueueNotification(ctx, sub, event); err != nil {
				m.logger.Error().Err(err).Str("subscriptionId", sub.ID).Msg("enqueueing subscription event")
			}
		}
	}
}

func interactionFor(t eventbus.EventType) string {
	switch t {
	case eventbus.EventCreated:
		return "create"
	case eventbus.EventUpdated:
		return "update"
	case eventbus.EventDeleted:
		return "delete"
	default:
		return ""
	}
}

// matchesFilters applies a subscription's filterBy entries. Only the eq
// comparator over a direct resource field is evaluated here; richer
// search-parameter comparators would need the full compiler (C4) run
// against a single in-memory resource, which is out of scope for the
// delivery-side filter (SPEC_FULL.md §4.7 notes this as a simplification).
func matchesFilters(filters []Filter, resourceType string, body []byte) bool {
	for _, f := range filters {
		if f.ResourceType != "" && f.ResourceType != resourceType {
			continue
		}
		actual, ok := lookupField(body, f.SearchParam)
		if !ok {
			return false
		}
		if actual != f.Value {
			return false
		}
	}
	return true
}

// loadActiveSubscriptions reads every current-status Subscription resource
// targeting topicURL whose status is "active". Subscription/SubscriptionTopic
// resources live in the generic per-type tables like any other resource
// (C1); this is a direct read against that table rather than a Store method
// because the engine needs a JSONB-filtered scan, not a by-id lookup.
func (m *Manager) loadActiveSubscriptions(ctx context.Context, topicURL string) ([]Subscription, error) {
	rows, err := m.pool.Query(ctx, `
SELECT resource FROM fhir_subscription
WHERE status <> 'deleted' AND resource->>'topic' = $1 AND resource->>'status' = 'active'`, topicURL)
	if err != nil {
		return nil, fmt.Errorf("subscription: query active subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		sub, err := parseSubscription(raw)
		if err != nil {
			m.logger.Warn().Err(err).Msg("skipping malformed Subscription row")
			continue
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func parseSubscription(raw []byte) (Subscription, error) {
	var doc struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Topic  string `json:"topic"`
		Channel struct {
			Type            string   `json:"type"`
			Endpoint        string   `json:"endpoint"`
			Payload         string   `json:"payload"`
			Header          []string `json:"header"`
			HeartbeatPeriod int      `json:"heartbeatPeriod"`
		} `json:"channel"`
		FilterBy []struct {
			ResourceType string `json:"resourceType"`
			FilterParameter string `json:"filterParameter"`
			Comparator   string `json:"comparator"`
			Modifier     string `json:"modifier"`
			Value        string `json:"value"`
		} `json:"filterBy"`
		End string `json:"end"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Subscription{}, err
	}
	sub := Subscription{
		ID:              doc.ID,
		TopicURL:        doc.Topic,
		Status:          Status(doc.Status),
		ChannelType:     ChannelType(doc.Channel.Type),
		ChannelEndpoint: doc.Channel.Endpoint,
		ChannelPayload:  doc.Channel.Payload,
		ChannelHeaders:  doc.Channel.Header,
		HeartbeatPeriod: doc.Channel.HeartbeatPeriod,
	}
	for _, f := range doc.FilterBy {
		sub.FilterBy = append(sub.FilterBy, Filter{
			ResourceType: f.ResourceType, SearchParam: f.FilterParameter,
			Comparator: f.Comparator, Modifier: f.Modifier, Value: f.Value,
		})
	}
	if doc.End != "" {
		if end, err := time.Parse(time.RFC3339, doc.End); err == nil {
			sub.End = &end
		}
	}
	return sub, nil
}

// enqueueNotification allocates the next event number for sub and inserts a
// pending subscription_event row carrying the notification bundle.
func (m *Manager) enqueueNotification(ctx context.Context, sub Subscription, event eventbus.ResourceEvent) error {
	eventNumber, err := m.nextEventNumber(ctx, sub.ID)
	if err != nil {
		return err
	}

	action := interactionFor(event.EventType)
	bundle, err := buildNotificationBundle(sub, eventNumber, event.ResourceType, event.ResourceID, action, event.Resource)
	if err != nil {
		return fmt.Errorf("subscription: build notification bundle: %w", err)
	}

	now := time.Now()
	_, err = m.pool.Exec(ctx, `
INSERT INTO subscription_event
    (id, subscription_id, topic_url, event_type, event_number, focus_type, focus_id, focus_action, bundle,
     channel_type, channel_endpoint, channel_headers, status, next_retry_at, expires_at, created_at)
VALUES ($1, $2, $3, 'event-notification', $4, $5, $6, $7, $8, $9, $10, $11, 'pending', $12, $13, $12)`,
		uuid.NewString(), sub.ID, sub.TopicURL, eventNumber, event.ResourceType, event.ResourceID, action, bundle,
		string(sub.ChannelType), sub.ChannelEndpoint, sub.ChannelHeaders, now, now.Add(defaultEventTTL))
	if err != nil {
		return fmt.Errorf("subscription: insert subscription_event: %w", err)
	}
	return nil
}

// nextEventNumber atomically increments subscription_status.last_event_number
// for subscriptionID, seeding the row at 0 on first use, so a subscription's
// first enqueued notification gets event number 0. No handshake event is
// enqueued; event-notifications take every number.
func (m *Manager) nextEventNumber(ctx context.Context, subscriptionID string) (int64, error) {
	var next int64
	err := m.pool.QueryRow(ctx, `
INSERT INTO subscription_status (subscription_id, last_event_number, event_count, updated_at)
VALUES ($1, 0, 1, NOW())
ON CONFLICT (subscription_id) DO UPDATE
    SET last_event_number = subscription_status.last_event_number + 1,
        event_count = subscription_status.event_count + 1,
        updated_at = NOW()
RETURNING last_event_number`, subscriptionID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("subscription: allocate event number: %w", err)
	}
	return next, nil
}

// buildNotificationBundle assembles the history-type Bundle a notification
// carries: a SubscriptionStatus entry plus, for full-resource payloads, the
// focus resource itself (SPEC_FULL.md §4.7, "R5 Subscription notification shape").
func buildNotificationBundle(sub Subscription, eventNumber int64, focusType, focusID, action string, resource []byte) ([]byte, error) {
	status := map[string]interface{}{
		"resourceType":   "SubscriptionStatus",
		"status":         "active",
		"type":           "event-notification",
		"eventsSinceSubscriptionStart": fmt.Sprintf("%d", eventNumber),
		"subscription":   map[string]string{"reference": "Subscription/" + sub.ID},
		"topic":          sub.TopicURL,
		"notificationEvent": []map[string]interface{}{
			{
				"eventNumber": fmt.Sprintf("%d", eventNumber),
				"focus":       map[string]string{"reference": focusType + "/" + focusID},
			},
		},
	}

	entries := []map[string]interface{}{
		{"resource": status},
	}
	if sub.ChannelPayload == "full-resource" && len(resource) > 0 && action != "delete" {
		var focus map[string]interface{}
		if err := json.Unmarshal(resource, &focus); err == nil {
			entries = append(entries, map[string]interface{}{"resource": focus})
		}
	}

	bundle := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "history",
		"entry":        entries,
	}
	return json.Marshal(bundle)
}
