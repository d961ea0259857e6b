package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	ws "github.com/octofhir/fhirserver/internal/platform/websocket"
)

// WebSocketChannel fans a notification out to the Hub topic keyed by the
// subscription id, reusing internal/platform/websocket.Hub as-is (it was
// already a topic-keyed broadcaster; the only change is what gets used as
// a topic name).
type WebSocketChannel struct {
	hub    *ws.Hub
	logger zerolog.Logger
}

func NewWebSocketChannel(hub *ws.Hub, logger zerolog.Logger) *WebSocketChannel {
	return &WebSocketChannel{hub: hub, logger: logger.With().Str("channel", "websocket").Logger()}
}

func (c *WebSocketChannel) Deliver(ctx context.Context, n Notification) Result {
	start := time.Now()
	event := ws.Event{
		Type:      "subscription-notification",
		Topic:     subscriptionTopic(n.SubscriptionID),
		Timestamp: time.Now(),
		Data:      json.RawMessage(n.Bundle),
	}
	if err := c.hub.Publish(ctx, event); err != nil {
		return Result{Success: false, ResponseTime: time.Since(start), Error: err.Error()}
	}
	delivered := c.hub.TopicCount(subscriptionTopic(n.SubscriptionID)) > 0
	if !delivered {
		return Result{Success: false, ResponseTime: time.Since(start), Error: "no connected client for subscription"}
	}
	return Result{Success: true, ResponseTime: time.Since(start)}
}

func subscriptionTopic(subscriptionID string) string {
	return "subscription:" + subscriptionID
}
