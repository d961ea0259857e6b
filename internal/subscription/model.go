package subscription

import "time"

// Status is a Subscription's lifecycle status.
type Status string

const (
	StatusRequested Status = "requested"
	StatusActive    Status = "active"
	StatusError     Status = "error"
	StatusOff       Status = "off"
)

// ChannelType is a delivery channel kind.
type ChannelType string

const (
	ChannelRestHook  ChannelType = "rest-hook"
	ChannelWebsocket ChannelType = "websocket"
	ChannelEmail     ChannelType = "email"
)

// Subscription mirrors a FHIR Subscription resource's fields the matcher and
// delivery layer need, grounded on internal/domain/subscription/model.go's
// Subscription struct (ID/Status/Criteria/Channel*/EndTime/ErrorText).
type Subscription struct {
	ID              string
	TopicURL        string
	Status          Status
	FilterBy        []Filter
	ChannelType     ChannelType
	ChannelEndpoint string
	ChannelPayload  string // full-resource | id-only | empty
	ChannelHeaders  []string
	HeartbeatPeriod int // seconds; 0 means disabled
	End             *time.Time
	ErrorText       string
}

// Filter is one subscription.filterBy entry, translated to a parameter
// predicate over the matched resource.
type Filter struct {
	ResourceType string
	SearchParam  string
	Comparator   string
	Modifier     string
	Value        string
}

// EventStatus is a SubscriptionEvent queue row's delivery state.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventDelivering EventStatus = "delivering"
	EventDelivered  EventStatus = "delivered"
	EventAbandoned  EventStatus = "abandoned"
)

// Event is one queued notification (SPEC_FULL.md §4.7/§4.8).
type Event struct {
	ID            string
	SubscriptionID string
	EventNumber   int64
	Status        EventStatus
	NotificationType string // handshake | heartbeat | event-notification | query-status
	Bundle        []byte
	Attempts      int
	NextRetryAt   time.Time
	ExpiresAt     time.Time
	LastError     string
}
