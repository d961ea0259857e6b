// Package eventbus implements the change-event hook bus (SPEC_FULL.md C5),
// generalized from internal/platform/fhir/version_tracker.go's VersionTracker:
// the same sequential, same-goroutine dispatch to registered listeners, but
// as a named-hook registry with onStart/onShutdown lifecycle methods and the
// internal-origin skip-list spec.md requires.
package eventbus

import (
	"context"

	"github.com/rs/zerolog"
)

// EventType is the kind of mutation that produced a ResourceEvent.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// ResourceEvent is dispatched to every registered hook after a committed write.
type ResourceEvent struct {
	EventType    EventType
	ResourceType string
	ResourceID   string
	VersionID    int
	Resource     []byte // full JSON body; nil for delete events without a body
}

// Hook is an in-process listener for resource change events.
type Hook interface {
	HandleEvent(ctx context.Context, event ResourceEvent)
}

// LifecycleHook is implemented by hooks that need boot/shutdown notification.
type LifecycleHook interface {
	OnStart(ctx context.Context)
	OnShutdown(ctx context.Context)
}

// internalOriginTypes are never dispatched to hooks, to prevent feedback
// loops between storage and the subscription engine (SPEC_FULL.md §4.5).
var internalOriginTypes = map[string]bool{
	"Subscription":        true,
	"SubscriptionTopic":    true,
	"SubscriptionStatus":   true,
	"AuditEvent":           true,
}

// IsInternalOrigin reports whether events for resourceType must be withheld
// from the subscription hook.
func IsInternalOrigin(resourceType string) bool {
	return internalOriginTypes[resourceType]
}

// Bus sequentially dispatches ResourceEvents to registered hooks, in
// registration order, on the calling goroutine (the one that performed the
// CRUD). A hook's panic or the caller's own failure to handle an error is
// logged and does not abort the remaining hooks or the caller.
type Bus struct {
	logger zerolog.Logger
	hooks  []namedHook
}

type namedHook struct {
	name string
	hook Hook
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger.With().Str("component", "eventbus").Logger()}
}

// Register adds a hook under a name, used only for logging.
func (b *Bus) Register(name string, hook Hook) {
	b.hooks = append(b.hooks, namedHook{name: name, hook: hook})
}

// Publish dispatches event to every registered hook in order, skipping
// dispatch entirely for internal-origin resource types.
func (b *Bus) Publish(ctx context.Context, event ResourceEvent) {
	if IsInternalOrigin(event.ResourceType) {
		return
	}
	for _, h := range b.hooks {
		b.invoke(ctx, h, event)
	}
}

func (b *Bus) invoke(ctx context.Context, h namedHook, event ResourceEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("hook", h.name).
				Interface("panic", r).
				Str("resourceType", event.ResourceType).
				Str("resourceId", event.ResourceID).
				Msg("hook panicked handling resource event")
		}
	}()
	h.hook.HandleEvent(ctx, event)
}

// OnStart runs every registered LifecycleHook's OnStart, in registration order.
func (b *Bus) OnStart(ctx context.Context) {
	for _, h := range b.hooks {
		if lh, ok := h.hook.(LifecycleHook); ok {
			lh.OnStart(ctx)
		}
	}
}

// OnShutdown runs every registered LifecycleHook's OnShutdown, in registration order.
func (b *Bus) OnShutdown(ctx context.Context) {
	for _, h := range b.hooks {
		if lh, ok := h.hook.(LifecycleHook); ok {
			lh.OnShutdown(ctx)
		}
	}
}
