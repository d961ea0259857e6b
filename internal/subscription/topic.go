// Package subscription implements the subscription engine (SPEC_FULL.md
// C6/C7): a topic registry, and a change-event hook that matches events
// against topics/subscriptions and enqueues durable notification rows.
// Grounded on internal/platform/fhir/notify.go's NotificationEngine,
// generalized from ad hoc criteria-string parsing to topic-driven matching.
package subscription

import (
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Topic is a parsed SubscriptionTopic definition.
type Topic struct {
	URL              string
	ResourceTriggers []ResourceTrigger
	FHIRPathCriteria string
	QueryCriteria    *QueryCriteria
}

// ResourceTrigger names a resource type and the interactions it fires on.
type ResourceTrigger struct {
	ResourceType         string
	SupportedInteraction []string // create | update | delete
}

// QueryCriteria is a topic's previous/current search-criteria filter.
type QueryCriteria struct {
	Previous        string
	Current         string
	ResultForCreate string // test-passes | test-fails
	ResultForDelete string
	RequireBoth     bool
}

type topicSnapshot struct {
	byURL        map[string]Topic
	byType       map[string][]string // resourceType -> topic urls
	generation   uint64
}

// TopicRegistry is the copy-on-write SubscriptionTopic lookup (SPEC_FULL.md
// §4.6), same atomic-pointer-plus-generation shape as internal/searchparam.Registry.
type TopicRegistry struct {
	ptr    atomic.Pointer[topicSnapshot]
	logger zerolog.Logger
}

func NewTopicRegistry(logger zerolog.Logger) *TopicRegistry {
	r := &TopicRegistry{logger: logger.With().Str("component", "subscription.topics").Logger()}
	r.ptr.Store(&topicSnapshot{byURL: map[string]Topic{}, byType: map[string][]string{}})
	return r
}

// Reload replaces the registry's contents from a batch of SubscriptionTopic
// resource bodies, atomically. Malformed topics are skipped with a warning.
func (r *TopicRegistry) Reload(resources []json.RawMessage) {
	prev := r.ptr.Load()
	next := &topicSnapshot{byURL: map[string]Topic{}, byType: map[string][]string{}, generation: prev.generation + 1}

	for _, raw := range resources {
		topic, err := parseTopic(raw)
		if err != nil {
			r.logger.Warn().Err(err).Msg("skipping malformed SubscriptionTopic")
			continue
		}
		next.byURL[topic.URL] = topic
		for _, trig := range topic.ResourceTriggers {
			next.byType[trig.ResourceType] = append(next.byType[trig.ResourceType], topic.URL)
		}
	}

	r.ptr.Store(next)
	r.logger.Info().Uint64("generation", next.generation).Int("count", len(next.byURL)).Msg("subscription topic registry reloaded")
}

// FindMatchingTopics returns every topic whose resourceTrigger covers
// resourceType with interaction in its supported interaction list.
func (r *TopicRegistry) FindMatchingTopics(resourceType, interaction string) []Topic {
	snap := r.ptr.Load()
	var out []Topic
	for _, url := range snap.byType[resourceType] {
		topic, ok := snap.byURL[url]
		if !ok {
			continue
		}
		for _, trig := range topic.ResourceTriggers {
			if trig.ResourceType != resourceType {
				continue
			}
			if containsStr(trig.SupportedInteraction, interaction) {
				out = append(out, topic)
				break
			}
		}
	}
	return out
}

func (r *TopicRegistry) Generation() uint64 { return r.ptr.Load().generation }

func containsStr(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

func parseTopic(raw json.RawMessage) (Topic, error) {
	var doc struct {
		URL              string `json:"url"`
		ResourceTrigger  []struct {
			ResourceType         string   `json:"resourceType"`
			SupportedInteraction []string `json:"supportedInteraction"`
		} `json:"resourceTrigger"`
		FHIRPathCriteria string `json:"fhirPathCriteria"`
		QueryCriteria    *struct {
			Previous        string `json:"previous"`
			Current         string `json:"current"`
			ResultForCreate string `json:"resultForCreate"`
			ResultForDelete string `json:"resultForDelete"`
			RequireBoth     bool   `json:"requireBoth"`
		} `json:"queryCriteria"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Topic{}, err
	}
	t := Topic{URL: doc.URL, FHIRPathCriteria: doc.FHIRPathCriteria}
	for _, rt := range doc.ResourceTrigger {
		t.ResourceTriggers = append(t.ResourceTriggers, ResourceTrigger{
			ResourceType: rt.ResourceType, SupportedInteraction: rt.SupportedInteraction,
		})
	}
	if doc.QueryCriteria != nil {
		t.QueryCriteria = &QueryCriteria{
			Previous: doc.QueryCriteria.Previous, Current: doc.QueryCriteria.Current,
			ResultForCreate: doc.QueryCriteria.ResultForCreate, ResultForDelete: doc.QueryCriteria.ResultForDelete,
			RequireBoth: doc.QueryCriteria.RequireBoth,
		}
	}
	return t, nil
}
