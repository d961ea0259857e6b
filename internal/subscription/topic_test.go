package subscription

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func sampleTopic(url string, resourceTypes ...string) json.RawMessage {
	doc := map[string]interface{}{
		"resourceType": "SubscriptionTopic",
		"url":          url,
	}
	var triggers []map[string]interface{}
	for _, rt := range resourceTypes {
		triggers = append(triggers, map[string]interface{}{
			"resourceType":         rt,
			"supportedInteraction": []string{"create", "update"},
		})
	}
	doc["resourceTrigger"] = triggers
	raw, _ := json.Marshal(doc)
	return raw
}

func TestTopicRegistryFindMatchingTopics(t *testing.T) {
	r := NewTopicRegistry(zerolog.Nop())
	r.Reload([]json.RawMessage{
		sampleTopic("http://example.org/topics/patient", "Patient"),
		sampleTopic("http://example.org/topics/encounter", "Encounter"),
	})

	matches := r.FindMatchingTopics("Patient", "create")
	if len(matches) != 1 || matches[0].URL != "http://example.org/topics/patient" {
		t.Fatalf("expected one matching patient topic, got %v", matches)
	}

	if matches := r.FindMatchingTopics("Patient", "delete"); len(matches) != 0 {
		t.Fatalf("expected no match for unsupported interaction, got %v", matches)
	}
}

func TestTopicRegistryReloadBumpsGeneration(t *testing.T) {
	r := NewTopicRegistry(zerolog.Nop())
	g0 := r.Generation()
	r.Reload([]json.RawMessage{sampleTopic("http://example.org/topics/patient", "Patient")})
	if r.Generation() != g0+1 {
		t.Fatalf("expected generation to increment, got %d -> %d", g0, r.Generation())
	}
}

func TestTopicRegistrySkipsMalformedEntries(t *testing.T) {
	r := NewTopicRegistry(zerolog.Nop())
	r.Reload([]json.RawMessage{
		json.RawMessage(`{invalid`),
		sampleTopic("http://example.org/topics/patient", "Patient"),
	})
	if matches := r.FindMatchingTopics("Patient", "create"); len(matches) != 1 {
		t.Fatalf("expected the well-formed topic to still load, got %v", matches)
	}
}
