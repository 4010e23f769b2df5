package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/TravisMcGray/territory-app/internal/events"
)

// Route describes how an event type is published.
type Route struct {
	Topic         string
	SchemaSubject string
	Schema        string
}

var catalog = map[string]Route{
	events.TypeActivityRecorded: {
		Topic:         "territory_activity_events",
		SchemaSubject: "territory_activity_events-value",
		Schema:        activityRecordedSchema,
	},
	events.TypeActivityDeleted: {
		Topic:         "territory_activity_events",
		SchemaSubject: "territory_activity_deleted-value",
		Schema:        activityDeletedSchema,
	},
	events.TypeTerritoryStolen: {
		Topic:         "territory_steals",
		SchemaSubject: "territory_steals-value",
		Schema:        territoryStolenSchema,
	},
	events.TypeMilestoneReached: {
		Topic:         "territory_milestones",
		SchemaSubject: "territory_milestones-value",
		Schema:        milestoneReachedSchema,
	},
}

// RouteFor returns the route registered for eventType.
func RouteFor(eventType string) (Route, bool) {
	r, ok := catalog[eventType]
	return r, ok
}

// Topics lists every topic events are published to.
func Topics() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(catalog))
	for _, r := range catalog {
		if _, ok := seen[r.Topic]; ok {
			continue
		}
		seen[r.Topic] = struct{}{}
		out = append(out, r.Topic)
	}
	return out
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[string]*jsonschema.Schema, len(catalog))
		for eventType, r := range catalog {
			s, err := jsonschema.CompileString(r.SchemaSubject+".json", r.Schema)
			if err != nil {
				compileErr = fmt.Errorf("compile schema for %s: %w", eventType, err)
				return
			}
			compiled[eventType] = s
		}
	})
	return compiled, compileErr
}

// Validate checks a JSON payload against the schema of its event type.
func Validate(eventType string, payload []byte) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	s, ok := all[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%s payload rejected: %w", eventType, err)
	}
	return nil
}

// Record is an envelope encoded for the outbox table.
type Record struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

// Encode marshals and validates an envelope and resolves its route.
func Encode(env events.Envelope) (Record, error) {
	route, ok := RouteFor(env.Type)
	if !ok {
		return Record{}, fmt.Errorf("unknown event type: %s", env.Type)
	}
	body, err := json.Marshal(env.Payload)
	if err != nil {
		return Record{}, err
	}
	if err := Validate(env.Type, body); err != nil {
		return Record{}, err
	}
	return Record{
		AggregateType: "activity",
		AggregateID:   env.AggregateID,
		EventType:     env.Type,
		Topic:         route.Topic,
		SchemaSubject: route.SchemaSubject,
		PartitionKey:  env.PartitionKey,
		Payload:       body,
	}, nil
}
