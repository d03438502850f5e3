// Package event implements the uniform key/value document (C1 in the
// pipeline execution substrate) that flows through every pipeline stage.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// InvalidKeyError is returned when a dotted path is empty or malformed.
type InvalidKeyError struct {
	Key string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid event key: %q", e.Key)
}

// Metadata carries the event's type tag, immutable ingest timestamp, and a
// free-form attribute mapping. It is copied by value wherever an Event is
// cloned so no two events share mutable metadata state.
type Metadata struct {
	EventType  string
	IngestTime time.Time
	Attributes map[string]Value
}

func NewMetadata(eventType string) Metadata {
	return Metadata{
		EventType:  eventType,
		IngestTime: time.Now().UTC(),
		Attributes: make(map[string]Value),
	}
}

func (m Metadata) clone() Metadata {
	attrs := make(map[string]Value, len(m.Attributes))
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	return Metadata{EventType: m.EventType, IngestTime: m.IngestTime, Attributes: attrs}
}

// Event is a semi-structured document: a mapping from dotted string keys
// to dynamically typed Values, plus Metadata. Key insertion order is not
// kept.
type Event struct {
	data     map[string]Value
	Metadata Metadata
}

// New constructs an empty event of the given type.
func New(eventType string) *Event {
	return &Event{data: make(map[string]Value), Metadata: NewMetadata(eventType)}
}

func splitPath(key string) ([]string, error) {
	if key == "" {
		return nil, &InvalidKeyError{Key: key}
	}
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return nil, &InvalidKeyError{Key: key}
		}
	}
	return parts, nil
}

// Get returns the Value stored at the dotted path, or ok=false if any
// segment of the path is absent.
func (e *Event) Get(key string) (Value, bool, error) {
	parts, err := splitPath(key)
	if err != nil {
		return Value{}, false, err
	}
	cur := e.data
	for i, p := range parts {
		v, found := cur[p]
		if !found {
			return Value{}, false, nil
		}
		if i == len(parts)-1 {
			return v, true, nil
		}
		m, err := v.AsMap()
		if err != nil {
			return Value{}, false, nil
		}
		cur = m
	}
	return Value{}, false, nil
}

// Put writes a Value at the dotted path, creating intermediate mappings as
// needed. An existing non-map value along the path is overwritten with a
// fresh mapping.
func (e *Event) Put(key string, v Value) error {
	parts, err := splitPath(key)
	if err != nil {
		return err
	}
	cur := e.data
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = v
			return nil
		}
		next, found := cur[p]
		if !found {
			m := make(map[string]Value)
			cur[p] = MapValue(m)
			cur = m
			continue
		}
		m, err := next.AsMap()
		if err != nil {
			m = make(map[string]Value)
			cur[p] = MapValue(m)
		}
		cur = m
	}
	return nil
}

// Delete removes the value at the dotted path. Deleting an absent path is a
// no-op.
func (e *Event) Delete(key string) error {
	parts, err := splitPath(key)
	if err != nil {
		return err
	}
	cur := e.data
	for i, p := range parts {
		if i == len(parts)-1 {
			delete(cur, p)
			return nil
		}
		next, found := cur[p]
		if !found {
			return nil
		}
		m, err := next.AsMap()
		if err != nil {
			return nil
		}
		cur = m
	}
	return nil
}

// ContainsKey reports whether the dotted path resolves to a value.
func (e *Event) ContainsKey(key string) (bool, error) {
	_, ok, err := e.Get(key)
	return ok, err
}

// IsList reports whether the dotted path resolves to a list value.
func (e *Event) IsList(key string) (bool, error) {
	v, ok, err := e.Get(key)
	if err != nil || !ok {
		return false, err
	}
	return v.Kind() == KindList, nil
}

// ToMap returns a deep copy of the event's data as a plain mapping.
func (e *Event) ToMap() map[string]interface{} {
	root := MapValue(e.data)
	native, _ := root.toNative().(map[string]interface{})
	return native
}

// ToJSONString serializes the event's data to canonical JSON.
func (e *Event) ToJSONString() (string, error) {
	b, err := json.Marshal(e.ToMap())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Clone returns a deep copy of the event, including its metadata.
func (e *Event) Clone() *Event {
	root := MapValue(e.data)
	cloned := cloneValue(root)
	m, _ := cloned.AsMap()
	return &Event{data: m, Metadata: e.Metadata.clone()}
}

func cloneValue(v Value) Value {
	switch v.Kind() {
	case KindList:
		list, _ := v.AsList()
		out := make([]Value, len(list))
		for i, e := range list {
			out[i] = cloneValue(e)
		}
		return ListValue(out)
	case KindMap:
		m, _ := v.AsMap()
		out := make(map[string]Value, len(m))
		for k, e := range m {
			out[k] = cloneValue(e)
		}
		return MapValue(out)
	default:
		return v
	}
}

// Parse builds an Event from a canonical JSON document produced by
// ToJSONString, restoring the same nested structure. Metadata is not part
// of the JSON wire format and must be set separately by the caller.
func Parse(eventType, data string) (*Event, error) {
	var native map[string]interface{}
	if err := json.Unmarshal([]byte(data), &native); err != nil {
		return nil, err
	}
	v := valueFromNative(native)
	m, err := v.AsMap()
	if err != nil {
		return nil, fmt.Errorf("event: parsed document is not an object")
	}
	return &Event{data: m, Metadata: NewMetadata(eventType)}, nil
}
