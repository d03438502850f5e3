package event

import "reflect"

// Record is a thin envelope wrapping one Event; it exists for source
// compatibility and carries no additional state. A Record is owned by
// exactly one component at a time along the flow edge — callers must not
// retain a reference to a Record after handing it to the next stage.
type Record struct {
	Data *Event
}

func NewRecord(e *Event) Record {
	return Record{Data: e}
}

// Equal performs a deep comparison of the two events' event type and data
// (metadata attributes and ingest time are not compared), used by the
// event round-trip property test.
func (e *Event) Equal(other *Event) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Metadata.EventType != other.Metadata.EventType {
		return false
	}
	return reflect.DeepEqual(e.ToMap(), other.ToMap())
}
