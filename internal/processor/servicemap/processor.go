package servicemap

import (
	"context"
	"time"

	"github.com/dataprepper/corepipe/internal/event"
	"github.com/dataprepper/corepipe/internal/pipeline"
)

// Field names read from incoming span records, following the flattened
// OpenTelemetry span shape produced upstream of this processor.
const (
	fieldServiceName  = "serviceName"
	fieldSpanID       = "spanId"
	fieldParentSpanID = "parentSpanId"
	fieldTraceID      = "traceId"
	fieldKind         = "kind"
	fieldName         = "name"
)

// Processor is the per-worker handle onto a shared ProcessorGroup. The
// zero-value-ish instance constructed by NewProcessor (workerID -1) is
// never executed directly; the executor always calls ForWorker to obtain
// a worker-bound instance, per pipeline.ProcessorWorkerScoped.
type Processor struct {
	group    *ProcessorGroup
	workerID int
}

func NewProcessor(group *ProcessorGroup) *Processor {
	return &Processor{group: group, workerID: -1}
}

func (p *Processor) ForWorker(id int) pipeline.Processor {
	return &Processor{group: p.group, workerID: id}
}

// ThreadAffinity is false: concurrency across workers is coordinated by
// the group's cyclic barrier, not by serializing Execute calls.
func (p *Processor) ThreadAffinity() bool { return false }

func (p *Processor) Execute(batch []event.Record) ([]event.Record, error) {
	ctx := context.Background()
	now := time.Now()

	relationships, err := p.group.MaybeEvaluate(ctx, now, p.resolvedWorkerID())
	if err != nil {
		return nil, err
	}

	for _, r := range batch {
		span, spanID, ok, err := spanFromRecord(r)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := p.group.InsertSpan(span, spanID, len(span.ParentSpanID) == 0); err != nil {
			return nil, err
		}
	}

	out := make([]event.Record, 0, len(relationships))
	for _, rel := range relationships {
		out = append(out, relationshipToRecord(rel))
	}
	return out, nil
}

// resolvedWorkerID treats an un-scoped template instance as worker 0, so a
// single-worker pipeline that never calls ForWorker still behaves
// correctly.
func (p *Processor) resolvedWorkerID() int {
	if p.workerID < 0 {
		return 0
	}
	return p.workerID
}

func (p *Processor) PrepareForShutdown()   {}
func (p *Processor) IsReadyForShutdown() bool { return true }

// Shutdown is only invoked by the executor on the shared template
// instance, never on the per-worker copies, and tears down the group's
// window files.
func (p *Processor) Shutdown() error {
	return p.group.Shutdown()
}

func spanFromRecord(r event.Record) (SpanState, []byte, bool, error) {
	svcVal, ok, err := r.Data.Get(fieldServiceName)
	if err != nil {
		return SpanState{}, nil, false, err
	}
	if !ok || svcVal.Kind() != event.KindString {
		return SpanState{}, nil, false, nil
	}
	serviceName, _ := svcVal.AsString()

	spanIDVal, ok, err := r.Data.Get(fieldSpanID)
	if err != nil || !ok || spanIDVal.Kind() != event.KindString {
		return SpanState{}, nil, false, err
	}
	spanIDStr, _ := spanIDVal.AsString()

	traceIDVal, ok, err := r.Data.Get(fieldTraceID)
	if err != nil || !ok || traceIDVal.Kind() != event.KindString {
		return SpanState{}, nil, false, err
	}
	traceIDStr, _ := traceIDVal.AsString()

	var kind, name string
	if v, ok, _ := r.Data.Get(fieldKind); ok && v.Kind() == event.KindString {
		kind, _ = v.AsString()
	}
	if v, ok, _ := r.Data.Get(fieldName); ok && v.Kind() == event.KindString {
		name, _ = v.AsString()
	}

	var parentBytes []byte
	if v, ok, _ := r.Data.Get(fieldParentSpanID); ok && v.Kind() == event.KindString {
		if s, _ := v.AsString(); s != "" {
			parentBytes = []byte(s)
		}
	}

	span := SpanState{
		ServiceName:  serviceName,
		ParentSpanID: parentBytes,
		TraceID:      []byte(traceIDStr),
		Kind:         kind,
		Name:         name,
	}
	return span, []byte(spanIDStr), true, nil
}

func relationshipToRecord(rel Relationship) event.Record {
	e := event.New("service-map-relationship")
	_ = e.Put("callerService", event.StringValue(rel.CallerService))
	_ = e.Put("callerKind", event.StringValue(rel.CallerKind))
	_ = e.Put("calleeService", event.StringValue(rel.CalleeService))
	_ = e.Put("calleeOperation", event.StringValue(rel.CalleeOperation))
	_ = e.Put("traceGroupName", event.StringValue(rel.TraceGroup))
	return event.NewRecord(e)
}
