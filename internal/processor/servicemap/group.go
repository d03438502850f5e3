package servicemap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config parameterizes a ProcessorGroup, per spec §6's `window_duration_seconds`
// and `db_path` options.
type Config struct {
	WindowDuration time.Duration
	DBPath         string
	Workers        int
}

// ProcessorGroup is the explicit, shared-state owner for one service-map
// processor's span windows, trace-group windows, relationship set, and
// barrier, replacing the static global process state named in spec §9's
// redesign note. Every worker's Processor instance holds a back-reference
// to one ProcessorGroup; the group is created once per pipeline.
type ProcessorGroup struct {
	cfg Config

	spans       *WindowPair
	traceGroups *WindowPair

	relationships *RelationshipSet
	barrier       *CyclicBarrier

	mu           sync.Mutex
	lastRotation time.Time

	logger zerolog.Logger

	rotations            prometheus.Counter
	relationshipsEmitted prometheus.Counter
	spanWindowSize       prometheus.Gauge
}

func NewProcessorGroup(cfg Config, name string, logger zerolog.Logger) (*ProcessorGroup, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	now := time.Now()
	spans, err := openWindowPair(cfg.DBPath, "db", now)
	if err != nil {
		return nil, fmt.Errorf("servicemap: open span windows: %w", err)
	}
	traceGroups, err := openWindowPair(cfg.DBPath, "trace-db", now)
	if err != nil {
		spans.Close()
		return nil, fmt.Errorf("servicemap: open trace-group windows: %w", err)
	}

	labels := prometheus.Labels{"processor": name}
	return &ProcessorGroup{
		cfg:           cfg,
		spans:         spans,
		traceGroups:   traceGroups,
		relationships: NewRelationshipSet(),
		barrier:       NewCyclicBarrier(cfg.Workers),
		lastRotation:  now,
		logger:        logger.With().Str("processor", name).Logger(),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "servicemap_window_rotations_total", Help: "Window rotations performed.", ConstLabels: labels,
		}),
		relationshipsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "servicemap_relationships_emitted_total", Help: "Newly emitted service-map relationships.", ConstLabels: labels,
		}),
		spanWindowSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "servicemap_current_span_window_size", Help: "Entries in the current span window.", ConstLabels: labels,
		}),
	}, nil
}

func (g *ProcessorGroup) Collectors() []prometheus.Collector {
	return []prometheus.Collector{g.rotations, g.relationshipsEmitted, g.spanWindowSize}
}

func (g *ProcessorGroup) InsertSpan(span SpanState, spanID []byte, isRoot bool) error {
	encoded, err := encodeSpanState(span)
	if err != nil {
		return fmt.Errorf("servicemap: encode span: %w", err)
	}
	if err := g.spans.Current().Put(spanID, encoded); err != nil {
		return fmt.Errorf("servicemap: insert span: %w", err)
	}
	if isRoot {
		if err := g.traceGroups.Current().Put(span.TraceID, []byte(span.Name)); err != nil {
			return fmt.Errorf("servicemap: insert trace group: %w", err)
		}
	}
	if n, err := g.spans.Current().Size(); err == nil {
		g.spanWindowSize.Set(float64(n))
	}
	return nil
}

// MaybeEvaluate runs evaluate_edges if the window has elapsed, or returns
// an empty result otherwise, per spec §4.5 step 1.
func (g *ProcessorGroup) MaybeEvaluate(ctx context.Context, now time.Time, workerID int) ([]Relationship, error) {
	g.mu.Lock()
	due := now.Sub(g.lastRotation) >= g.cfg.WindowDuration
	g.mu.Unlock()
	if !due {
		return nil, nil
	}
	return g.evaluateEdges(ctx, now, workerID)
}

func (g *ProcessorGroup) lookupSpan(id []byte) (SpanState, bool) {
	if v, ok, _ := g.spans.Current().Get(id); ok {
		s, err := decodeSpanState(v)
		if err == nil {
			return s, true
		}
	}
	if v, ok, _ := g.spans.Previous().Get(id); ok {
		s, err := decodeSpanState(v)
		if err == nil {
			return s, true
		}
	}
	return SpanState{}, false
}

func (g *ProcessorGroup) lookupTraceGroup(traceID []byte) (string, bool) {
	if v, ok, _ := g.traceGroups.Current().Get(traceID); ok {
		return string(v), true
	}
	if v, ok, _ := g.traceGroups.Previous().Get(traceID); ok {
		return string(v), true
	}
	return "", false
}

// evaluateEdges implements spec §4.5's evaluate_edges protocol: sharded
// join over the span windows, then a two-barrier rendezvous around the
// window rotation performed by worker 0.
func (g *ProcessorGroup) evaluateEdges(ctx context.Context, now time.Time, workerID int) ([]Relationship, error) {
	var emitted []Relationship

	walk := func(store *WindowStore) error {
		return store.EachInShard(g.cfg.Workers, workerID, func(_ []byte, value []byte) error {
			span, err := decodeSpanState(value)
			if err != nil {
				return fmt.Errorf("servicemap: decode span: %w", err)
			}
			if len(span.ParentSpanID) == 0 {
				return nil
			}
			parent, ok := g.lookupSpan(span.ParentSpanID)
			if !ok {
				return nil
			}
			if parent.ServiceName == span.ServiceName {
				return nil
			}
			group, ok := g.lookupTraceGroup(span.TraceID)
			if !ok {
				return nil
			}

			dest := Relationship{
				CallerService: parent.ServiceName, CallerKind: parent.Kind,
				CalleeService: span.ServiceName, CalleeOperation: span.Name, TraceGroup: group,
			}
			target := Relationship{
				CallerService: span.ServiceName, CallerKind: span.Kind,
				CalleeService: span.ServiceName, CalleeOperation: span.Name, TraceGroup: group,
			}
			if g.relationships.AddIfAbsent(dest) {
				emitted = append(emitted, dest)
			}
			if g.relationships.AddIfAbsent(target) {
				emitted = append(emitted, target)
			}
			return nil
		})
	}

	if err := walk(g.spans.Current()); err != nil {
		return nil, err
	}
	if err := walk(g.spans.Previous()); err != nil {
		return nil, err
	}

	if _, err := g.barrier.Await(ctx); err != nil {
		return nil, fmt.Errorf("servicemap: barrier broken during evaluation: %w", err)
	}

	if workerID == 0 {
		if err := g.spans.Rotate(now); err != nil {
			return nil, fmt.Errorf("servicemap: rotate span windows: %w", err)
		}
		if err := g.traceGroups.Rotate(now); err != nil {
			return nil, fmt.Errorf("servicemap: rotate trace-group windows: %w", err)
		}
		g.mu.Lock()
		g.lastRotation = now
		g.mu.Unlock()
		g.rotations.Inc()
		g.spanWindowSize.Set(0)
	}

	if _, err := g.barrier.Await(ctx); err != nil {
		return nil, fmt.Errorf("servicemap: barrier broken after rotation: %w", err)
	}

	g.relationshipsEmitted.Add(float64(len(emitted)))
	return emitted, nil
}

// Shutdown drains by unlinking the four window files, per spec §4.5.
func (g *ProcessorGroup) Shutdown() error {
	err1 := g.spans.Unlink()
	err2 := g.traceGroups.Unlink()
	if err1 != nil {
		return err1
	}
	return err2
}
