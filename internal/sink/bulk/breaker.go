package bulk

import (
	"context"
	"time"

	cb "github.com/sony/gobreaker"
)

// CircuitBreakingCluster wraps a Cluster's Bulk submissions in a circuit
// breaker acting as the single diagnostic probe for connectivity loss, per
// spec §4.4's retry/backoff discussion: once the breaker trips, retries
// stop hammering a cluster that is genuinely unreachable and instead fail
// fast until the breaker's cooldown lets one probe request through.
type CircuitBreakingCluster struct {
	Cluster
	breaker *cb.CircuitBreaker
}

func NewCircuitBreakingCluster(inner Cluster, name string) *CircuitBreakingCluster {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 5 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
	}
	return &CircuitBreakingCluster{Cluster: inner, breaker: cb.NewCircuitBreaker(st)}
}

func (c *CircuitBreakingCluster) Bulk(ctx context.Context, payload []byte) (Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.Cluster.Bulk(ctx, payload)
	})
	if err != nil {
		return Response{}, err
	}
	return result.(Response), nil
}

// State exposes the breaker's current state for metrics/logging.
func (c *CircuitBreakingCluster) State() cb.State {
	return c.breaker.State()
}
