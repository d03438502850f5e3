package servicemap

import "encoding/json"

// SpanState is the per-span record kept in the span windows, per spec §3.
type SpanState struct {
	ServiceName  string `json:"serviceName"`
	ParentSpanID []byte `json:"parentSpanId,omitempty"`
	TraceID      []byte `json:"traceId"`
	Kind         string `json:"kind"`
	Name         string `json:"name"`
}

func encodeSpanState(s SpanState) ([]byte, error) {
	return json.Marshal(s)
}

func decodeSpanState(b []byte) (SpanState, error) {
	var s SpanState
	err := json.Unmarshal(b, &s)
	return s, err
}
