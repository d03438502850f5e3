package peerforwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dataprepper/corepipe/internal/event"
)

// wireMessage is the peer-forwarder RPC body, per spec §6.
type wireMessage struct {
	PipelineName string            `json:"pipelineName"`
	PluginID     string            `json:"pluginId"`
	Events       []json.RawMessage `json:"events"`
}

// RPCClient sends forwarded events to a peer's receiver endpoint.
type RPCClient struct {
	httpClient *http.Client
}

func NewRPCClient(timeout time.Duration) *RPCClient {
	return &RPCClient{httpClient: &http.Client{Timeout: timeout}}
}

// Send POSTs events to peer's /events endpoint. A non-2xx response or
// transport error is returned to the caller, which per spec §6 falls back
// to local processing after logging.
func (c *RPCClient) Send(ctx context.Context, peer, pipelineName, pluginID string, events []*event.Event) error {
	docs := make([]json.RawMessage, 0, len(events))
	for _, e := range events {
		s, err := e.ToJSONString()
		if err != nil {
			return fmt.Errorf("peerforwarder: marshal event: %w", err)
		}
		docs = append(docs, json.RawMessage(s))
	}
	body, err := json.Marshal(wireMessage{PipelineName: pipelineName, PluginID: pluginID, Events: docs})
	if err != nil {
		return fmt.Errorf("peerforwarder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("peerforwarder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("peerforwarder: dispatch to %s: %w", peer, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peerforwarder: peer %s returned status %d", peer, resp.StatusCode)
	}
	return nil
}

// Receiver is the HTTP server that accepts forwarded events and appends
// them to the matching (pipeline, plugin) receive buffer.
type Receiver struct {
	registry *ReceiveBufferRegistry
	logger   zerolog.Logger
	router   *mux.Router
}

func NewReceiver(registry *ReceiveBufferRegistry) *Receiver {
	r := &Receiver{registry: registry, logger: log.With().Str("component", "peerforwarder-receiver").Logger()}
	router := mux.NewRouter()
	router.HandleFunc("/events", r.handleEvents).Methods(http.MethodPost)
	r.router = router
	return r
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

func (r *Receiver) handleEvents(w http.ResponseWriter, req *http.Request) {
	var msg wireMessage
	if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	recvBuf, ok := r.registry.Get(msg.PipelineName, msg.PluginID)
	if !ok {
		http.Error(w, fmt.Sprintf("no receiver registered for %s/%s", msg.PipelineName, msg.PluginID), http.StatusNotFound)
		return
	}

	for _, raw := range msg.Events {
		e, err := event.Parse("forwarded", string(raw))
		if err != nil {
			r.logger.Warn().Err(err).Msg("dropping malformed forwarded event")
			continue
		}
		if err := recvBuf.Write(event.NewRecord(e), time.Second); err != nil {
			r.logger.Warn().Err(err).Msg("receive buffer write failed")
		}
	}

	w.WriteHeader(http.StatusOK)
}
