package bulk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Signer attaches authentication to an outgoing cluster request: basic
// auth, or AWS SigV4 (spec §6's `aws_sigv4` option, supplemented here since
// the distilled spec names but never defines it — see SPEC_FULL.md §4).
type Signer interface {
	Sign(req *http.Request, body []byte) error
}

// BasicAuthSigner implements HTTP basic auth.
type BasicAuthSigner struct {
	Username, Password string
}

func (s BasicAuthSigner) Sign(req *http.Request, _ []byte) error {
	req.SetBasicAuth(s.Username, s.Password)
	return nil
}

// NoopSigner is used when neither username/password nor aws_sigv4 is
// configured.
type NoopSigner struct{}

func (NoopSigner) Sign(*http.Request, []byte) error { return nil }

// Cluster is the sink's collaborator for bulk submission and index
// management, implemented over HTTP against an OpenSearch-compatible
// endpoint.
type Cluster interface {
	Bulk(ctx context.Context, payload []byte) (Response, error)
	IndexExists(ctx context.Context, name string) (bool, error)
	EnsureIndex(ctx context.Context, name string) error
	TemplateExists(ctx context.Context, name string) (bool, error)
	PutTemplate(ctx context.Context, name string, body []byte) error
	PutISMPolicy(ctx context.Context, name string, body []byte) (mismatch bool, err error)
	AliasExists(ctx context.Context, alias string) (bool, error)
	PutAlias(ctx context.Context, alias, writeIndex string) error
}

// HTTPCluster is the production Cluster implementation: round-robins
// across the configured hosts and signs every request.
type HTTPCluster struct {
	hosts  []string
	next   uint64
	client *http.Client
	signer Signer
}

func NewHTTPCluster(hosts []string, client *http.Client, signer Signer) *HTTPCluster {
	if signer == nil {
		signer = NoopSigner{}
	}
	return &HTTPCluster{hosts: hosts, client: client, signer: signer}
}

func (c *HTTPCluster) host() string {
	if len(c.hosts) == 0 {
		return ""
	}
	i := atomic.AddUint64(&c.next, 1)
	return c.hosts[int(i)%len(c.hosts)]
}

func (c *HTTPCluster) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.host()+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.signer.Sign(req, body); err != nil {
		return nil, fmt.Errorf("bulk: sign request: %w", err)
	}
	return c.client.Do(req)
}

type openSearchBulkResponse struct {
	Items []map[string]openSearchItem `json:"items"`
}

type openSearchItem struct {
	Status int                `json:"status"`
	Error  *openSearchItemErr `json:"error"`
}

type openSearchItemErr struct {
	Type string `json:"type"`
}

func classifyStatus(status int, errType string) ErrorKind {
	switch {
	case status >= 200 && status < 300:
		return ErrorNone
	case errType == "version_conflict_engine_exception":
		return ErrorVersionConflict
	case status == 429 || errType == "es_rejected_execution_exception":
		return ErrorTooManyRequests
	case errType == "mapper_parsing_exception", errType == "document_parsing_exception",
		errType == "illegal_argument_exception", errType == "id_too_long_exception":
		return ErrorDocumentLevel
	case status >= 500:
		return ErrorServerError
	default:
		return ErrorUnknown
	}
}

func (c *HTTPCluster) Bulk(ctx context.Context, payload []byte) (Response, error) {
	resp, err := c.do(ctx, http.MethodPost, "/_bulk", payload)
	if err != nil {
		return Response{}, fmt.Errorf("bulk: network error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return Response{}, fmt.Errorf("bulk: cluster returned %d", resp.StatusCode)
	}

	var parsed openSearchBulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Response{}, fmt.Errorf("bulk: decode response: %w", err)
	}

	entries := make([]ResponseEntry, 0, len(parsed.Items))
	for i, item := range parsed.Items {
		for _, v := range item {
			kind := ErrorNone
			msg := ""
			if v.Error != nil {
				kind = classifyStatus(v.Status, v.Error.Type)
				msg = v.Error.Type
			} else {
				kind = classifyStatus(v.Status, "")
			}
			entries = append(entries, ResponseEntry{OperationIndex: i, StatusCode: v.Status, ErrorKind: kind, Message: msg})
		}
	}
	return Response{Entries: entries}, nil
}

func (c *HTTPCluster) IndexExists(ctx context.Context, name string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, "/"+name, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (c *HTTPCluster) EnsureIndex(ctx context.Context, name string) error {
	exists, err := c.IndexExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	resp, err := c.do(ctx, http.MethodPut, "/"+name, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("bulk: create index %s: status %d", name, resp.StatusCode)
	}
	return nil
}

func (c *HTTPCluster) TemplateExists(ctx context.Context, name string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, "/_template/"+name, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (c *HTTPCluster) PutTemplate(ctx context.Context, name string, body []byte) error {
	resp, err := c.do(ctx, http.MethodPut, "/_template/"+name, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bulk: put template %s: status %d", name, resp.StatusCode)
	}
	return nil
}

// PutISMPolicy issues an idempotent PUT that tolerates version_conflict /
// resource_already_exists, per spec §4.4.1. If the server rejects an
// unsupported `ism_template` field, the caller (IndexManager) retries
// without it. mismatch is true whenever a policy of that name already
// exists (a conflict status or an already-exists error); the existing
// definition is not compared with body.
func (c *HTTPCluster) PutISMPolicy(ctx context.Context, name string, body []byte) (bool, error) {
	resp, err := c.do(ctx, http.MethodPut, "/_plugins/_ism/policies/"+name, body)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	var parsed struct {
		Error *openSearchItemErr `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&parsed)
	if resp.StatusCode == http.StatusConflict ||
		(parsed.Error != nil && (parsed.Error.Type == "version_conflict_engine_exception" || parsed.Error.Type == "resource_already_exists_exception")) {
		return true, nil
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("bulk: put ism policy %s: status %d", name, resp.StatusCode)
	}
	return false, nil
}

func (c *HTTPCluster) AliasExists(ctx context.Context, alias string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, "/_alias/"+alias, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (c *HTTPCluster) PutAlias(ctx context.Context, alias, writeIndex string) error {
	if err := c.EnsureIndex(ctx, writeIndex); err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]interface{}{
		"actions": []map[string]interface{}{
			{"add": map[string]interface{}{"index": writeIndex, "alias": alias, "is_write_index": true}},
		},
	})
	resp, err := c.do(ctx, http.MethodPost, "/_aliases", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bulk: put alias %s: status %d", alias, resp.StatusCode)
	}
	return nil
}
