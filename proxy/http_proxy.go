// Package proxy adapts external agent processes to the AgentProxy
// contract over HTTP. Agents expose three JSON endpoints: GET /describe,
// POST /invoke and GET /health.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/storymind-ai/storymind/core"
)

const maxResponseBytes = 4 << 20

// HTTPProxy invokes one agent endpoint.
type HTTPProxy struct {
	endpoint string
	client   *http.Client
}

// NewHTTPProxy creates a proxy for an agent base URL. The shared transport
// is traced; per-call deadlines ride the request context.
func NewHTTPProxy(endpoint string, client *http.Client) *HTTPProxy {
	if client == nil {
		client = defaultClient()
	}
	return &HTTPProxy{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
	}
}

func defaultClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(&http.Transport{
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}),
	}
}

// Describe fetches the agent's capability tags.
func (p *HTTPProxy) Describe(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/describe", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", p.endpoint, core.ErrUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("describe %s: status %d: %w", p.endpoint, resp.StatusCode, core.ErrUnavailable)
	}

	var body struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("describe %s: decode: %w", p.endpoint, err)
	}
	return body.Capabilities, nil
}

// Invoke performs one call. Timeouts and transport errors surface as
// infrastructure failures so the circuit breaker counts them; agent-side
// rejections (4xx) do not.
func (p *HTTPProxy) Invoke(ctx context.Context, agentReq *core.AgentRequest) (*core.AgentResponse, error) {
	body, err := json.Marshal(agentReq)
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", agentReq.RequestID, core.ErrInvalidRequest)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("invoke %s: %w", agentReq.RequestID, ctx.Err())
		}
		return nil, fmt.Errorf("invoke %s: %w", agentReq.RequestID, core.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("invoke %s: status %d: %w", agentReq.RequestID, resp.StatusCode, core.ErrUnavailable)
	default:
		return nil, fmt.Errorf("invoke %s: status %d: %w", agentReq.RequestID, resp.StatusCode, core.ErrInvalidRequest)
	}

	var agentResp core.AgentResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&agentResp); err != nil {
		return nil, fmt.Errorf("invoke %s: decode: %w", agentReq.RequestID, core.ErrUnavailable)
	}
	if agentResp.RequestID == "" {
		agentResp.RequestID = agentReq.RequestID
	}
	return &agentResp, nil
}

// Health probes liveness. Used by half-open breaker probes, so it is cheap
// and carries a short deadline of its own when the caller set none.
func (p *HTTPProxy) Health(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("health %s: %w", p.endpoint, core.ErrUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health %s: status %d: %w", p.endpoint, resp.StatusCode, core.ErrUnavailable)
	}
	return nil
}

// Dialer resolves descriptors to cached HTTP proxies. One proxy per
// endpoint; the underlying client pools connections.
type Dialer struct {
	client *http.Client

	mu      sync.RWMutex
	proxies map[string]*HTTPProxy
}

// NewDialer creates a dialer with a shared traced transport.
func NewDialer() *Dialer {
	return &Dialer{
		client:  defaultClient(),
		proxies: make(map[string]*HTTPProxy),
	}
}

// Dial returns the proxy for a descriptor's endpoint.
func (d *Dialer) Dial(descriptor *core.AgentDescriptor) (core.AgentProxy, error) {
	if descriptor == nil || descriptor.Endpoint == "" {
		return nil, fmt.Errorf("descriptor without endpoint: %w", core.ErrInvalidRequest)
	}

	d.mu.RLock()
	p := d.proxies[descriptor.Endpoint]
	d.mu.RUnlock()
	if p != nil {
		return p, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p = d.proxies[descriptor.Endpoint]; p == nil {
		p = NewHTTPProxy(descriptor.Endpoint, d.client)
		d.proxies[descriptor.Endpoint] = p
	}
	return p, nil
}
