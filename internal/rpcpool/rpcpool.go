// Package rpcpool maintains an ordered list of JSON-RPC endpoints and
// fails over between them transparently, so a single unreachable node
// doesn't take the whole engine down.
package rpcpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/walletsender/wallet-engine/internal/metrics"
)

type endpoint struct {
	url     string
	client  *ethclient.Client
	mu      sync.Mutex
	healthy bool
	lastChk time.Time
}

// Pool sends each logical call through a fixed ordered list of
// endpoints, always starting from the first, and moves on to the next
// endpoint on failure up to retryCount endpoints per call. There is no
// round-robin cursor: a failed endpoint is tried first again on the next
// call once a probe finds it healthy.
type Pool struct {
	healthTTL  time.Duration
	retryCount int
	callTO     time.Duration

	mu        sync.RWMutex
	endpoints []*endpoint
}

// Dial connects to every URL in urls (in order) and returns a Pool. It
// does not fail if some endpoints are unreachable at startup; they are
// simply marked unhealthy until a later probe succeeds.
func Dial(ctx context.Context, urls []string, healthTTL time.Duration, retryCount int, callTimeout time.Duration) (*Pool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("rpcpool: at least one endpoint is required")
	}

	p := &Pool{healthTTL: healthTTL, retryCount: retryCount, callTO: callTimeout}
	for _, u := range urls {
		ep := &endpoint{url: u}
		client, err := ethclient.DialContext(ctx, u)
		if err == nil {
			ep.client = client
			ep.healthy = true
			ep.lastChk = time.Now()
		}
		metrics.RPCEndpointHealthy.WithLabelValues(u).Set(boolToFloat(ep.healthy))
		p.endpoints = append(p.endpoints, ep)
	}
	return p, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Call runs fn against each healthy endpoint's client in order, up to
// retryCount endpoints, returning the first success. If an endpoint's
// health probe is stale it is re-probed (a cheap ChainID call) before
// use.
func (p *Pool) Call(ctx context.Context, fn func(ctx context.Context, client *ethclient.Client) error) error {
	p.mu.RLock()
	eps := append([]*endpoint(nil), p.endpoints...)
	p.mu.RUnlock()

	var lastErr error
	attempts := 0
	for _, ep := range eps {
		if attempts >= p.retryCount {
			break
		}
		if !p.ensureHealthy(ctx, ep) {
			continue
		}
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, p.callTO)
		err := fn(callCtx, ep.client)
		cancel()

		if err == nil {
			metrics.RPCCallsTotal.WithLabelValues(ep.url, "ok").Inc()
			return nil
		}

		metrics.RPCCallsTotal.WithLabelValues(ep.url, "error").Inc()
		p.markUnhealthy(ep)
		lastErr = err
		if attempts < p.retryCount {
			metrics.RPCFailoverTotal.Inc()
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("rpcpool: no healthy endpoints available")
	}
	return fmt.Errorf("rpcpool: all attempted endpoints failed: %w", lastErr)
}

// Client returns the client of the first currently-healthy endpoint, for
// callers (nonce arbiter, gas manager, contract bindings) that want a long-lived handle
// rather than a one-shot call. It re-probes stale endpoints first.
func (p *Pool) Client(ctx context.Context) (*ethclient.Client, error) {
	p.mu.RLock()
	eps := append([]*endpoint(nil), p.endpoints...)
	p.mu.RUnlock()

	for _, ep := range eps {
		if p.ensureHealthy(ctx, ep) {
			return ep.client, nil
		}
	}
	return nil, fmt.Errorf("rpcpool: no healthy endpoints available")
}

func (p *Pool) ensureHealthy(ctx context.Context, ep *endpoint) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.healthy && time.Since(ep.lastChk) < p.healthTTL {
		return true
	}

	if ep.client == nil {
		client, err := ethclient.DialContext(ctx, ep.url)
		if err != nil {
			ep.healthy = false
			metrics.RPCEndpointHealthy.WithLabelValues(ep.url).Set(0)
			return false
		}
		ep.client = client
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.callTO)
	_, err := ep.client.ChainID(probeCtx)
	cancel()

	ep.healthy = err == nil
	ep.lastChk = time.Now()
	metrics.RPCEndpointHealthy.WithLabelValues(ep.url).Set(boolToFloat(ep.healthy))
	return ep.healthy
}

func (p *Pool) markUnhealthy(ep *endpoint) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.healthy = false
	metrics.RPCEndpointHealthy.WithLabelValues(ep.url).Set(0)
}

// Close closes every underlying client.
func (p *Pool) Close() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ep := range p.endpoints {
		if ep.client != nil {
			ep.client.Close()
		}
	}
}
