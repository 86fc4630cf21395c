// Package rpcgateway is the single choke point for every upstream
// JSON-RPC call. Every other component — contract bindings, block
// readers, the creation-block locator — goes through Gateway.Call by
// construction; nothing dials the node directly. The gateway owns the
// raw *rpc.Client and is the only thing that touches it for
// request/response calls; the live tailer's subscription is a
// separate, non-retryable primitive handled outside the gateway.
package rpcgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/emmick4/eth-event-indexer/internal/metrics"
)

const (
	DefaultMaxConcurrent = 5
	DefaultMaxRetries    = 5
	DefaultBaseDelay     = 500 * time.Millisecond
	maxRetryDelay        = 30 * time.Second
)

// Config controls the gateway's scheduling policy.
type Config struct {
	MaxConcurrent int
	MaxRetries    int
	BaseDelay     time.Duration
	IsRateLimited RateLimitPredicate
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.IsRateLimited == nil {
		c.IsRateLimited = DefaultIsRateLimited
	}
	return c
}

// Gateway queues, throttles, and retries calls against one underlying
// JSON-RPC client.
type Gateway struct {
	client *rpc.Client
	cfg    Config

	submit      chan *pendingCall
	completions chan completion

	chainIDState
}

type pendingCall struct {
	ctx      context.Context
	method   string
	params   []interface{}
	attempts int
	resultCh chan callResult
}

type callResult struct {
	raw json.RawMessage
	err error
}

// completion is sent from a dispatch goroutine back to the pump: it
// always frees one in-flight slot, and optionally closes the throttle
// gate for `closeFor`.
type completion struct {
	closeFor time.Duration
}

// New constructs a Gateway over an already-dialed JSON-RPC client and
// starts its pump goroutine. The caller owns client's lifecycle
// (Close it after the gateway is no longer needed).
func New(client *rpc.Client, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		client:      client,
		cfg:         cfg,
		submit:      make(chan *pendingCall),
		completions: make(chan completion),
	}
	go g.pump()
	return g
}

// Call is the gateway's sole operation: submit a method/params pair
// and block until it resolves or ctx is canceled. Cancellation stops
// the caller from waiting but does not dequeue the call; because ctx is
// handed to the upstream client on dispatch, an in-flight (or later
// dispatched) call with a canceled ctx is aborted by that client.
func (g *Gateway) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	p := &pendingCall{ctx: ctx, method: method, params: params, resultCh: make(chan callResult, 1)}

	select {
	case g.submit <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-p.resultCh:
		return res.raw, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallInto calls method and unmarshals the result into out.
func (g *Gateway) CallInto(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	raw, err := g.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// pump is the gateway's single owning goroutine: it is the only
// reader/writer of the FIFO queue, the in-flight counter, and the
// throttle gate. Every other goroutine communicates with it over
// g.submit / g.completions, so none of that state needs a lock.
func (g *Gateway) pump() {
	var queue []*pendingCall
	inFlight := 0
	var throttleUntil time.Time

	for {
		var timerC <-chan time.Time
		if !throttleUntil.IsZero() {
			d := time.Until(throttleUntil)
			if d < 0 {
				d = 0
			}
			timerC = time.After(d)
		}

		select {
		case p := <-g.submit:
			queue = append(queue, p)

		case c := <-g.completions:
			inFlight--
			if c.closeFor > 0 {
				candidate := time.Now().Add(c.closeFor)
				if candidate.After(throttleUntil) {
					throttleUntil = candidate
				}
				metrics.RPCThrottleEngaged.Set(1)
			}

		case <-timerC:
			throttleUntil = time.Time{}
			metrics.RPCThrottleEngaged.Set(0)
		}

		gateOpen := throttleUntil.IsZero() || !time.Now().Before(throttleUntil)
		for gateOpen && inFlight < g.cfg.MaxConcurrent && len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			inFlight++
			go g.dispatch(next)
		}

		metrics.RPCInflight.Set(float64(inFlight))
		metrics.RPCQueueDepth.Set(float64(len(queue)))
	}
}

// dispatch performs one upstream call outside the pump goroutine. On a
// rate-limit signal it frees its slot immediately and resubmits itself
// to the queue after the retry delay, instead of holding the in-flight
// slot while it waits.
func (g *Gateway) dispatch(p *pendingCall) {
	var raw json.RawMessage
	err := g.client.CallContext(p.ctx, &raw, p.method, p.params...)

	if err != nil && g.cfg.IsRateLimited(err) {
		p.attempts++
		metrics.RPCRetriesTotal.Inc()

		if p.attempts > g.cfg.MaxRetries {
			p.resultCh <- callResult{err: fmt.Errorf("rpcgateway: %s: rate limited after %d attempts: %w", p.method, p.attempts, err)}
			g.completions <- completion{closeFor: retryDelay(p.attempts, g.cfg.BaseDelay)}
			return
		}

		delay := retryDelay(p.attempts, g.cfg.BaseDelay)
		g.completions <- completion{closeFor: delay}
		time.AfterFunc(delay, func() {
			select {
			case g.submit <- p:
			case <-p.ctx.Done():
				p.resultCh <- callResult{err: p.ctx.Err()}
			}
		})
		return
	}

	p.resultCh <- callResult{raw: raw, err: err}
	g.completions <- completion{}
}

// retryDelay implements min(BASE_DELAY*2^n + U[0,1000ms), 30s).
func retryDelay(attempt int, base time.Duration) time.Duration {
	backoff := base * time.Duration(uint64(1)<<uint(attempt))
	jitter := time.Duration(rand.Intn(1000)) * time.Millisecond
	d := backoff + jitter
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}
