package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcpbridge/internal/domain"
	"mcpbridge/internal/infra/telemetry"
)

// Options configures the connection pool.
type Options struct {
	MaxPerServer int
	MinPerServer int
	IdleTimeout  time.Duration
	Logger       *zap.Logger
	Metrics      domain.Metrics
	Health       *telemetry.HealthTracker
}

// Pool maintains per-server sets of reusable backend connections with a
// lease/release discipline. Handles are owned by the pool; a lease grants
// temporary usage rights, never ownership.
type Pool struct {
	transport domain.Transport
	configs   domain.ConfigProvider
	logger    *zap.Logger
	metrics   domain.Metrics
	health    *telemetry.HealthTracker

	maxPerServer int
	minPerServer int
	idleTimeout  time.Duration

	mu      sync.Mutex
	servers map[string]*serverPool
	closed  bool

	reapTicker *time.Ticker
	stopReap   chan struct{}
	reapBeat   *telemetry.Heartbeat
}

// Handle is one pooled connection. State transitions:
// Idle -> Leased -> Idle (reuse), Idle -> Closed (idle reap),
// Leased -> Closed (unhealthy release).
type Handle struct {
	id       string
	serverID string
	conn     domain.Conn

	mu         sync.Mutex
	state      domain.ConnState
	createdAt  time.Time
	lastUsedAt time.Time
}

func (h *Handle) ID() string       { return h.id }
func (h *Handle) ServerID() string { return h.serverID }

func (h *Handle) State() domain.ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(state domain.ConnState) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

func (h *Handle) lastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsedAt
}

func (h *Handle) touch() {
	h.mu.Lock()
	h.lastUsedAt = time.Now()
	h.mu.Unlock()
}

// Call invokes a tool over the leased connection.
func (h *Handle) Call(ctx context.Context, tool string, args []byte) ([]byte, error) {
	if h.State() != domain.ConnStateLeased {
		return nil, domain.E(domain.CodeInternal, "pool call", "call on a handle that is not leased", nil)
	}
	h.touch()
	return h.conn.Call(ctx, tool, args)
}

type serverPool struct {
	serverID string
	idle     []*Handle
	total    int
	waiters  []chan *Handle
}

func New(transport domain.Transport, configs domain.ConfigProvider, opts Options) *Pool {
	if transport == nil {
		panic("pool.New requires a transport")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	maxPerServer := opts.MaxPerServer
	if maxPerServer <= 0 {
		maxPerServer = domain.DefaultMaxConnsPerServer
	}
	minPerServer := opts.MinPerServer
	if minPerServer < 0 {
		minPerServer = 0
	}
	if minPerServer > maxPerServer {
		minPerServer = maxPerServer
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = domain.DefaultIdleSeconds * time.Second
	}
	return &Pool{
		transport:    transport,
		configs:      configs,
		logger:       logger.Named("pool"),
		metrics:      metrics,
		health:       opts.Health,
		maxPerServer: maxPerServer,
		minPerServer: minPerServer,
		idleTimeout:  idleTimeout,
		servers:      make(map[string]*serverPool),
		stopReap:     make(chan struct{}),
	}
}

// Lease returns a connection handle for serverID, reusing an idle one,
// dialing a new one while under the per-server maximum, or waiting in FIFO
// order for a release. The caller's context deadline bounds the wait; an
// expired wait fails with ErrPoolExhausted.
func (p *Pool) Lease(ctx context.Context, serverID string) (*Handle, error) {
	const op = "pool lease"
	if ctx == nil {
		ctx = context.Background()
	}
	waitStart := time.Now()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, domain.Wrap(domain.CodeUnavailable, op, domain.ErrPoolClosed)
		}
		state := p.serverPoolLocked(serverID)

		if handle := popIdleLocked(state); handle != nil {
			handle.setState(domain.ConnStateLeased)
			handle.touch()
			p.observeConnsLocked(state)
			p.mu.Unlock()
			p.metrics.ObserveLeaseWait(serverID, time.Since(waitStart), "reused")
			return handle, nil
		}

		if state.total < p.maxPerServer {
			state.total++
			p.mu.Unlock()
			handle, err := p.dial(ctx, serverID)
			if err != nil {
				p.mu.Lock()
				state.total--
				p.signalCapacityLocked(state)
				p.mu.Unlock()
				return nil, domain.Wrap(domain.CodeUnavailable, op, err)
			}
			p.mu.Lock()
			p.observeConnsLocked(state)
			p.mu.Unlock()
			p.metrics.ObserveLeaseWait(serverID, time.Since(waitStart), "dialed")
			return handle, nil
		}

		waiter := make(chan *Handle, 1)
		state.waiters = append(state.waiters, waiter)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.abandonWait(state, waiter)
			p.metrics.ObserveLeaseWait(serverID, time.Since(waitStart), "timeout")
			p.logger.Warn("lease wait expired",
				telemetry.EventField(telemetry.EventLeaseTimeout),
				telemetry.ServerIDField(serverID),
				telemetry.DurationField(time.Since(waitStart)),
			)
			return nil, domain.E(domain.CodeUnavailable, op,
				fmt.Sprintf("%v: %v", domain.ErrPoolExhausted, ctx.Err()), domain.ErrPoolExhausted)
		case handle := <-waiter:
			if handle == nil {
				// Capacity was freed rather than a handle handed over;
				// loop to dial a replacement.
				continue
			}
			p.metrics.ObserveLeaseWait(serverID, time.Since(waitStart), "handoff")
			return handle, nil
		}
	}
}

// Release returns a leased handle. A healthy release makes it reusable,
// preferring a direct handoff to the oldest waiter; an unhealthy release
// discards it and frees capacity. Releasing a handle twice is an error.
func (p *Pool) Release(handle *Handle, healthy bool) error {
	const op = "pool release"
	if handle == nil {
		return errors.New("handle is nil")
	}

	p.mu.Lock()
	if handle.State() != domain.ConnStateLeased {
		p.mu.Unlock()
		return domain.E(domain.CodeInternal, op,
			fmt.Sprintf("release of handle %s in state %s", handle.id, handle.State()), nil)
	}
	state := p.serverPoolLocked(handle.serverID)

	if !healthy || p.closed {
		handle.setState(domain.ConnStateClosed)
		state.total--
		p.signalCapacityLocked(state)
		p.observeConnsLocked(state)
		p.mu.Unlock()
		_ = handle.conn.Close()
		p.logger.Info("connection discarded",
			telemetry.EventField(telemetry.EventConnDiscard),
			telemetry.ServerIDField(handle.serverID),
			telemetry.ConnIDField(handle.id),
		)
		return nil
	}

	handle.touch()
	if waiter := popWaiterLocked(state); waiter != nil {
		// Handle stays leased; usage rights transfer to the waiter.
		p.observeConnsLocked(state)
		p.mu.Unlock()
		waiter <- handle
		return nil
	}

	handle.setState(domain.ConnStateIdle)
	state.idle = append(state.idle, handle)
	p.observeConnsLocked(state)
	p.mu.Unlock()
	return nil
}

// Shutdown closes every idle connection and fails pending waiters.
// Leased handles are closed on their eventual release.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.StopIdleReaper()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var toClose []*Handle
	for _, state := range p.servers {
		for _, handle := range state.idle {
			handle.setState(domain.ConnStateClosed)
			toClose = append(toClose, handle)
		}
		state.total -= len(state.idle)
		state.idle = nil
		for _, waiter := range state.waiters {
			close(waiter)
		}
		state.waiters = nil
	}
	p.mu.Unlock()

	for _, handle := range toClose {
		_ = handle.conn.Close()
	}
	p.logger.Info("pool shut down", zap.Int("closed", len(toClose)))
	return ctx.Err()
}

// Stats reports the current idle and leased counts for a server.
func (p *Pool) Stats(serverID string) (idle, leased int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.servers[serverID]
	if !ok {
		return 0, 0
	}
	return len(state.idle), state.total - len(state.idle)
}

func (p *Pool) dial(ctx context.Context, serverID string) (*Handle, error) {
	started := time.Now()
	p.logger.Debug("dialing backend",
		telemetry.EventField(telemetry.EventDialAttempt),
		telemetry.ServerIDField(serverID),
	)

	var cfg domain.ServerConfig
	if p.configs != nil {
		loaded, err := p.configs.ServerConfig(serverID)
		if err != nil {
			p.metrics.ObserveConnDial(serverID, err)
			return nil, fmt.Errorf("server config: %w", err)
		}
		cfg = loaded
	}

	conn, err := p.transport.Dial(ctx, serverID, cfg)
	p.metrics.ObserveConnDial(serverID, err)
	if err != nil {
		p.logger.Warn("dial failed",
			telemetry.EventField(telemetry.EventDialFailure),
			telemetry.ServerIDField(serverID),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("dial %s: %w", serverID, err)
	}
	if conn == nil {
		return nil, errors.New("transport returned nil connection")
	}

	now := time.Now()
	handle := &Handle{
		id:         uuid.NewString(),
		serverID:   serverID,
		conn:       conn,
		state:      domain.ConnStateLeased,
		createdAt:  now,
		lastUsedAt: now,
	}
	p.logger.Info("connection established",
		telemetry.EventField(telemetry.EventDialSuccess),
		telemetry.ServerIDField(serverID),
		telemetry.ConnIDField(handle.id),
		telemetry.DurationField(time.Since(started)),
	)
	return handle, nil
}

func (p *Pool) serverPoolLocked(serverID string) *serverPool {
	state, ok := p.servers[serverID]
	if !ok {
		state = &serverPool{serverID: serverID}
		p.servers[serverID] = state
	}
	return state
}

// abandonWait removes waiter from the queue after a timeout. A release may
// have handed over a handle concurrently; if so it is re-released here so
// the handoff is never lost.
func (p *Pool) abandonWait(state *serverPool, waiter chan *Handle) {
	p.mu.Lock()
	for i, candidate := range state.waiters {
		if candidate == waiter {
			state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// The waiter was already popped by a release, so a send is guaranteed
	// to be in flight on the buffered channel.
	handle := <-waiter
	if handle != nil {
		_ = p.Release(handle, true)
		return
	}
	p.mu.Lock()
	p.signalCapacityLocked(state)
	p.mu.Unlock()
}

func (p *Pool) signalCapacityLocked(state *serverPool) {
	if waiter := popWaiterLocked(state); waiter != nil {
		waiter <- nil
	}
}

func (p *Pool) observeConnsLocked(state *serverPool) {
	p.metrics.SetActiveConns(state.serverID, len(state.idle), state.total-len(state.idle))
}

func popIdleLocked(state *serverPool) *Handle {
	if len(state.idle) == 0 {
		return nil
	}
	handle := state.idle[len(state.idle)-1]
	state.idle = state.idle[:len(state.idle)-1]
	return handle
}

func popWaiterLocked(state *serverPool) chan *Handle {
	if len(state.waiters) == 0 {
		return nil
	}
	waiter := state.waiters[0]
	state.waiters = state.waiters[1:]
	return waiter
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string, time.Duration)           {}
func (noopMetrics) ObserveLeaseWait(string, time.Duration, string) {}
func (noopMetrics) SetActiveConns(string, int, int)                {}
func (noopMetrics) ObserveCacheLookup(bool)                        {}
func (noopMetrics) ObserveRetry(string)                            {}
func (noopMetrics) ObserveConnDial(string, error)                  {}
