package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcpbridge/internal/domain"
	"mcpbridge/internal/infra/cache"
	"mcpbridge/internal/infra/index"
	"mcpbridge/internal/infra/matcher"
	"mcpbridge/internal/infra/pool"
	"mcpbridge/internal/infra/retry"
	"mcpbridge/internal/infra/telemetry"
)

const nearMissLimit = 3

// Options configures the orchestrator.
type Options struct {
	MinMatchScore  int
	CacheTTL       time.Duration
	RequestTimeout time.Duration
	// LeaseTimeout bounds the wait for a pooled connection, separately
	// from the overall request deadline.
	LeaseTimeout time.Duration
	RetryPolicy  retry.Policy
	HistorySize  int
	Logger       *zap.Logger
	Metrics      domain.Metrics
}

// Bridge composes the capability index, matcher, pool, retry executor and
// response cache into the end-to-end request lifecycle. It is the only
// public entry point of the core.
type Bridge struct {
	index    *index.Index
	matcher  *matcher.Matcher
	pool     *pool.Pool
	executor *retry.Executor
	cache    *cache.Cache
	history  *domain.RequestHistory

	minMatchScore  int
	cacheTTL       time.Duration
	requestTimeout time.Duration
	leaseTimeout   time.Duration
	retryPolicy    retry.Policy

	logger  *zap.Logger
	metrics domain.Metrics
}

// Request is one inbound bridge request. Args, when present, are passed
// to the matched tool and participate in the cache key.
type Request struct {
	Query string
	Args  json.RawMessage
	// Timeout bounds matching, leasing and execution; zero uses the
	// configured default.
	Timeout time.Duration
	// Mutating forces a cache bypass regardless of tool metadata.
	Mutating bool
}

// Outcome is the terminal result of one request.
type Outcome struct {
	Record     domain.RequestRecord
	Result     json.RawMessage
	NearMisses []domain.ToolMatch
}

func New(idx *index.Index, toolMatcher *matcher.Matcher, connPool *pool.Pool, executor *retry.Executor, responseCache *cache.Cache, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	minScore := opts.MinMatchScore
	if minScore <= 0 {
		minScore = domain.DefaultMinMatchScore
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = domain.DefaultCacheTTLSeconds * time.Second
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = domain.DefaultRequestTimeoutSeconds * time.Second
	}
	leaseTimeout := opts.LeaseTimeout
	if leaseTimeout <= 0 {
		leaseTimeout = domain.DefaultLeaseTimeoutSeconds * time.Second
	}
	policy := opts.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	return &Bridge{
		index:          idx,
		matcher:        toolMatcher,
		pool:           connPool,
		executor:       executor,
		cache:          responseCache,
		history:        domain.NewRequestHistory(opts.HistorySize),
		minMatchScore:  minScore,
		cacheTTL:       cacheTTL,
		requestTimeout: requestTimeout,
		leaseTimeout:   leaseTimeout,
		retryPolicy:    policy,
		logger:         logger.Named("bridge"),
		metrics:        metrics,
	}
}

// ListServers returns every server in the active snapshot.
func (b *Bridge) ListServers() []domain.ServerDescriptor {
	return b.index.Snapshot().Servers
}

// GetServer returns the descriptor for id or a NotFound error.
func (b *Bridge) GetServer(id string) (domain.ServerDescriptor, error) {
	server, ok := b.index.ServerByID(id)
	if !ok {
		return domain.ServerDescriptor{}, domain.E(domain.CodeNotFound, "bridge get server",
			fmt.Sprintf("%v: %s", domain.ErrServerNotFound, id), domain.ErrServerNotFound)
	}
	return server, nil
}

// ServersByCategory returns servers with an exact, case-insensitive
// category match.
func (b *Bridge) ServersByCategory(category string) []domain.ServerDescriptor {
	return b.index.ServersByCategory(category)
}

// SearchServers returns servers matching keyword in any descriptive field.
func (b *Bridge) SearchServers(keyword string) []domain.ServerDescriptor {
	return b.index.SearchServers(keyword)
}

// FindTools ranks tools against a free-text query.
func (b *Bridge) FindTools(query string) []domain.ToolMatch {
	return b.matcher.FindTools(query)
}

// ListAllTools returns every tool in published order.
func (b *Bridge) ListAllTools() []domain.ServerTool {
	return b.index.AllTools()
}

// IndexMetadata summarizes the active snapshot.
func (b *Bridge) IndexMetadata() domain.IndexMetadata {
	return b.index.Metadata()
}

// RefreshIndex atomically replaces the active snapshot from source.
// In-flight readers keep the snapshot they started with.
func (b *Bridge) RefreshIndex(source []byte) error {
	return b.index.Refresh(source)
}

// RecentRequests returns up to limit request records, newest first.
func (b *Bridge) RecentRequests(limit int) []domain.RequestRecord {
	return b.history.Recent(limit)
}

// ProcessRequest drives one request through the lifecycle:
// Received -> Matching -> {NoMatch | Executing} -> {Cached | Succeeded | Failed}.
// The terminal record is always retained in the history.
func (b *Bridge) ProcessRequest(ctx context.Context, req Request) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.requestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	record := domain.RequestRecord{
		ID:        uuid.NewString(),
		RawQuery:  req.Query,
		Status:    domain.StatusReceived,
		CreatedAt: started,
	}

	outcome, err := b.execute(ctx, req, &record)
	record.CompletedAt = time.Now()
	b.history.Append(record)
	b.metrics.ObserveRequest(string(record.Status), time.Since(started))
	b.logger.Info("request finished",
		telemetry.EventField(telemetry.EventRequestDone),
		telemetry.RequestIDField(record.ID),
		telemetry.StateField(string(record.Status)),
		telemetry.DurationField(time.Since(started)),
		zap.Int("attempts", record.Attempts),
	)

	outcome.Record = record
	return outcome, err
}

func (b *Bridge) execute(ctx context.Context, req Request, record *domain.RequestRecord) (Outcome, error) {
	const op = "bridge process"

	b.transition(record, domain.StatusMatching)
	matches := b.matcher.FindTools(req.Query)
	if len(matches) == 0 || matches[0].Score < b.minMatchScore {
		nearMisses := matches
		if len(nearMisses) > nearMissLimit {
			nearMisses = nearMisses[:nearMissLimit]
		}
		b.transition(record, domain.StatusNoMatch)
		return Outcome{NearMisses: nearMisses}, domain.E(domain.CodeUnmatched, op,
			fmt.Sprintf("%v: %q", domain.ErrNoMatch, req.Query), domain.ErrNoMatch)
	}

	top := matches[0]
	record.MatchedServerID = top.ServerID
	record.MatchedToolName = top.Tool.Name
	b.transition(record, domain.StatusExecuting)

	cacheable := !req.Mutating && !top.Tool.Mutating
	var cacheKey string
	if cacheable {
		key, err := cache.Key(top.ServerID, top.Tool.Name, req.Args)
		if err != nil {
			b.logger.Warn("cache key derivation failed", zap.Error(err))
			cacheable = false
		} else {
			cacheKey = key
			if value, ok := b.cache.Get(cacheKey); ok {
				b.transition(record, domain.StatusCached)
				return Outcome{Result: value}, nil
			}
		}
	}

	leaseCtx, leaseCancel := context.WithTimeout(ctx, b.leaseTimeout)
	handle, err := b.pool.Lease(leaseCtx, top.ServerID)
	leaseCancel()
	if err != nil {
		b.fail(record, err)
		return Outcome{}, err
	}

	result, attempts, err := b.executor.Execute(ctx, top.ServerID, b.retryPolicy, func(ctx context.Context) ([]byte, error) {
		return handle.Call(ctx, top.Tool.Name, req.Args)
	})
	record.Attempts = attempts
	if releaseErr := b.pool.Release(handle, err == nil); releaseErr != nil {
		b.logger.Error("connection release failed", zap.Error(releaseErr))
	}

	if err != nil {
		b.fail(record, err)
		return Outcome{}, err
	}

	if cacheable {
		b.cache.Put(cacheKey, result, b.cacheTTL)
	}
	b.transition(record, domain.StatusSucceeded)
	return Outcome{Result: result}, nil
}

func (b *Bridge) transition(record *domain.RequestRecord, status domain.RequestStatus) {
	record.Status = status
	b.logger.Debug("request transition",
		telemetry.RequestIDField(record.ID),
		telemetry.StateField(string(status)),
	)
}

func (b *Bridge) fail(record *domain.RequestRecord, err error) {
	record.ErrorKind = errorKind(err)
	b.transition(record, domain.StatusFailed)
}

func errorKind(err error) string {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return "retries_exhausted"
	}
	if code, ok := domain.CodeFrom(err); ok {
		return string(code)
	}
	return string(domain.CodeInternal)
}
