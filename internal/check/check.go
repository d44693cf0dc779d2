// Package check implements session node health verification for the relay
// gateway: concurrent per-node probing, result caching with advisory
// single-flight locking, failure classification, and the consensus
// challenge fired when a session's nodes disagree.
package check

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/nodegate/internal/core/domain"
)

// Store is the shared cache/lock store. Keys are independent; there are no
// cross-key transactions.
type Store interface {
	// Get reads a key. A missing key is reported via found=false.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set writes a key with a TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Allowances tracks nodes that exceeded their relay allowance for a session.
// Removal is monotonic and idempotent.
type Allowances interface {
	Removed(ctx context.Context, sessionKey string) ([]string, error)
	Remove(ctx context.Context, sessionKey, publicKey string) error
}

// Sink accepts one MetricRecord per node-check attempt. Implementations
// never surface errors to the caller.
type Sink interface {
	Record(ctx context.Context, rec domain.MetricRecord)
}

// Request carries everything a probing round needs. Immutable per invocation.
type Request struct {
	Nodes         []domain.Node
	Payload       string
	BlockchainID  string
	ChainID       string // expected chain identifier (chain check)
	Session       domain.Session
	RequestID     string
	ApplicationID string
	AppPublicKey  string
	Origin        string
}

// Filter is the shared cached health filter. Check kinds specialize it via
// a roundSpec rather than subclassing.
type Filter struct {
	store      Store
	allowances Allowances
	sink       Sink
	log        *slog.Logger
}

// NewFilter creates the shared filter with explicit dependencies.
func NewFilter(store Store, allowances Allowances, sink Sink, log *slog.Logger) *Filter {
	return &Filter{
		store:      store,
		allowances: allowances,
		sink:       sink,
		log:        log,
	}
}

// roundSpec is the per-check-kind behavior table, resolved once per call.
type roundSpec struct {
	kind     domain.CheckKind
	cacheKey string
	lockTTL  time.Duration

	// resultTTL applies to non-empty survivor sets, emptyTTL to empty ones.
	// An empty set likely indicates a transient network-wide issue and is
	// retried sooner. Neither may be zero: results are never cached forever.
	resultTTL time.Duration
	emptyTTL  time.Duration

	// probe performs one relay and returns the kind-specific value.
	probe func(ctx context.Context, node domain.Node) (value any, bytes int, err error)

	// evaluate sets pass on every settled outcome. It runs after all probes
	// settle so predicates may depend on the whole batch.
	evaluate func(outcomes []outcome)

	// mismatch is the error text reported when a node answered but failed
	// the success predicate.
	mismatch string

	// failureBytes is the byte-length accounting rule for failed checks.
	failureBytes func(errMsg string) int

	// after runs once the cache is written, with the probed node count and
	// the survivors. Optional.
	after func(probed int, survivors []domain.Node)
}

// outcome is one settled probe result.
type outcome struct {
	node    domain.Node
	start   time.Time
	elapsed time.Duration
	value   any
	bytes   int
	err     error
	pass    bool
}

// run executes the cache/lock protocol and, on a miss, a full probing round.
//
// The lock is advisory: the read-then-set is deliberately non-atomic, so two
// concurrent callers may both probe and both write the cache. Last writer
// wins; both wrote semantically equivalent fresh results. A false "locked"
// reading fails open to the full candidate set for one round.
func (f *Filter) run(ctx context.Context, req *Request, spec roundSpec) ([]domain.Node, error) {
	candidates, err := f.eligible(ctx, req)
	if err != nil {
		return nil, err
	}

	cached, found, err := f.store.Get(ctx, spec.cacheKey)
	if err != nil {
		return nil, fmt.Errorf("%s cache read: %w", spec.kind, err)
	}
	if found {
		subset, perr := intersectCached(candidates, cached)
		if perr == nil {
			// Authoritative, even when empty: no nodes passed last round.
			return subset, nil
		}
		f.log.Warn("Discarding malformed cache entry",
			"key", spec.cacheKey, "error", perr)
	}

	lockKey := "lock-" + spec.cacheKey
	_, locked, err := f.store.Get(ctx, lockKey)
	if err != nil || locked {
		if err != nil {
			f.log.Warn("Lock read failed, failing open for this round",
				"key", lockKey, "error", err)
		}
		return candidates, nil
	}
	if err := f.store.Set(ctx, lockKey, "locked", spec.lockTTL); err != nil {
		f.log.Warn("Lock write failed", "key", lockKey, "error", err)
	}

	outcomes := f.fanOut(ctx, candidates, spec)
	spec.evaluate(outcomes)

	survivors := f.classify(ctx, req, spec, outcomes)

	data, err := json.Marshal(publicKeys(survivors))
	if err != nil {
		return nil, fmt.Errorf("marshal survivor list: %w", err)
	}
	ttl := spec.resultTTL
	if len(survivors) == 0 {
		ttl = spec.emptyTTL
	}
	if err := f.store.Set(ctx, spec.cacheKey, string(data), ttl); err != nil {
		return nil, fmt.Errorf("%s cache write: %w", spec.kind, err)
	}

	if spec.after != nil {
		spec.after(len(candidates), survivors)
	}
	return survivors, nil
}

// eligible returns the request nodes minus the session's over-allowance
// removals, preserving input order.
func (f *Filter) eligible(ctx context.Context, req *Request) ([]domain.Node, error) {
	if req.Session.Key == "" {
		return req.Nodes, nil
	}
	removed, err := f.allowances.Removed(ctx, req.Session.Key)
	if err != nil {
		return nil, fmt.Errorf("session allowance read: %w", err)
	}
	if len(removed) == 0 {
		return req.Nodes, nil
	}

	gone := make(map[string]struct{}, len(removed))
	for _, pk := range removed {
		gone[pk] = struct{}{}
	}
	nodes := make([]domain.Node, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		if _, ok := gone[n.PublicKey]; !ok {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// fanOut probes every candidate concurrently and waits until each one has
// settled. A slow or erroring node never aborts the batch.
func (f *Filter) fanOut(ctx context.Context, candidates []domain.Node, spec roundSpec) []outcome {
	outcomes := make([]outcome, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	for i, node := range candidates {
		g.Go(func() error {
			start := time.Now()
			value, bytes, err := spec.probe(gctx, node)
			outcomes[i] = outcome{
				node:    node,
				start:   start,
				elapsed: time.Since(start),
				value:   value,
				bytes:   bytes,
				err:     err,
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// classify turns settled outcomes into the survivor list, flags
// over-allowance nodes, and emits exactly one MetricRecord per outcome.
// Survivors preserve the candidate order.
func (f *Filter) classify(ctx context.Context, req *Request, spec roundSpec, outcomes []outcome) []domain.Node {
	survivors := make([]domain.Node, 0, len(outcomes))

	for i := range outcomes {
		o := &outcomes[i]
		rec := domain.MetricRecord{
			RequestID:      req.RequestID,
			ApplicationID:  req.ApplicationID,
			AppPublicKey:   req.AppPublicKey,
			BlockchainID:   req.BlockchainID,
			ServiceNode:    o.node.PublicKey,
			RelayStart:     o.start,
			Method:         spec.kind,
			SessionKey:     req.Session.Key,
			Origin:         req.Origin,
			ElapsedSeconds: o.elapsed.Seconds(),
		}

		switch {
		case o.err != nil:
			cause := domain.CauseTransport
			var perr *domain.ProbeError
			if errors.As(o.err, &perr) {
				cause = perr.Cause
			}

			switch cause {
			case domain.CauseAllowance:
				f.log.Error("Node exceeded relay allowance, removing from session",
					"request_id", req.RequestID,
					"session_key", req.Session.Key,
					"service_node", o.node.PublicKey,
					"origin", req.Origin)
				if req.Session.Key != "" {
					if rerr := f.allowances.Remove(ctx, req.Session.Key, o.node.PublicKey); rerr != nil {
						f.log.Error("Failed to flag over-allowance node",
							"session_key", req.Session.Key,
							"service_node", o.node.PublicKey,
							"error", rerr)
					}
				}
			case domain.CauseMalformed:
				f.log.Error("Unhandled node response",
					"request_id", req.RequestID,
					"session_key", req.Session.Key,
					"service_node", o.node.PublicKey,
					"origin", req.Origin,
					"error", o.err)
			default:
				f.log.Error("Node check relay failed",
					"request_id", req.RequestID,
					"session_key", req.Session.Key,
					"service_node", o.node.PublicKey,
					"origin", req.Origin,
					"error", o.err)
			}

			rec.ResultCode = domain.ResultFailed
			rec.Error = o.err.Error()
			rec.Bytes = spec.failureBytes(o.err.Error())

		case !o.pass:
			f.log.Warn("Node failed check predicate",
				"request_id", req.RequestID,
				"session_key", req.Session.Key,
				"service_node", o.node.PublicKey,
				"method", spec.kind)
			rec.ResultCode = domain.ResultFailed
			rec.Delivered = true
			rec.Error = spec.mismatch
			rec.Bytes = spec.failureBytes(spec.mismatch)

		default:
			survivors = append(survivors, o.node)
			rec.ResultCode = domain.ResultOK
			rec.Delivered = true
			rec.Bytes = o.bytes
		}

		f.sink.Record(ctx, rec)
	}

	return survivors
}

// intersectCached parses a cached public-key list and returns the
// candidates it retains, in candidate order.
func intersectCached(candidates []domain.Node, cached string) ([]domain.Node, error) {
	var passed []string
	if err := json.Unmarshal([]byte(cached), &passed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached node list: %w", err)
	}

	keep := make(map[string]struct{}, len(passed))
	for _, pk := range passed {
		keep[pk] = struct{}{}
	}
	subset := make([]domain.Node, 0, len(candidates))
	for _, n := range candidates {
		if _, ok := keep[n.PublicKey]; ok {
			subset = append(subset, n)
		}
	}
	return subset, nil
}

func publicKeys(nodes []domain.Node) []string {
	keys := make([]string, len(nodes))
	for i, n := range nodes {
		keys[i] = n.PublicKey
	}
	return keys
}
