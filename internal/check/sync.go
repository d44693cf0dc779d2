package check

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/nodegate/internal/core/domain"
)

// behindSentinel is the predicate-failure error text for sync checks. It
// only surfaces when tolerance enforcement is enabled.
const behindSentinel = "NODE BEHIND"

// HeightReply is a node's answer to a block-height probe.
type HeightReply struct {
	Height uint64
	Bytes  int
}

// SyncProber performs one block-height relay against a node.
type SyncProber interface {
	ProbeHeight(ctx context.Context, node domain.Node, payload, blockchainID string) (HeightReply, error)
}

// SyncConfig holds sync-check TTLs and the height-tolerance policy.
//
// EnforceTolerance defaults to off: production treats every node that
// answers successfully as synced, and this implementation reproduces that
// behavior. The tolerance comparison below is the latent alternative, kept
// behind the flag rather than silently activated.
type SyncConfig struct {
	ResultTTL        time.Duration `yaml:"result_ttl"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
	AllowanceBlocks  uint64        `yaml:"allowance_blocks"`
	EnforceTolerance bool          `yaml:"enforce_tolerance"`
}

// DefaultSyncConfig returns the production sync-check settings.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		ResultTTL:       300 * time.Second,
		LockTTL:         10 * time.Second,
		AllowanceBlocks: 1,
	}
}

// SyncCheck verifies that session nodes are acceptably close to the
// reference height computed from the batch. Same cache/lock protocol as
// the chain check; no per-round challenge.
type SyncCheck struct {
	filter *Filter
	prober SyncProber
	cfg    SyncConfig
	log    *slog.Logger
}

// NewSyncCheck creates a sync checker on top of the shared filter.
func NewSyncCheck(filter *Filter, prober SyncProber, cfg SyncConfig, log *slog.Logger) *SyncCheck {
	return &SyncCheck{
		filter: filter,
		prober: prober,
		cfg:    cfg,
		log:    log,
	}
}

// Filter returns the subset of req.Nodes considered synced, in input order.
func (c *SyncCheck) Filter(ctx context.Context, req *Request) ([]domain.Node, error) {
	keyNodes := req.Session.Nodes
	if len(keyNodes) == 0 {
		keyNodes = req.Nodes
	}

	spec := roundSpec{
		kind:     domain.CheckKindSync,
		cacheKey: syncCacheKey(req.BlockchainID, keyNodes),
		lockTTL:  c.cfg.LockTTL,
		// The sync cache TTL is fixed: empty results are not retried sooner.
		resultTTL: c.cfg.ResultTTL,
		emptyTTL:  c.cfg.ResultTTL,
		probe: func(ctx context.Context, node domain.Node) (any, int, error) {
			reply, err := c.prober.ProbeHeight(ctx, node, req.Payload, req.BlockchainID)
			if err != nil {
				return nil, 0, err
			}
			return reply.Height, reply.Bytes, nil
		},
		evaluate: c.evaluate,
		mismatch: behindSentinel,
		failureBytes: func(errMsg string) int {
			return len(errMsg)
		},
	}

	return c.filter.run(ctx, req, spec)
}

// evaluate marks every successful probe as synced unless tolerance
// enforcement is on, in which case a node must be within AllowanceBlocks
// of the highest height reported in the batch.
func (c *SyncCheck) evaluate(outcomes []outcome) {
	var reference uint64
	for i := range outcomes {
		o := &outcomes[i]
		if o.err != nil {
			continue
		}
		if h, ok := o.value.(uint64); ok && h > reference {
			reference = h
		}
	}

	for i := range outcomes {
		o := &outcomes[i]
		if o.err != nil {
			continue
		}
		if !c.cfg.EnforceTolerance {
			o.pass = true
			continue
		}
		h, ok := o.value.(uint64)
		o.pass = ok && h+c.cfg.AllowanceBlocks >= reference
	}
}
