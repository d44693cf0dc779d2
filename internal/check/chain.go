package check

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/nodegate/internal/core/domain"
)

// WrongChainSentinel is the fixed error string recorded for chain-check
// failures; its byte length is the chain-check failure accounting rule.
const WrongChainSentinel = "WRONG CHAIN"

// ChainReply is a node's answer to a chain-identity probe.
type ChainReply struct {
	ChainID string
	Bytes   int
}

// ChainProber performs one chain-identity relay against a node.
type ChainProber interface {
	ProbeChain(ctx context.Context, node domain.Node, payload, blockchainID string) (ChainReply, error)
}

// Challenger issues a consensus-mode relay that fans the payload to
// multiple nodes so the network itself can detect and penalize
// disagreement.
type Challenger interface {
	Challenge(ctx context.Context, payload, blockchainID string) error
}

// ChainConfig holds chain-check TTLs. EmptyResultTTL is the retry policy
// for rounds where no node passed.
type ChainConfig struct {
	ResultTTL        time.Duration `yaml:"result_ttl"`
	EmptyResultTTL   time.Duration `yaml:"empty_result_ttl"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
	ChallengeTimeout time.Duration `yaml:"challenge_timeout"`
}

// DefaultChainConfig returns the production chain-check TTLs.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		ResultTTL:        600 * time.Second,
		EmptyResultTTL:   30 * time.Second,
		LockTTL:          60 * time.Second,
		ChallengeTimeout: 30 * time.Second,
	}
}

// ChainCheck verifies that session nodes report the expected chain
// identifier, caching results per session node set. When a round has both
// passing and failing nodes it fires a consensus challenge so the failing
// nodes are penalized by the network, not just excluded locally.
type ChainCheck struct {
	filter     *Filter
	prober     ChainProber
	challenger Challenger
	cfg        ChainConfig
	log        *slog.Logger
}

// NewChainCheck creates a chain checker on top of the shared filter.
func NewChainCheck(filter *Filter, prober ChainProber, challenger Challenger, cfg ChainConfig, log *slog.Logger) *ChainCheck {
	return &ChainCheck{
		filter:     filter,
		prober:     prober,
		challenger: challenger,
		cfg:        cfg,
		log:        log,
	}
}

// Filter returns the subset of req.Nodes reporting the expected chain
// identifier, in input order. An empty result is valid and expected.
func (c *ChainCheck) Filter(ctx context.Context, req *Request) ([]domain.Node, error) {
	keyNodes := req.Session.Nodes
	if len(keyNodes) == 0 {
		keyNodes = req.Nodes
	}

	spec := roundSpec{
		kind:      domain.CheckKindChain,
		cacheKey:  chainCacheKey(req.BlockchainID, keyNodes),
		lockTTL:   c.cfg.LockTTL,
		resultTTL: c.cfg.ResultTTL,
		emptyTTL:  c.cfg.EmptyResultTTL,
		probe: func(ctx context.Context, node domain.Node) (any, int, error) {
			reply, err := c.prober.ProbeChain(ctx, node, req.Payload, req.BlockchainID)
			if err != nil {
				return nil, 0, err
			}
			return reply.ChainID, reply.Bytes, nil
		},
		evaluate: func(outcomes []outcome) {
			for i := range outcomes {
				o := &outcomes[i]
				if o.err != nil {
					continue
				}
				reported, ok := o.value.(string)
				o.pass = ok && reported == req.ChainID
			}
		},
		mismatch: WrongChainSentinel,
		failureBytes: func(string) int {
			return len(WrongChainSentinel)
		},
		after: func(probed int, survivors []domain.Node) {
			if len(survivors) == 0 || len(survivors) >= probed {
				return
			}
			c.fireChallenge(req)
		},
	}

	return c.filter.run(ctx, req, spec)
}

// fireChallenge issues the consensus relay fire-and-forget: it detaches
// from the request context and its outcome never changes the
// already-computed survivor list.
func (c *ChainCheck) fireChallenge(req *Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ChallengeTimeout)
		defer cancel()

		if err := c.challenger.Challenge(ctx, req.Payload, req.BlockchainID); err != nil {
			c.log.Error("Consensus challenge failed",
				"request_id", req.RequestID,
				"blockchain_id", req.BlockchainID,
				"session_key", req.Session.Key,
				"error", err)
			return
		}
		c.log.Info("Consensus challenge dispatched",
			"request_id", req.RequestID,
			"blockchain_id", req.BlockchainID,
			"session_key", req.Session.Key)
	}()
}
