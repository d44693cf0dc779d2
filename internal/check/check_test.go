package check

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/nodegate/internal/core/domain"
)

// =============================================================================
// Stubs
// =============================================================================

// memStore is a map-backed cache/lock store with TTL bookkeeping.
type memStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	getErr  error
	setErr  error
}

type memEntry struct {
	value string
	ttl   time.Duration
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]memEntry)}
}

func (s *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", false, s.getErr
	}
	e, ok := s.entries[key]
	return e.value, ok, nil
}

func (s *memStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.entries[key] = memEntry{value: value, ttl: ttl}
	return nil
}

func (s *memStore) entry(key string) (memEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

func (s *memStore) findKey(prefix string) (string, memEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) {
			return k, e, true
		}
	}
	return "", memEntry{}, false
}

// lockErrStore fails reads of lock keys only; cache entries stay readable.
type lockErrStore struct {
	*memStore
	lockErr error
}

func (s *lockErrStore) Get(ctx context.Context, key string) (string, bool, error) {
	if strings.HasPrefix(key, "lock-") {
		return "", false, s.lockErr
	}
	return s.memStore.Get(ctx, key)
}

// memAllowances is a map-backed session allowance repo.
type memAllowances struct {
	mu      sync.Mutex
	removed map[string][]string
}

func newMemAllowances() *memAllowances {
	return &memAllowances{removed: make(map[string][]string)}
}

func (a *memAllowances) Removed(ctx context.Context, sessionKey string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.removed[sessionKey]), nil
}

func (a *memAllowances) Remove(ctx context.Context, sessionKey, publicKey string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if slices.Contains(a.removed[sessionKey], publicKey) {
		return nil
	}
	a.removed[sessionKey] = append(a.removed[sessionKey], publicKey)
	return nil
}

// countingSink records every MetricRecord it receives.
type countingSink struct {
	mu   sync.Mutex
	recs []domain.MetricRecord
}

func (s *countingSink) Record(ctx context.Context, rec domain.MetricRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *countingSink) records() []domain.MetricRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.recs)
}

// scriptedChainProber answers chain probes from a per-node script and
// counts invocations.
type scriptedChainProber struct {
	mu      sync.Mutex
	chains  map[string]string // public key -> reported chain id
	errs    map[string]error  // public key -> probe error
	probes  int
	latency time.Duration
}

func (p *scriptedChainProber) ProbeChain(ctx context.Context, node domain.Node, payload, blockchainID string) (ChainReply, error) {
	p.mu.Lock()
	p.probes++
	p.mu.Unlock()
	if p.latency > 0 {
		time.Sleep(p.latency)
	}
	if err, ok := p.errs[node.PublicKey]; ok {
		return ChainReply{}, err
	}
	return ChainReply{ChainID: p.chains[node.PublicKey], Bytes: 64}, nil
}

func (p *scriptedChainProber) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

// notifyChallenger signals every challenge through a channel.
type notifyChallenger struct {
	fired chan string // blockchain id per challenge
	err   error
}

func newNotifyChallenger() *notifyChallenger {
	return &notifyChallenger{fired: make(chan string, 8)}
}

func (c *notifyChallenger) Challenge(ctx context.Context, payload, blockchainID string) error {
	c.fired <- blockchainID
	return c.err
}

// =============================================================================
// Helpers
// =============================================================================

func testNodes(n int) []domain.Node {
	nodes := make([]domain.Node, n)
	for i := range nodes {
		nodes[i] = domain.Node{
			PublicKey:     fmt.Sprintf("node-%c", 'a'+i),
			ServiceURL:    fmt.Sprintf("https://%c.example.com", 'a'+i),
			ServiceDomain: fmt.Sprintf("%c.example.com", 'a'+i),
		}
	}
	return nodes
}

func chainRequest(nodes []domain.Node) *Request {
	return &Request{
		Nodes:         nodes,
		Payload:       `{"method":"eth_chainId"}`,
		BlockchainID:  "0021",
		ChainID:       "0x64",
		Session:       domain.Session{Key: "session-key-1", Nodes: nodes},
		RequestID:     "req-1",
		ApplicationID: "app-1",
		AppPublicKey:  "app-pub-1",
		Origin:        "test",
	}
}

type chainFixture struct {
	store      *memStore
	allowances *memAllowances
	sink       *countingSink
	prober     *scriptedChainProber
	challenger *notifyChallenger
	chain      *ChainCheck
}

func newChainFixture(prober *scriptedChainProber) *chainFixture {
	store := newMemStore()
	allowances := newMemAllowances()
	sink := &countingSink{}
	challenger := newNotifyChallenger()
	log := slog.New(slog.DiscardHandler)
	filter := NewFilter(store, allowances, sink, log)
	return &chainFixture{
		store:      store,
		allowances: allowances,
		sink:       sink,
		prober:     prober,
		challenger: challenger,
		chain:      NewChainCheck(filter, prober, challenger, DefaultChainConfig(), log),
	}
}

func (f *chainFixture) expectChallenge(t *testing.T) {
	t.Helper()
	select {
	case <-f.challenger.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a consensus challenge, none fired")
	}
}

func (f *chainFixture) expectNoChallenge(t *testing.T) {
	t.Helper()
	select {
	case <-f.challenger.fired:
		t.Fatal("unexpected consensus challenge")
	case <-time.After(100 * time.Millisecond):
	}
}

func allPassing(nodes []domain.Node, chainID string) *scriptedChainProber {
	chains := make(map[string]string, len(nodes))
	for _, n := range nodes {
		chains[n.PublicKey] = chainID
	}
	return &scriptedChainProber{chains: chains}
}

// =============================================================================
// Tests
// =============================================================================

// Scenario A: all 5 nodes report the expected chain, long TTL, no challenge.
func TestChainFilter_AllPass(t *testing.T) {
	nodes := testNodes(5)
	f := newChainFixture(allPassing(nodes, "0x64"))
	req := chainRequest(nodes)

	survivors, err := f.chain.Filter(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(survivors) != 5 {
		t.Fatalf("expected 5 survivors, got %d", len(survivors))
	}

	key := chainCacheKey(req.BlockchainID, nodes)
	entry, ok := f.store.entry(key)
	if !ok {
		t.Fatal("expected a cache entry after the round")
	}
	if entry.ttl != 600*time.Second {
		t.Errorf("expected 600s TTL, got %s", entry.ttl)
	}
	f.expectNoChallenge(t)
}

// Scenario B: 1 of 5 nodes reports a mismatched chain; challenge fires once.
func TestChainFilter_PartialFailure(t *testing.T) {
	nodes := testNodes(5)
	prober := allPassing(nodes, "0x64")
	prober.chains["node-c"] = "0x1"
	f := newChainFixture(prober)

	survivors, err := f.chain.Filter(context.Background(), chainRequest(nodes))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(survivors) != 4 {
		t.Fatalf("expected 4 survivors, got %d", len(survivors))
	}
	for _, n := range survivors {
		if n.PublicKey == "node-c" {
			t.Error("mismatched node should not survive")
		}
	}
	f.expectChallenge(t)
	f.expectNoChallenge(t) // exactly once
}

// Scenario C: a second call within the TTL window issues no extra probes.
func TestChainFilter_CacheIdempotence(t *testing.T) {
	nodes := testNodes(5)
	prober := allPassing(nodes, "0x64")
	f := newChainFixture(prober)
	req := chainRequest(nodes)

	first, err := f.chain.Filter(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	probesAfterFirst := prober.probeCount()
	if probesAfterFirst != 5 {
		t.Fatalf("expected 5 probes, got %d", probesAfterFirst)
	}

	second, err := f.chain.Filter(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prober.probeCount() != probesAfterFirst {
		t.Errorf("second call issued probes: %d -> %d", probesAfterFirst, prober.probeCount())
	}
	if !slices.Equal(publicKeys(first), publicKeys(second)) {
		t.Errorf("cached result differs: %v vs %v", publicKeys(first), publicKeys(second))
	}
}

// Scenario D: an over-allowance node is removed from the session for good.
func TestChainFilter_AllowanceRemoval(t *testing.T) {
	nodes := testNodes(5)
	prober := allPassing(nodes, "0x64")
	prober.errs = map[string]error{
		"node-b": &domain.ProbeError{Cause: domain.CauseAllowance, Node: "node-b"},
	}
	f := newChainFixture(prober)
	req := chainRequest(nodes)

	survivors, err := f.chain.Filter(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, n := range survivors {
		if n.PublicKey == "node-b" {
			t.Error("over-allowance node should not survive")
		}
	}

	removed, _ := f.allowances.Removed(context.Background(), req.Session.Key)
	if !slices.Contains(removed, "node-b") {
		t.Errorf("expected node-b on the allowance list, got %v", removed)
	}

	// Even after the cache is gone, the node stays excluded (monotonic).
	f.store.entries = make(map[string]memEntry)
	survivors, err = f.chain.Filter(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, n := range survivors {
		if n.PublicKey == "node-b" {
			t.Error("removed node resurfaced after cache refill")
		}
	}
}

func TestChainFilter_SubsetPreservesOrder(t *testing.T) {
	nodes := testNodes(6)
	prober := allPassing(nodes, "0x64")
	prober.chains["node-b"] = "0x1"
	prober.chains["node-e"] = "0x1"
	f := newChainFixture(prober)

	survivors, err := f.chain.Filter(context.Background(), chainRequest(nodes))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"node-a", "node-c", "node-d", "node-f"}
	if !slices.Equal(publicKeys(survivors), want) {
		t.Errorf("expected %v in input order, got %v", want, publicKeys(survivors))
	}
}

func TestChainFilter_LockFailsOpen(t *testing.T) {
	nodes := testNodes(3)
	prober := allPassing(nodes, "0x64")
	f := newChainFixture(prober)
	req := chainRequest(nodes)

	key := chainCacheKey(req.BlockchainID, nodes)
	if err := f.store.Set(context.Background(), "lock-"+key, "locked", time.Minute); err != nil {
		t.Fatal(err)
	}

	survivors, err := f.chain.Filter(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(survivors) != 3 {
		t.Errorf("expected the full unfiltered set, got %d nodes", len(survivors))
	}
	if prober.probeCount() != 0 {
		t.Errorf("locked round should not probe, issued %d probes", prober.probeCount())
	}
}

// A failing lock read is treated like a held lock: the round fails open to
// the full unfiltered set instead of probing or erroring.
func TestChainFilter_LockReadErrorFailsOpen(t *testing.T) {
	nodes := testNodes(3)
	prober := allPassing(nodes, "0x64")
	store := &lockErrStore{memStore: newMemStore(), lockErr: errors.New("connection refused")}
	allowances := newMemAllowances()
	sink := &countingSink{}
	challenger := newNotifyChallenger()
	log := slog.New(slog.DiscardHandler)
	filter := NewFilter(store, allowances, sink, log)
	chain := NewChainCheck(filter, prober, challenger, DefaultChainConfig(), log)

	survivors, err := chain.Filter(context.Background(), chainRequest(nodes))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(survivors) != 3 {
		t.Errorf("expected the full unfiltered set, got %d nodes", len(survivors))
	}
	if prober.probeCount() != 0 {
		t.Errorf("failed lock read should not probe, issued %d probes", prober.probeCount())
	}
}

func TestChainFilter_EmptyCacheEntryIsAuthoritative(t *testing.T) {
	nodes := testNodes(3)
	prober := allPassing(nodes, "0x64")
	f := newChainFixture(prober)
	req := chainRequest(nodes)

	key := chainCacheKey(req.BlockchainID, nodes)
	if err := f.store.Set(context.Background(), key, "[]", 30*time.Second); err != nil {
		t.Fatal(err)
	}

	survivors, err := f.chain.Filter(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(survivors) != 0 {
		t.Errorf("empty cached result must be honored, got %d survivors", len(survivors))
	}
	if prober.probeCount() != 0 {
		t.Errorf("cache hit should not probe, issued %d probes", prober.probeCount())
	}
}

func TestChainFilter_EmptyResultShortTTL(t *testing.T) {
	nodes := testNodes(3)
	f := newChainFixture(allPassing(nodes, "0x1")) // every node on the wrong chain
	req := chainRequest(nodes)

	survivors, err := f.chain.Filter(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(survivors) != 0 {
		t.Fatalf("expected no survivors, got %d", len(survivors))
	}

	entry, ok := f.store.entry(chainCacheKey(req.BlockchainID, nodes))
	if !ok {
		t.Fatal("expected an empty cache entry")
	}
	if entry.value != "[]" {
		t.Errorf("expected empty list entry, got %q", entry.value)
	}
	if entry.ttl != 30*time.Second {
		t.Errorf("expected 30s TTL for empty result, got %s", entry.ttl)
	}
	f.expectNoChallenge(t) // all nodes failed: nothing to reconcile against
}

func TestChainFilter_MalformedCacheEntryRefreshes(t *testing.T) {
	nodes := testNodes(3)
	prober := allPassing(nodes, "0x64")
	f := newChainFixture(prober)
	req := chainRequest(nodes)

	key := chainCacheKey(req.BlockchainID, nodes)
	if err := f.store.Set(context.Background(), key, "{not json", time.Minute); err != nil {
		t.Fatal(err)
	}

	survivors, err := f.chain.Filter(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(survivors) != 3 {
		t.Errorf("expected a fresh round after a malformed entry, got %d survivors", len(survivors))
	}
	if prober.probeCount() != 3 {
		t.Errorf("expected 3 probes, got %d", prober.probeCount())
	}
}

func TestChainFilter_StoreErrorPropagates(t *testing.T) {
	nodes := testNodes(3)
	f := newChainFixture(allPassing(nodes, "0x64"))
	f.store.getErr = errors.New("connection refused")

	_, err := f.chain.Filter(context.Background(), chainRequest(nodes))
	if err == nil {
		t.Fatal("expected a cache store error to propagate")
	}
}

func TestChainFilter_OneMetricPerOutcome(t *testing.T) {
	nodes := testNodes(4)
	prober := allPassing(nodes, "0x64")
	prober.chains["node-b"] = "0x1"
	prober.errs = map[string]error{
		"node-d": &domain.ProbeError{Cause: domain.CauseTransport, Node: "node-d", Err: errors.New("dial tcp: refused")},
	}
	f := newChainFixture(prober)

	if _, err := f.chain.Filter(context.Background(), chainRequest(nodes)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recs := f.sink.records()
	if len(recs) != 4 {
		t.Fatalf("expected 4 metric records, got %d", len(recs))
	}

	byNode := make(map[string]domain.MetricRecord, len(recs))
	for _, r := range recs {
		byNode[r.ServiceNode] = r
	}
	if r := byNode["node-a"]; !r.Delivered || r.ResultCode != domain.ResultOK {
		t.Errorf("node-a should be a delivered success, got %+v", r)
	}
	if r := byNode["node-b"]; r.Error != WrongChainSentinel || r.Bytes != len(WrongChainSentinel) {
		t.Errorf("wrong-chain record should carry the sentinel, got %+v", r)
	}
	if r := byNode["node-d"]; r.Delivered || r.Bytes != len(WrongChainSentinel) {
		t.Errorf("transport failure should use sentinel byte accounting, got %+v", r)
	}
}

func TestChainFilter_LockWrittenBeforeProbing(t *testing.T) {
	nodes := testNodes(2)
	f := newChainFixture(allPassing(nodes, "0x64"))
	req := chainRequest(nodes)

	if _, err := f.chain.Filter(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, entry, ok := f.store.findKey("lock-chain-check-")
	if !ok {
		t.Fatal("expected a lock entry")
	}
	if entry.ttl != 60*time.Second {
		t.Errorf("expected 60s lock TTL, got %s", entry.ttl)
	}
}

func TestChainFilter_SlowNodeDoesNotAbortBatch(t *testing.T) {
	nodes := testNodes(3)
	prober := allPassing(nodes, "0x64")
	prober.latency = 20 * time.Millisecond
	prober.errs = map[string]error{
		"node-a": &domain.ProbeError{Cause: domain.CauseTimeout, Node: "node-a", Err: context.DeadlineExceeded},
	}
	f := newChainFixture(prober)

	survivors, err := f.chain.Filter(context.Background(), chainRequest(nodes))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(survivors) != 2 {
		t.Errorf("expected the rest of the batch to settle, got %d survivors", len(survivors))
	}
}
