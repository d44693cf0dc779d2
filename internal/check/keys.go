package check

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"

	"github.com/vietddude/nodegate/internal/core/domain"
)

// Cache/lock key formats are an interop contract with coexisting gateway
// components and must be reproduced bit-exact.

// chainCacheKey builds the chain-check result key:
// "chain-check-" + sha256hex(blockchainID + sorted node public keys).
func chainCacheKey(blockchainID string, nodes []domain.Node) string {
	keys := make([]string, len(nodes))
	for i, n := range nodes {
		keys[i] = n.PublicKey
	}
	slices.Sort(keys)

	sum := sha256.Sum256([]byte(blockchainID + strings.Join(keys, "")))
	return string(domain.CheckKindChain) + "-" + hex.EncodeToString(sum[:])
}

// syncCacheKey builds the sync-check result key:
// blockchainID + "-" + sha256hex(JSON of nodes sorted by public key, with
// the public key field excluded from the hashed payload).
func syncCacheKey(blockchainID string, nodes []domain.Node) string {
	sorted := slices.Clone(nodes)
	slices.SortFunc(sorted, func(a, b domain.Node) int {
		return strings.Compare(a.PublicKey, b.PublicKey)
	})

	type hashedNode struct {
		ServiceURL    string `json:"service_url"`
		ServiceDomain string `json:"service_domain"`
	}
	stripped := make([]hashedNode, len(sorted))
	for i, n := range sorted {
		stripped[i] = hashedNode{ServiceURL: n.ServiceURL, ServiceDomain: n.ServiceDomain}
	}

	data, _ := json.Marshal(stripped)
	sum := sha256.Sum256(data)
	return blockchainID + "-" + hex.EncodeToString(sum[:])
}
