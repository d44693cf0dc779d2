package domain

// Node is the immutable identity of a service node within a session.
// PublicKey is the identity key for all caching and locking.
type Node struct {
	PublicKey     string `json:"public_key"`
	ServiceURL    string `json:"service_url"`
	ServiceDomain string `json:"service_domain"`
}

// Session is a time-bounded, externally derived set of service nodes
// assigned to an application. Key is stable for the session's lifetime.
type Session struct {
	Key   string `json:"key"`
	Nodes []Node `json:"nodes"`
}

// PublicKeys returns the node identities in session order.
func (s Session) PublicKeys() []string {
	keys := make([]string, len(s.Nodes))
	for i, n := range s.Nodes {
		keys[i] = n.PublicKey
	}
	return keys
}
