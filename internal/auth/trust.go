package auth

import (
	"slices"
	"sync"
)

// TrustList is the set of peer hostnames the operator has approved. Peers
// that knock while unapproved are remembered as pending so they can be
// listed and approved later.
//
// Safe for concurrent use.
type TrustList struct {
	mu       sync.Mutex
	trusted  map[string]struct{}
	pending  map[string]struct{}
	trustAll bool
}

// NewTrustList returns a list trusting hosts. With no hosts and trustAll set,
// every peer is accepted.
func NewTrustList(trustAll bool, hosts ...string) *TrustList {
	t := &TrustList{
		trusted:  make(map[string]struct{}, len(hosts)),
		pending:  make(map[string]struct{}),
		trustAll: trustAll,
	}
	for _, h := range hosts {
		t.trusted[h] = struct{}{}
	}
	return t
}

// Trusted reports whether hostname may connect. Unknown hosts are recorded
// as pending.
func (t *TrustList) Trusted(hostname string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.trustAll {
		return true
	}
	if _, ok := t.trusted[hostname]; ok {
		return true
	}
	t.pending[hostname] = struct{}{}
	return false
}

// Approve moves hostname to the trusted set.
func (t *TrustList) Approve(hostname string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, hostname)
	t.trusted[hostname] = struct{}{}
}

// Revoke removes hostname from the trusted set.
func (t *TrustList) Revoke(hostname string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.trusted, hostname)
}

// Pending returns the unapproved hostnames seen so far, sorted.
func (t *TrustList) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.pending))
	for h := range t.pending {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
