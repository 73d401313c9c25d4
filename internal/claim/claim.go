// SPDX-License-Identifier: GPL-2.0-only

// Package claim provides the two ClaimOracle implementations C5 consumes:
// an in-memory Static set for tests and development, and a GRPCOracle that
// asks an external privileged claim helper over the standard gRPC
// health-checking protocol (SPEC_FULL.md §7).
package claim

import "sync"

// Static is an in-memory ClaimOracle for tests and development: a device
// identity is claimed once added, unclaimed once removed.
type Static struct {
	mu      sync.RWMutex
	claimed map[string]bool
}

// NewStatic constructs a Static oracle, optionally pre-claiming the given
// device identities.
func NewStatic(claimed ...string) *Static {
	s := &Static{claimed: make(map[string]bool)}
	for _, id := range claimed {
		s.claimed[id] = true
	}
	return s
}

func (s *Static) IsClaimed(deviceIdentity string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claimed[deviceIdentity]
}

// Claim marks deviceIdentity as claimed.
func (s *Static) Claim(deviceIdentity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed[deviceIdentity] = true
}

// Unclaim marks deviceIdentity as not claimed.
func (s *Static) Unclaim(deviceIdentity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, deviceIdentity)
}
