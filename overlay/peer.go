// Copyright 2024 The ZeroTierOne Authors
// This file is part of the ZeroTierOne library.
//
// The ZeroTierOne library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ZeroTierOne library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ZeroTierOne library. If not, see <http://www.gnu.org/licenses/>.

package overlay

import (
	"sync"
)

// Peer is everything the core knows about one remote node: its verified
// identity, the session keys agreed with it, and the physical paths it
// has been heard on.
//
// The lock covers the path list and latency; the identity and keys are
// immutable after construction.
type Peer struct {
	identity Identity
	cryptKey [32]byte
	macKey   [32]byte
	probe    uint64

	mu       sync.Mutex
	paths    []*Path
	latency  int64
	lastUsed int64

	// dirty marks the peer for the next cache write-back.
	dirty bool
}

// NewPeer agrees session keys between the local identity and a verified
// remote identity.
func NewPeer(self Identity, remote Identity) (*Peer, error) {
	ck, mk, err := self.Agree(remote)
	if err != nil {
		return nil, err
	}
	return &Peer{
		identity: remote.Public(),
		cryptKey: ck,
		macKey:   mk,
		probe:    ProbeToken(mk),
		latency:  -1,
		dirty:    true,
	}, nil
}

// Identity returns the peer's public identity.
func (p *Peer) Identity() Identity { return p.identity }

// Address returns the peer's overlay address.
func (p *Peer) Address() Address { return p.identity.Address() }

// Keys returns the pairwise session keys.
func (p *Peer) Keys() (cryptKey, macKey [32]byte) { return p.cryptKey, p.macKey }

// Probe returns the 64-bit inbound probe token for this session.
func (p *Peer) Probe() uint64 { return p.probe }

// Latency returns the measured round trip in milliseconds, or -1 if
// never measured.
func (p *Peer) Latency() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// RecordLatency folds a new round trip sample into the estimate.
func (p *Peer) RecordLatency(rtt int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latency < 0 {
		p.latency = rtt
	} else {
		p.latency = (p.latency*3 + rtt) / 4
	}
	p.dirty = true
}

// LearnPath records that a datagram from this peer arrived on path,
// adopting the path if it is new.
func (p *Peer) LearnPath(path *Path, now int64) {
	path.Received(now)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastUsed = now
	for _, have := range p.paths {
		if have == path {
			return
		}
	}
	p.paths = append(p.paths, path)
	p.dirty = true
}

// BestPath returns the liveliest known path, preferring alive paths by
// most recent inbound activity, or nil if none is alive.
func (p *Peer) BestPath(now int64) *Path {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *Path
	for _, path := range p.paths {
		if !path.Alive(now) {
			continue
		}
		if best == nil || path.LastReceive() > best.LastReceive() {
			best = path
		}
	}
	return best
}

// HasActiveDirectPath reports whether any known path is alive.
func (p *Peer) HasActiveDirectPath(now int64) bool {
	return p.BestPath(now) != nil
}

// DirectPaths returns a snapshot of the peer's path list.
func (p *Peer) DirectPaths() []*Path {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Path, len(p.paths))
	copy(out, p.paths)
	return out
}

// PrunePaths drops paths whose canonical object has expired from the
// topology. keep reports whether a path is still canonical.
func (p *Peer) PrunePaths(keep func(*Path) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := p.paths[:0]
	for _, path := range p.paths {
		if keep(path) {
			live = append(live, path)
		}
	}
	for i := len(live); i < len(p.paths); i++ {
		p.paths[i] = nil
	}
	p.paths = live
}

// LastUsed returns when this peer last exchanged traffic.
func (p *Peer) LastUsed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

// Use records application traffic through this peer.
func (p *Peer) Use(now int64) {
	p.mu.Lock()
	p.lastUsed = now
	p.mu.Unlock()
}

// ConsumeDirty returns and clears the cache write-back flag.
func (p *Peer) ConsumeDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.dirty
	p.dirty = false
	return d
}

// FindCommonGround picks the address pair for a rendezvous between this
// peer and other: one address of each, matched by family so that both
// sides can reach the offered target. Returns nil addresses if no
// family-matched pair of alive paths exists.
func (p *Peer) FindCommonGround(other *Peer, now int64) (mine, theirs InetAddress) {
	for _, fam := range []func(InetAddress) bool{InetAddress.Is4, InetAddress.Is6} {
		a := bestPathOfFamily(p, fam, now)
		b := bestPathOfFamily(other, fam, now)
		if a != nil && b != nil {
			return a.Address(), b.Address()
		}
	}
	return NilInetAddress, NilInetAddress
}

func bestPathOfFamily(p *Peer, fam func(InetAddress) bool, now int64) *Path {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *Path
	for _, path := range p.paths {
		if !path.Alive(now) || !fam(path.Address()) {
			continue
		}
		if best == nil || path.LastReceive() > best.LastReceive() {
			best = path
		}
	}
	return best
}
