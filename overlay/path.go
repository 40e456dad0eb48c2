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
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Path is one known physical route to somewhere: a local socket and a
// remote datagram address. Paths are canonicalized by the topology so
// that every peer using the same route shares one Path and its activity
// clocks.
//
// All fields except the key pair are atomics; Path methods are safe to
// call without holding any topology lock.
type Path struct {
	localSocket int64
	addr        InetAddress

	lastSend    atomic.Int64
	lastReceive atomic.Int64
}

// NewPath builds a path for a local socket / remote address pair.
func NewPath(localSocket int64, addr InetAddress) *Path {
	return &Path{localSocket: localSocket, addr: addr}
}

// LocalSocket returns the demarcation layer's socket handle.
func (p *Path) LocalSocket() int64 { return p.localSocket }

// Address returns the remote physical address.
func (p *Path) Address() InetAddress { return p.addr }

// Sent records an outbound datagram on this path.
func (p *Path) Sent(now int64) { p.lastSend.Store(now) }

// Received records an inbound datagram on this path.
func (p *Path) Received(now int64) { p.lastReceive.Store(now) }

// LastSend returns the time of the most recent outbound datagram.
func (p *Path) LastSend() int64 { return p.lastSend.Load() }

// LastReceive returns the time of the most recent inbound datagram.
func (p *Path) LastReceive() int64 { return p.lastReceive.Load() }

// Alive reports whether the path has carried inbound traffic recently
// enough to count as a working route.
func (p *Path) Alive(now int64) bool {
	return now-p.lastReceive.Load() < millis(PathActivityTimeout)
}

// LastActivity returns the most recent of send and receive times, used
// for expiration.
func (p *Path) LastActivity() int64 {
	s, r := p.lastSend.Load(), p.lastReceive.Load()
	if s > r {
		return s
	}
	return r
}

func (p *Path) String() string {
	return fmt.Sprintf("%d/%s", p.localSocket, p.addr)
}

// matches reports whether the path is for exactly this local socket /
// remote address pair. Hash buckets may collide; this is the real
// equality test.
func (p *Path) matches(localSocket int64, addr InetAddress) bool {
	return p.localSocket == localSocket && p.addr == addr
}

// pathHasher buckets local socket / remote address pairs in the
// canonical path table. The hash selects a bucket only; entries within
// a bucket are compared by full equality.
type pathHasher func(localSocket int64, addr InetAddress) uint64

// saltedPathHasher is the standard hasher. The salt keeps untrusted
// input from probing the table layout.
func saltedPathHasher(salt uint64) pathHasher {
	return func(localSocket int64, addr InetAddress) uint64 {
		var b [36]byte
		binary.BigEndian.PutUint64(b[:], salt)
		binary.BigEndian.PutUint64(b[8:], uint64(localSocket))
		n := 16 + copy(b[16:], addr.IPBytes())
		binary.BigEndian.PutUint16(b[n:], addr.Port())
		return xxhash.Sum64(b[:n+2])
	}
}
