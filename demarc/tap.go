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

package demarc

import (
	"sync"

	"github.com/pbicskei/ZeroTierOne/overlay"
)

// Frame is one Ethernet frame delivered to a tap.
type Frame struct {
	From, To  overlay.MAC
	EtherType uint16
	Payload   []byte
}

// LoopbackTap is a virtual Ethernet port backed by an in-process frame
// queue instead of a kernel device. Useful for daemons without tap
// drivers and for tests; a platform tap implementation satisfies the
// same overlay.Tap interface.
type LoopbackTap struct {
	mac overlay.MAC

	mu     sync.Mutex
	frames []Frame
	notify chan struct{}
}

// NewLoopbackTap builds a tap with the given port MAC.
func NewLoopbackTap(mac overlay.MAC) *LoopbackTap {
	return &LoopbackTap{mac: mac, notify: make(chan struct{}, 1)}
}

// MAC implements overlay.Tap.
func (t *LoopbackTap) MAC() overlay.MAC { return t.mac }

// Put implements overlay.Tap, queueing the frame for Poll.
func (t *LoopbackTap) Put(from, to overlay.MAC, etherType uint16, payload []byte) {
	t.mu.Lock()
	t.frames = append(t.frames, Frame{
		From:      from,
		To:        to,
		EtherType: etherType,
		Payload:   append([]byte(nil), payload...),
	})
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Poll drains the queued frames.
func (t *LoopbackTap) Poll() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.frames
	t.frames = nil
	return out
}

// Notify returns a channel that signals when frames are waiting.
func (t *LoopbackTap) Notify() <-chan struct{} { return t.notify }
