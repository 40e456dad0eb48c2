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

// Package demarc is the demarcation point between the overlay core and
// the physical network: it owns the UDP sockets, pumps inbound
// datagrams into the core, and puts outbound datagrams on the wire.
package demarc

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/pbicskei/ZeroTierOne/overlay"
)

// PacketHandler receives every inbound datagram.
type PacketHandler func(localSocket int64, from overlay.InetAddress, data []byte)

// maxDatagramSize is the read buffer size. Larger than any MTU the core
// will emit, so oversized garbage is truncated rather than fragmented
// reads invented.
const maxDatagramSize = 4096

// UDP is the datagram demarcation layer. Each bound socket gets a
// handle and a reader goroutine; the core addresses outbound traffic by
// handle or lets the layer pick with overlay.DemarcAnySocket.
type UDP struct {
	handler PacketHandler
	log     *logrus.Entry

	mu      sync.RWMutex
	socks   map[int64]*socket
	nextID  atomic.Int64
	closed  bool
	readers sync.WaitGroup
}

type socket struct {
	id   int64
	conn *net.UDPConn
	v6   bool
}

// NewUDP creates the layer. Bind sockets with Listen before use.
func NewUDP(handler PacketHandler, log *logrus.Entry) *UDP {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &UDP{
		handler: handler,
		log:     log,
		socks:   make(map[int64]*socket),
	}
}

// Listen binds a UDP socket on the given local address ("ip:port") and
// starts its reader. Returns the socket handle.
func (u *UDP) Listen(local string) (int64, error) {
	addr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return 0, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return 0, err
	}
	s := &socket{
		id:   u.nextID.Add(1),
		conn: conn,
		v6:   addr.IP != nil && addr.IP.To4() == nil,
	}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		conn.Close()
		return 0, net.ErrClosed
	}
	u.socks[s.id] = s
	u.mu.Unlock()

	u.readers.Add(1)
	go u.readLoop(s)
	u.log.WithFields(logrus.Fields{
		"socket": s.id,
		"local":  conn.LocalAddr(),
	}).Info("UDP socket listening")
	return s.id, nil
}

func (u *UDP) readLoop(s *socket) {
	defer u.readers.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			u.mu.RLock()
			closed := u.closed
			u.mu.RUnlock()
			if !closed {
				u.log.WithError(err).WithField("socket", s.id).Warn("UDP read failed")
			}
			return
		}
		u.handler(s.id, overlay.InetAddressFromUDP(from), buf[:n])
	}
}

// Send implements overlay.Demarc. It returns false when no socket can
// carry the datagram or the write fails.
func (u *UDP) Send(localSocket int64, remote overlay.InetAddress, data []byte, hint int) bool {
	if !remote.IsValid() {
		return false
	}
	u.mu.RLock()
	s := u.socks[localSocket]
	if s == nil {
		for _, cand := range u.socks {
			if cand.v6 == remote.Is6() {
				s = cand
				break
			}
			if s == nil {
				s = cand
			}
		}
	}
	u.mu.RUnlock()
	if s == nil {
		return false
	}
	n, err := s.conn.WriteToUDP(data, remote.UDPAddr())
	return err == nil && n == len(data)
}

// LocalAddresses returns the bound address of every live socket.
func (u *UDP) LocalAddresses() map[int64]string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[int64]string, len(u.socks))
	for id, s := range u.socks {
		out[id] = s.conn.LocalAddr().String()
	}
	return out
}

// Close shuts every socket and waits for the readers to drain.
func (u *UDP) Close() {
	u.mu.Lock()
	u.closed = true
	for _, s := range u.socks {
		s.conn.Close()
	}
	u.socks = make(map[int64]*socket)
	u.mu.Unlock()
	u.readers.Wait()
}
