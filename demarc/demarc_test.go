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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pbicskei/ZeroTierOne/overlay"
)

type received struct {
	socket int64
	from   overlay.InetAddress
	data   []byte
}

func TestUDPLoopback(t *testing.T) {
	got := make(chan received, 1)
	rx := NewUDP(func(socket int64, from overlay.InetAddress, data []byte) {
		got <- received{socket: socket, from: from, data: append([]byte(nil), data...)}
	}, nil)
	defer rx.Close()

	rxSock, err := rx.Listen("127.0.0.1:0")
	require.NoError(t, err)

	tx := NewUDP(func(int64, overlay.InetAddress, []byte) {}, nil)
	defer tx.Close()
	txSock, err := tx.Listen("127.0.0.1:0")
	require.NoError(t, err)

	dest, err := overlay.ParseInetAddress(rx.LocalAddresses()[rxSock])
	require.NoError(t, err)

	require.True(t, tx.Send(txSock, dest, []byte("ping"), 0))

	select {
	case r := <-got:
		require.Equal(t, rxSock, r.socket)
		require.Equal(t, []byte("ping"), r.data)
		require.Equal(t, tx.LocalAddresses()[txSock], r.from.String())
	case <-time.After(5 * time.Second):
		t.Fatal("datagram not delivered")
	}
}

func TestUDPSendFallbackSocket(t *testing.T) {
	u := NewUDP(func(int64, overlay.InetAddress, []byte) {}, nil)
	defer u.Close()
	_, err := u.Listen("127.0.0.1:0")
	require.NoError(t, err)

	peer := NewUDP(func(int64, overlay.InetAddress, []byte) {}, nil)
	defer peer.Close()
	sock, err := peer.Listen("127.0.0.1:0")
	require.NoError(t, err)
	dest, err := overlay.ParseInetAddress(peer.LocalAddresses()[sock])
	require.NoError(t, err)

	// An unknown handle falls back to any family-compatible socket.
	require.True(t, u.Send(overlay.DemarcAnySocket, dest, []byte("x"), 0))

	require.False(t, u.Send(1, overlay.NilInetAddress, []byte("x"), 0))
}

func TestUDPSendWithoutSockets(t *testing.T) {
	u := NewUDP(func(int64, overlay.InetAddress, []byte) {}, nil)
	dest, err := overlay.ParseInetAddress("127.0.0.1:1")
	require.NoError(t, err)
	require.False(t, u.Send(overlay.DemarcAnySocket, dest, []byte("x"), 0))
}

func TestUDPCloseRejectsListen(t *testing.T) {
	u := NewUDP(func(int64, overlay.InetAddress, []byte) {}, nil)
	u.Close()
	_, err := u.Listen("127.0.0.1:0")
	require.Error(t, err)
}

func TestLoopbackTapQueue(t *testing.T) {
	mac := overlay.MAC{0x32, 1, 2, 3, 4, 5}
	tap := NewLoopbackTap(mac)
	require.Equal(t, mac, tap.MAC())
	require.Empty(t, tap.Poll())

	src := overlay.MAC{0x32, 9, 9, 9, 9, 9}
	payload := []byte{1, 2, 3}
	tap.Put(src, mac, 0x0800, payload)
	payload[0] = 0xff // tap must have taken a copy

	select {
	case <-tap.Notify():
	default:
		t.Fatal("notify channel should signal a waiting frame")
	}

	frames := tap.Poll()
	require.Len(t, frames, 1)
	require.Equal(t, Frame{
		From:      src,
		To:        mac,
		EtherType: 0x0800,
		Payload:   []byte{1, 2, 3},
	}, frames[0])

	require.Empty(t, tap.Poll())
}
