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

// Package overlay implements the packet switching core of a peer-to-peer
// Ethernet overlay network: the topology directory of known peers and
// physical paths, the switch that moves encrypted frames between the local
// tap device and remote datagram endpoints, and the wire encodings they
// share.
package overlay

import (
	"errors"
	"time"
)

// Protocol constants. Wire-visible values must not change between releases.
const (
	// ProtoVersion is the overlay protocol version carried in HELLO.
	ProtoVersion = 5

	// AddressLength is the length of an overlay address in bytes (40 bits).
	AddressLength = 5

	// IdentityHashLength is the length of an identity public key hash (384 bits).
	IdentityHashLength = 48

	// PacketIDLength is the length of the random packet id / IV.
	PacketIDLength = 8

	// HeaderLength is the length of a packet header before the payload:
	// 8 byte id, 5 byte destination, 5 byte source, 1 byte flags/hops,
	// 1 byte verb.
	HeaderLength = PacketIDLength + AddressLength + AddressLength + 1 + 1

	// MACLength is the length of the authenticator trailing every packet.
	MACLength = 8

	// MinPacketLength is a packet header plus the trailing MAC with an
	// empty payload. Anything shorter cannot be a packet head.
	MinPacketLength = HeaderLength + MACLength

	// FragmentIndicatorIndex is the byte offset checked to distinguish a
	// fragment from a packet head. In a head this position is occupied by
	// the first byte of the source address, which can never be 0xff.
	FragmentIndicatorIndex = 13

	// FragmentIndicator is the sentinel value at FragmentIndicatorIndex.
	FragmentIndicator = 0xff

	// MinFragmentLength is the fragment framing with an empty payload:
	// 8 byte packet id, 5 byte destination, indicator, fragment counts,
	// hops.
	MinFragmentLength = 16

	// MaxPacketFragments caps the number of fragments per packet including
	// the head. The presence bitmask must fit in a uint16 and the per
	// fragment counts must fit in a nibble.
	MaxPacketFragments = 8

	// RelayMaxHops is the relay hop cap. Hops occupy the low three bits of
	// the flags byte.
	RelayMaxHops = 7

	// UDPDefaultPayloadMTU is the default datagram payload budget. Larger
	// packets are fragmented.
	UDPDefaultPayloadMTU = 1444

	// MaxConfigurablePaths bounds the trusted physical path table.
	MaxConfigurablePaths = 32

	// MulticastPropagationBreadth is the number of next hops a locally
	// originated multicast is sent to.
	MulticastPropagationBreadth = 4

	// MaxWhoisRetries bounds identity lookup retransmission.
	MaxWhoisRetries = 4
)

// Flags byte layout.
const (
	flagFragmented = 0x80 // more fragments follow this head
	flagEncrypted  = 0x40 // payload is enciphered with the peer crypt key
	hopsMask       = 0x07
)

// Verb byte layout. The high bit marks a compressed payload.
const (
	verbMask           = 0x1f
	verbFlagCompressed = 0x80
)

// Verb identifies the operation a packet carries.
type Verb uint8

const (
	VerbNop Verb = iota
	VerbHello
	VerbError
	VerbOK
	VerbWhois
	VerbRendezvous
	VerbFrame
	VerbMulticastFrame
	VerbMulticastLike
)

func (v Verb) String() string {
	switch v {
	case VerbNop:
		return "NOP"
	case VerbHello:
		return "HELLO"
	case VerbError:
		return "ERROR"
	case VerbOK:
		return "OK"
	case VerbWhois:
		return "WHOIS"
	case VerbRendezvous:
		return "RENDEZVOUS"
	case VerbFrame:
		return "FRAME"
	case VerbMulticastFrame:
		return "MULTICAST_FRAME"
	case VerbMulticastLike:
		return "MULTICAST_LIKE"
	default:
		return "UNKNOWN"
	}
}

// Error codes carried in ERROR packets.
const (
	ErrorCodeNone         = 0
	ErrorCodeObjNotFound  = 1
	ErrorCodeUnsupported  = 2
	ErrorCodeBadProtoVers = 3
)

// Timing constants. All in-core timestamps are milliseconds since the Unix
// epoch, carried as int64 the way the demarcation layer reports them.
const (
	// WhoisRetryDelay is the wait between WHOIS retransmissions.
	WhoisRetryDelay = 500 * time.Millisecond

	// TransmitQueueTimeout drops parked outbound packets whose destination
	// never resolved.
	TransmitQueueTimeout = 5 * time.Second

	// ReceiveQueueTimeout drops parked inbound packets whose source
	// identity never resolved.
	ReceiveQueueTimeout = 2500 * time.Millisecond

	// FragmentedPacketReceiveTimeout purges incomplete fragment sets.
	FragmentedPacketReceiveTimeout = time.Second

	// MinUniteInterval throttles rendezvous attempts per peer pair.
	MinUniteInterval = 30 * time.Second

	// PathActivityTimeout is how long after the last inbound datagram a
	// direct path still counts as active.
	PathActivityTimeout = 45 * time.Second

	// PathExpiration is how long an unused path object is kept around.
	PathExpiration = 2 * time.Minute

	// RootRankInterval is the cadence for re-sorting roots by latency
	// inside DoPeriodicTasks.
	RootRankInterval = time.Minute

	// timerTaskFloor is the minimum delay DoTimerTasks may report.
	timerTaskFloor = 10 * time.Millisecond
)

// EtherTypes the switch will carry. Everything else is a policy drop.
const (
	EtherTypeARP  = 0x0806
	EtherTypeIPv4 = 0x0800
	EtherTypeIPv6 = 0x86dd
)

// Error kinds surfaced by the core. Inbound parsing errors never escape
// OnRemotePacket; these are returned by constructors and outbound entry
// points.
var (
	ErrMalformedInput   = errors.New("overlay: malformed input")
	ErrUnreachablePeer  = errors.New("overlay: no path to peer and no root")
	ErrSendFailed       = errors.New("overlay: datagram send failed")
	ErrQueueTimeout     = errors.New("overlay: queued packet timed out")
	ErrPolicyDrop       = errors.New("overlay: dropped by policy")
	ErrInvalidParameter = errors.New("overlay: invalid parameter")
)

func millis(d time.Duration) int64 { return int64(d / time.Millisecond) }

// TimeNow returns the current time in milliseconds since the Unix epoch.
func TimeNow() int64 { return time.Now().UnixMilli() }
