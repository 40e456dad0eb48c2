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
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/pbicskei/ZeroTierOne/netlist"
)

// dispatch routes an authenticated, uncompressed packet to its verb
// handler. Handler errors are counted and logged, never propagated: a
// bad packet from one peer must not disturb the switch.
func (s *Switch) dispatch(pkt Packet, peer *Peer, path *Path, now int64) {
	payload := pkt.Payload()
	switch pkt.Verb() {
	case VerbNop:
	case VerbHello:
		// A HELLO can arrive enciphered from an already known peer
		// re-announcing itself.
		s.parseHello(pkt, path, now)
	case VerbError:
		s.handleError(payload, peer)
	case VerbOK:
		s.handleOK(payload, peer, now)
	case VerbWhois:
		s.handleWhois(payload, peer, now)
	case VerbRendezvous:
		s.handleRendezvous(payload, peer, path, now)
	case VerbFrame:
		s.handleFrame(payload, peer)
	case VerbMulticastFrame:
		s.handleMulticastFrame(payload, peer, now)
	case VerbMulticastLike:
		s.handleMulticastLike(payload, peer, now)
	default:
		packetDropsInvalid.Mark(1)
		s.log.WithFields(logrus.Fields{
			"peer": peer.Address(),
			"verb": pkt.Verb(),
		}).Debug("Dropped packet with unknown verb")
	}
}

// handleHello is the pre-authentication entry for cleartext HELLO, the
// one verb that carries its own proof of identity.
func (s *Switch) handleHello(pkt Packet, path *Path, now int64) {
	if len(pkt) < MinPacketLength {
		packetDropsRunt.Mark(1)
		return
	}
	// The armor trailer is not checked for HELLO; the identity is.
	s.parseHello(pkt[:len(pkt)-MACLength], path, now)
}

func (s *Switch) parseHello(pkt Packet, path *Path, now int64) {
	payload := pkt.Payload()
	if len(payload) < 1+8+identityPublicLength {
		packetDropsRunt.Mark(1)
		return
	}
	protoVersion := payload[0]
	timestamp := binary.BigEndian.Uint64(payload[1:])
	id, _, err := UnmarshalIdentity(payload[9:])
	if err != nil || id.Address() != pkt.Source() {
		packetDropsInvalid.Mark(1)
		return
	}
	if id.Address() == s.topo.Self().Address() {
		packetDropsInvalid.Mark(1)
		return
	}

	have := s.topo.Peer(id.Address())
	if have != nil && have.Identity() != id.Public() {
		// Address collision with a different key set. First verified
		// identity wins.
		packetDropsInvalid.Mark(1)
		s.log.WithField("address", id.Address()).Warn("Dropped HELLO claiming occupied address")
		return
	}

	if protoVersion != ProtoVersion {
		s.sendErrorTo(id, pkt.Verb(), ErrorCodeBadProtoVers, path, now)
		return
	}

	peer, err := NewPeer(s.topo.Self(), id)
	if err != nil {
		return
	}
	peer = s.topo.Add(peer)
	peer.LearnPath(path, now)
	helloReceived.Mark(1)

	ok, err := NewPacket(id.Address(), s.topo.Self().Address(), VerbOK)
	if err != nil {
		return
	}
	ok.Append(byte(VerbHello))
	ok = binary.BigEndian.AppendUint64(ok, timestamp)
	ok.Append(ProtoVersion)
	_ = s.trySend(ok, peer, true, now)
	if have == nil {
		// First contact: the sender may not know our identity and so
		// cannot open the OK. Greet it in turn so it learns us too.
		_ = s.SendHello(peer, now)
	}

	s.DoAnythingWaitingForPeer(peer, now)
}

// sendErrorTo replies with an ERROR before a peer relationship exists,
// armoring with freshly agreed keys.
func (s *Switch) sendErrorTo(id Identity, inRe Verb, code uint8, path *Path, now int64) {
	peer, err := NewPeer(s.topo.Self(), id)
	if err != nil {
		return
	}
	pkt, err := NewPacket(id.Address(), s.topo.Self().Address(), VerbError)
	if err != nil {
		return
	}
	pkt.Append(byte(inRe), code)
	ck, mk := peer.Keys()
	if err := pkt.Armor(ck, mk, true); err != nil {
		return
	}
	if s.demarc.Send(path.LocalSocket(), path.Address(), pkt, 0) {
		path.Sent(now)
	}
}

func (s *Switch) handleError(payload []byte, peer *Peer) {
	if len(payload) < 2 {
		packetDropsRunt.Mark(1)
		return
	}
	s.log.WithFields(logrus.Fields{
		"peer": peer.Address(),
		"inRe": Verb(payload[0]),
		"code": payload[1],
	}).Debug("Received ERROR")
}

func (s *Switch) handleOK(payload []byte, peer *Peer, now int64) {
	if len(payload) < 1 {
		packetDropsRunt.Mark(1)
		return
	}
	switch Verb(payload[0]) {
	case VerbHello:
		if len(payload) < 1+8+1 {
			packetDropsRunt.Mark(1)
			return
		}
		sentAt := int64(binary.BigEndian.Uint64(payload[1:]))
		if rtt := now - sentAt; rtt >= 0 {
			peer.RecordLatency(rtt)
		}
	case VerbWhois:
		id, _, err := UnmarshalIdentity(payload[1:])
		if err != nil {
			packetDropsInvalid.Mark(1)
			return
		}
		if id.Address() == s.topo.Self().Address() {
			return
		}
		if have := s.topo.Peer(id.Address()); have != nil {
			s.DoAnythingWaitingForPeer(have, now)
			return
		}
		np, err := NewPeer(s.topo.Self(), id)
		if err != nil {
			return
		}
		np = s.topo.Add(np)
		whoisResolved.Mark(1)
		s.DoAnythingWaitingForPeer(np, now)
	}
}

// handleWhois answers identity lookups from the local directory. Each
// 5-byte address in the payload gets an OK(WHOIS) or an ERROR.
func (s *Switch) handleWhois(payload []byte, peer *Peer, now int64) {
	for len(payload) >= AddressLength {
		addr, _ := AddressFromBytes(payload)
		payload = payload[AddressLength:]
		if target := s.topo.Peer(addr); target != nil {
			ok, err := NewPacket(peer.Address(), s.topo.Self().Address(), VerbOK)
			if err != nil {
				return
			}
			ok.Append(byte(VerbWhois))
			ok = target.Identity().AppendTo(ok)
			_ = s.trySend(ok, peer, true, now)
		} else {
			er, err := NewPacket(peer.Address(), s.topo.Self().Address(), VerbError)
			if err != nil {
				return
			}
			er.Append(byte(VerbWhois), ErrorCodeObjNotFound)
			er = addr.AppendTo(er)
			_ = s.trySend(er, peer, true, now)
		}
	}
}

// handleRendezvous acts on an introduction: if it comes from a root and
// names a peer other than us or the root, fire a HELLO at the advertised
// physical address to punch a path, provided that address passes the
// relay-IP rules.
func (s *Switch) handleRendezvous(payload []byte, peer *Peer, path *Path, now int64) {
	if !s.topo.IsRoot(peer.Address()) {
		// Introductions are only honored from our upstream.
		packetDropsInvalid.Mark(1)
		return
	}
	if len(payload) < 1+AddressLength+2+1 {
		packetDropsRunt.Mark(1)
		return
	}
	with, _ := AddressFromBytes(payload[1:])
	port := binary.BigEndian.Uint16(payload[1+AddressLength:])
	ipLen := int(payload[1+AddressLength+2])
	rest := payload[1+AddressLength+3:]
	if (ipLen != 4 && ipLen != 16) || len(rest) < ipLen {
		packetDropsInvalid.Mark(1)
		return
	}
	var ip netip.Addr
	if ipLen == 4 {
		var b [4]byte
		copy(b[:], rest)
		ip = netip.AddrFrom4(b)
	} else {
		var b [16]byte
		copy(b[:], rest)
		ip = netip.AddrFrom16(b)
	}
	if with == s.topo.Self().Address() || with == peer.Address() {
		return
	}
	target := InetAddressFrom(ip, port)
	if err := netlist.CheckRelayIP(path.Address().Addr(), ip); err != nil {
		packetDropsInvalid.Mark(1)
		s.log.WithFields(logrus.Fields{
			"with":   with,
			"target": target,
			"reason": err,
		}).Debug("Ignored rendezvous to unroutable address")
		return
	}
	rendezvousReceived.Mark(1)
	_ = s.SendHelloToEndpoint(with, path.LocalSocket(), target, now)
}

// handleFrame delivers a unicast Ethernet frame to its network tap.
func (s *Switch) handleFrame(payload []byte, peer *Peer) {
	if len(payload) < 8+2 {
		packetDropsRunt.Mark(1)
		return
	}
	network := binary.BigEndian.Uint64(payload)
	etherType := binary.BigEndian.Uint16(payload[8:])
	frame := payload[10:]

	n := s.Network(network)
	if n == nil {
		framesDropped.Mark(1)
		return
	}
	if !n.IsAllowed(peer.Address()) {
		framesDropped.Mark(1)
		s.log.WithFields(logrus.Fields{
			"peer":    peer.Address(),
			"network": network,
		}).Debug("Dropped frame from peer not on network")
		return
	}
	switch etherType {
	case EtherTypeARP, EtherTypeIPv4, EtherTypeIPv6:
	default:
		framesDropped.Mark(1)
		return
	}
	framesReceived.Mark(1)
	n.Tap().Put(MACFromAddress(peer.Address()), n.Tap().MAC(), etherType, frame)
}

// handleMulticastFrame verifies, delivers and re-propagates a multicast
// frame. The originator's signature covers everything a relay could
// forge; the deterministic signature prefix doubles as the loop
// suppression key.
func (s *Switch) handleMulticastFrame(payload []byte, sender *Peer, now int64) {
	if len(payload) < 8+AddressLength+10+2+2 {
		packetDropsRunt.Mark(1)
		return
	}
	p := 0
	network := binary.BigEndian.Uint64(payload)
	p += 8
	origin, _ := AddressFromBytes(payload[p:])
	p += AddressLength
	group, err := UnmarshalMulticastGroup(payload[p:])
	if err != nil {
		packetDropsInvalid.Mark(1)
		return
	}
	p += 10
	etherType := binary.BigEndian.Uint16(payload[p:])
	p += 2
	frameLen := int(binary.BigEndian.Uint16(payload[p:]))
	p += 2
	if len(payload) < p+frameLen+2 {
		packetDropsRunt.Mark(1)
		return
	}
	frame := payload[p : p+frameLen]
	p += frameLen
	sigLen := int(binary.BigEndian.Uint16(payload[p:]))
	p += 2
	if len(payload) < p+sigLen || sigLen < 8 {
		packetDropsRunt.Mark(1)
		return
	}
	sig := payload[p : p+sigLen]

	n := s.Network(network)
	if n == nil || !n.IsAllowed(sender.Address()) || !n.IsAllowed(origin) {
		framesDropped.Mark(1)
		return
	}
	if origin == s.topo.Self().Address() {
		return
	}

	if s.dedup.Check(binary.BigEndian.Uint64(sig), now) {
		return
	}

	originPeer := s.topo.Peer(origin)
	if originPeer == nil {
		// Without the originator's identity the signature cannot be
		// checked. Resolve it for next time.
		s.RequestWhois(origin, now)
		framesDropped.Mark(1)
		return
	}
	if !originPeer.Identity().Verify(multicastSigningDigest(network, origin, group, etherType, frame), sig) {
		packetDropsAuth.Mark(1)
		s.log.WithFields(logrus.Fields{
			"origin":  origin,
			"network": network,
		}).Debug("Dropped multicast frame with bad signature")
		return
	}

	multicastsReceived.Mark(1)
	if n.Subscribed(group) {
		n.Tap().Put(MACFromAddress(origin), group.MAC, etherType, append([]byte(nil), frame...))
	}

	hops := s.multicaster.NextHops(network, group, MulticastPropagationBreadth,
		origin, sender.Address(), s.topo.Self().Address())
	for _, hop := range hops {
		pkt, err := NewPacket(hop, s.topo.Self().Address(), VerbMulticastFrame)
		if err != nil {
			return
		}
		pkt = appendMulticastFrame(pkt, network, origin, group, etherType, frame, sig)
		pkt.Compress()
		_ = s.Send(pkt, true, now)
	}
}

// handleMulticastLike records membership claims: a run of 18-byte
// network id / group pairs.
func (s *Switch) handleMulticastLike(payload []byte, peer *Peer, now int64) {
	const likeLen = 8 + 10
	for len(payload) >= likeLen {
		network := binary.BigEndian.Uint64(payload)
		group, err := UnmarshalMulticastGroup(payload[8:])
		if err != nil {
			return
		}
		payload = payload[likeLen:]
		if n := s.Network(network); n != nil && n.IsAllowed(peer.Address()) {
			s.multicaster.Subscribe(now, network, group, peer.Address())
		}
	}
}
