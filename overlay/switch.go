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
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Switch moves packets: inbound datagrams from the demarcation layer are
// authenticated and dispatched or relayed, and outbound Ethernet frames
// from local taps are wrapped, armored and sent. Packets whose peer is
// not yet known are parked while a WHOIS resolves the identity.
//
// All entry points are safe for concurrent use. Queue locks are leaves:
// no queue lock is held across a send or a topology call.
type Switch struct {
	topo        *Topology
	demarc      Demarc
	multicaster Multicaster
	dedup       *multicastDeduper
	log         *logrus.Entry

	// clock is stubbed in tests.
	clock func() int64

	networksMu sync.RWMutex
	networks   map[uint64]*Network

	txMu sync.Mutex
	txQueue []txQueueEntry

	rxMu sync.Mutex
	rxQueue []rxQueueEntry

	defragMu sync.Mutex
	defrag   map[uint64]*defragEntry

	whoisMu sync.Mutex
	whois   map[Address]*whoisRequest

	uniteDebounce *lru.Cache[unitePairKey, int64]
}

type txQueueEntry struct {
	since   int64
	dest    Address
	packet  Packet
	encrypt bool
}

type rxQueueEntry struct {
	since  int64
	source Address
	packet Packet
	path   *Path
}

type defragEntry struct {
	since          int64
	head           Packet
	frags          [MaxPacketFragments]Fragment
	haveFragments  uint16
	totalFragments int
}

type whoisRequest struct {
	since          int64
	lastSent       int64
	retries        int
	peersConsulted [MaxWhoisRetries]Address
}

type unitePairKey struct {
	a, b Address
}

// uniteKeyFor builds the order-independent key for a peer pair.
func uniteKeyFor(a, b Address) unitePairKey {
	if b < a {
		a, b = b, a
	}
	return unitePairKey{a: a, b: b}
}

// NewSwitch wires a switch to its topology and demarcation layer.
func NewSwitch(topo *Topology, demarc Demarc, log *logrus.Entry) *Switch {
	debounce, _ := lru.New[unitePairKey, int64](1024)
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Switch{
		topo:          topo,
		demarc:        demarc,
		multicaster:   NewMulticaster(),
		dedup:         newMulticastDeduper(),
		log:           log,
		clock:         TimeNow,
		networks:      make(map[uint64]*Network),
		defrag:        make(map[uint64]*defragEntry),
		whois:         make(map[Address]*whoisRequest),
		uniteDebounce: debounce,
	}
}

// Multicaster returns the switch's subscription directory.
func (s *Switch) Multicaster() Multicaster { return s.multicaster }

// AddNetwork joins a virtual network.
func (s *Switch) AddNetwork(n *Network) {
	s.networksMu.Lock()
	s.networks[n.ID()] = n
	s.networksMu.Unlock()
}

// RemoveNetwork leaves a virtual network.
func (s *Switch) RemoveNetwork(id uint64) {
	s.networksMu.Lock()
	delete(s.networks, id)
	s.networksMu.Unlock()
}

// Network returns a joined network, or nil.
func (s *Switch) Network(id uint64) *Network {
	s.networksMu.RLock()
	defer s.networksMu.RUnlock()
	return s.networks[id]
}

// OnRemotePacket is the inbound entry point from the demarcation layer.
// It never returns an error and never panics: malformed or unverifiable
// input is counted and dropped.
func (s *Switch) OnRemotePacket(localSocket int64, from InetAddress, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			packetErrors.Mark(1)
			s.log.WithField("from", from).WithField("panic", r).Error("Recovered from inbound packet handler")
		}
	}()
	now := s.clock()
	path := s.topo.PathTo(localSocket, from)
	path.Received(now)
	switch {
	case IsFragment(data):
		if len(data) < MinFragmentLength {
			packetDropsRunt.Mark(1)
			return
		}
		s.handleFragment(Fragment(data), path, now)
	case len(data) >= MinPacketLength:
		s.handlePacketHead(Packet(data), path, now)
	default:
		packetDropsRunt.Mark(1)
	}
}

// handleFragment relays or collects one continuation fragment.
func (s *Switch) handleFragment(frag Fragment, path *Path, now int64) {
	dest := frag.Destination()
	if dest != s.topo.Self().Address() {
		if frag.Hops() >= RelayMaxHops {
			packetDropsHops.Mark(1)
			return
		}
		frag.IncrementHops()
		s.forward(dest, 0, []byte(frag), now)
		return
	}

	fno, total := frag.FragmentNumber(), frag.TotalFragments()
	if fno < 1 || fno >= MaxPacketFragments || total > MaxPacketFragments || fno >= total {
		packetDropsInvalid.Mark(1)
		return
	}

	s.defragMu.Lock()
	e := s.defrag[frag.PacketID()]
	if e == nil {
		e = &defragEntry{since: now}
		s.defrag[frag.PacketID()] = e
	}
	e.frags[fno] = append(Fragment(nil), frag...)
	e.haveFragments |= 1 << uint(fno)
	e.totalFragments = total
	done := e.complete()
	if done {
		delete(s.defrag, frag.PacketID())
	}
	s.defragMu.Unlock()

	if done {
		s.handleAssembled(e, path, now)
	}
}

// complete reports whether the head and every advertised fragment are
// present. The head occupies bit zero.
func (e *defragEntry) complete() bool {
	if e.head == nil || e.totalFragments < 2 {
		return false
	}
	want := uint16(1)<<uint(e.totalFragments) - 1
	return e.haveFragments&want == want
}

// handleAssembled concatenates a completed fragment set and decodes it.
func (s *Switch) handleAssembled(e *defragEntry, path *Path, now int64) {
	whole := e.head
	for i := 1; i < e.totalFragments; i++ {
		whole = append(whole, e.frags[i].Payload()...)
	}
	whole.SetFragmented(false)
	s.tryDecode(whole, path, now)
}

// handlePacketHead relays or accepts a packet head.
func (s *Switch) handlePacketHead(pkt Packet, path *Path, now int64) {
	source := pkt.Source()
	dest := pkt.Destination()
	if source == s.topo.Self().Address() {
		// Our own packet reflected back, probably by a NAT.
		packetDropsInvalid.Mark(1)
		return
	}
	if dest != s.topo.Self().Address() {
		if pkt.Hops() >= RelayMaxHops {
			packetDropsHops.Mark(1)
			return
		}
		pkt.IncrementHops()
		if s.forward(dest, source, []byte(pkt), now) {
			s.Unite(source, dest, now)
		}
		return
	}

	if pkt.Fragmented() {
		id := pkt.ID()
		s.defragMu.Lock()
		e := s.defrag[id]
		if e == nil {
			e = &defragEntry{since: now}
			s.defrag[id] = e
		}
		e.head = append(Packet(nil), pkt...)
		e.haveFragments |= 1
		done := e.complete()
		if done {
			delete(s.defrag, id)
		}
		s.defragMu.Unlock()
		if done {
			s.handleAssembled(e, path, now)
		}
		return
	}
	s.tryDecode(pkt, path, now)
}

// forward relays raw datagram bytes toward dest: directly if we have an
// active path to the destination, otherwise through the best root that
// is not the packet's own source. Returns true if a direct relay was
// used, which is the precondition for attempting to unite the pair.
func (s *Switch) forward(dest, source Address, data []byte, now int64) bool {
	if peer := s.topo.Peer(dest); peer != nil {
		if path := peer.BestPath(now); path != nil {
			if s.demarc.Send(path.LocalSocket(), path.Address(), data, 0) {
				path.Sent(now)
				packetsRelayed.Mark(1)
				return true
			}
		}
	}
	root := s.topo.RootAvoiding(source)
	if root == nil || root.Address() == dest {
		packetDropsNoRoute.Mark(1)
		return false
	}
	if path := root.BestPath(now); path != nil {
		if s.demarc.Send(path.LocalSocket(), path.Address(), data, 0) {
			path.Sent(now)
			packetsRelayed.Mark(1)
		}
	}
	return false
}

// tryDecode authenticates a complete packet and dispatches its verb. If
// the source identity is unknown the packet is parked and a WHOIS is
// launched; HELLO is exempt since it carries its own identity.
func (s *Switch) tryDecode(pkt Packet, path *Path, now int64) {
	source := pkt.Source()

	if pkt.Verb() == VerbHello && !pkt.Encrypted() {
		s.handleHello(pkt, path, now)
		return
	}

	peer := s.topo.Peer(source)
	if peer == nil {
		s.rxMu.Lock()
		s.rxQueue = append(s.rxQueue, rxQueueEntry{
			since:  now,
			source: source,
			packet: append(Packet(nil), pkt...),
			path:   path,
		})
		s.rxMu.Unlock()
		s.RequestWhois(source, now)
		return
	}
	s.decodeVerified(pkt, peer, path, now)
}

// decodeVerified authenticates with the peer's keys, or accepts a
// trusted-path packet, then dispatches.
func (s *Switch) decodeVerified(pkt Packet, peer *Peer, path *Path, now int64) {
	ck, mk := peer.Keys()
	if !pkt.Encrypted() && s.topo.ShouldInboundPathBeTrusted(path.Address(), pkt.TrustedPathID()) {
		pkt.StripTrailer()
	} else if !pkt.Dearmor(ck, mk) {
		packetDropsAuth.Mark(1)
		s.log.WithFields(logrus.Fields{
			"peer": peer.Address(),
			"path": path,
		}).Debug("Dropped packet failing authentication")
		return
	}
	if err := pkt.Uncompress(); err != nil {
		packetDropsInvalid.Mark(1)
		return
	}
	peer.LearnPath(path, now)
	packetsReceived.Mark(1)
	s.dispatch(pkt, peer, path, now)
}

// Send armors and transmits an outbound packet built by the core. If the
// destination identity is unknown the packet is parked and a WHOIS is
// launched.
func (s *Switch) Send(pkt Packet, encrypt bool, now int64) error {
	dest := pkt.Destination()
	if dest == s.topo.Self().Address() {
		return ErrInvalidParameter
	}
	peer := s.topo.Peer(dest)
	if peer == nil {
		s.txMu.Lock()
		s.txQueue = append(s.txQueue, txQueueEntry{
			since:   now,
			dest:    dest,
			packet:  pkt,
			encrypt: encrypt,
		})
		s.txMu.Unlock()
		s.RequestWhois(dest, now)
		return nil
	}
	return s.trySend(pkt, peer, encrypt, now)
}

// trySend armors for the destination peer and transmits directly or via
// a root. Packets larger than the payload MTU are chunked after armor.
func (s *Switch) trySend(pkt Packet, peer *Peer, encrypt bool, now int64) error {
	viaPath := peer.BestPath(now)
	if viaPath == nil {
		root := s.topo.RootAvoiding(peer.Address())
		if root == nil {
			packetDropsNoRoute.Mark(1)
			return ErrUnreachablePeer
		}
		viaPath = root.BestPath(now)
		if viaPath == nil {
			packetDropsNoRoute.Mark(1)
			return ErrUnreachablePeer
		}
	}

	ck, mk := peer.Keys()
	mtu, tpid := s.topo.GetOutboundPathInfo(viaPath.Address())
	if tpid != 0 {
		pkt.ArmorTrusted(tpid)
	} else if err := pkt.Armor(ck, mk, encrypt); err != nil {
		return err
	}

	head, frags, err := ChunkPacket(pkt, mtu)
	if err != nil {
		return err
	}
	if !s.demarc.Send(viaPath.LocalSocket(), viaPath.Address(), head, 0) {
		packetSendFailures.Mark(1)
		return ErrSendFailed
	}
	for _, f := range frags {
		if !s.demarc.Send(viaPath.LocalSocket(), viaPath.Address(), f, 0) {
			packetSendFailures.Mark(1)
			return ErrSendFailed
		}
	}
	viaPath.Sent(now)
	peer.Use(now)
	packetsSent.Mark(1)
	return nil
}

// Unite introduces two peers that are currently relaying through us by
// sending each a RENDEZVOUS naming the other's physical address.
// Attempts per pair are rate limited.
func (s *Switch) Unite(a, b Address, now int64) {
	key := uniteKeyFor(a, b)
	if last, ok := s.uniteDebounce.Get(key); ok && now-last < millis(MinUniteInterval) {
		return
	}
	s.uniteDebounce.Add(key, now)

	pa, pb := s.topo.Peer(a), s.topo.Peer(b)
	if pa == nil || pb == nil {
		return
	}
	addrA, addrB := pa.FindCommonGround(pb, now)
	if !addrA.IsValid() || !addrB.IsValid() {
		return
	}
	s.log.WithFields(logrus.Fields{
		"a": a, "b": b,
	}).Debug("Sending rendezvous introductions")
	s.sendRendezvous(pa, b, addrB, now)
	s.sendRendezvous(pb, a, addrA, now)
	rendezvousSent.Mark(2)
}

// sendRendezvous tells to that it should try reaching with at addr.
func (s *Switch) sendRendezvous(to *Peer, with Address, addr InetAddress, now int64) {
	pkt, err := NewPacket(to.Address(), s.topo.Self().Address(), VerbRendezvous)
	if err != nil {
		return
	}
	pkt.Append(0)
	pkt = append(pkt, with.Bytes()...)
	pkt = binary.BigEndian.AppendUint16(pkt, addr.Port())
	ip := addr.IPBytes()
	pkt.Append(byte(len(ip)))
	pkt = append(pkt, ip...)
	_ = s.trySend(pkt, to, true, now)
}

// RequestWhois asks a root for an unknown identity, tracking retries so
// DoTimerTasks can retransmit to other roots.
func (s *Switch) RequestWhois(addr Address, now int64) {
	s.whoisMu.Lock()
	if _, outstanding := s.whois[addr]; outstanding {
		s.whoisMu.Unlock()
		return
	}
	req := &whoisRequest{since: now, lastSent: now}
	s.whois[addr] = req
	s.whoisMu.Unlock()
	s.sendWhoisRequest(addr, req, now)
}

// sendWhoisRequest transmits one WHOIS to the best root not yet
// consulted for this request.
func (s *Switch) sendWhoisRequest(addr Address, req *whoisRequest, now int64) {
	root := s.topo.Root()
	for i := 0; i < req.retries; i++ {
		if root != nil && req.peersConsulted[i] == root.Address() {
			root = s.topo.RootAvoiding(root.Address())
		}
	}
	if root == nil {
		whoisFailures.Mark(1)
		return
	}
	if req.retries < len(req.peersConsulted) {
		req.peersConsulted[req.retries] = root.Address()
	}
	pkt, err := NewPacket(root.Address(), s.topo.Self().Address(), VerbWhois)
	if err != nil {
		return
	}
	pkt = append(pkt, addr.Bytes()...)
	whoisSent.Mark(1)
	_ = s.trySend(pkt, root, true, now)
}

// DoAnythingWaitingForPeer drains every parked packet whose identity
// just resolved: queued inbound packets are decoded and queued outbound
// packets are sent.
func (s *Switch) DoAnythingWaitingForPeer(peer *Peer, now int64) {
	addr := peer.Address()

	s.whoisMu.Lock()
	delete(s.whois, addr)
	s.whoisMu.Unlock()

	s.rxMu.Lock()
	var rx []rxQueueEntry
	keep := s.rxQueue[:0]
	for _, e := range s.rxQueue {
		if e.source == addr {
			rx = append(rx, e)
		} else {
			keep = append(keep, e)
		}
	}
	s.rxQueue = keep
	s.rxMu.Unlock()
	for _, e := range rx {
		s.decodeVerified(e.packet, peer, e.path, now)
	}

	s.txMu.Lock()
	var tx []txQueueEntry
	keep2 := s.txQueue[:0]
	for _, e := range s.txQueue {
		if e.dest == addr {
			tx = append(tx, e)
		} else {
			keep2 = append(keep2, e)
		}
	}
	s.txQueue = keep2
	s.txMu.Unlock()
	for _, e := range tx {
		_ = s.trySend(e.packet, peer, e.encrypt, now)
	}
}

// DoTimerTasks expires the parked queues, retries outstanding WHOIS
// requests, and returns how long the caller may sleep before calling
// again.
func (s *Switch) DoTimerTasks(now int64) time.Duration {
	next := millis(time.Minute)

	s.defragMu.Lock()
	for id, e := range s.defrag {
		if now-e.since > millis(FragmentedPacketReceiveTimeout) {
			delete(s.defrag, id)
			packetDropsTimeout.Mark(1)
		} else if d := e.since + millis(FragmentedPacketReceiveTimeout) - now; d < next {
			next = d
		}
	}
	s.defragMu.Unlock()

	s.rxMu.Lock()
	keepRx := s.rxQueue[:0]
	for _, e := range s.rxQueue {
		if now-e.since > millis(ReceiveQueueTimeout) {
			packetDropsTimeout.Mark(1)
			continue
		}
		if d := e.since + millis(ReceiveQueueTimeout) - now; d < next {
			next = d
		}
		keepRx = append(keepRx, e)
	}
	s.rxQueue = keepRx
	s.rxMu.Unlock()

	s.txMu.Lock()
	keepTx := s.txQueue[:0]
	for _, e := range s.txQueue {
		if now-e.since > millis(TransmitQueueTimeout) {
			packetDropsTimeout.Mark(1)
			continue
		}
		if d := e.since + millis(TransmitQueueTimeout) - now; d < next {
			next = d
		}
		keepTx = append(keepTx, e)
	}
	s.txQueue = keepTx
	s.txMu.Unlock()

	type retry struct {
		addr Address
		req  *whoisRequest
	}
	var retries []retry
	s.whoisMu.Lock()
	for addr, req := range s.whois {
		if now-req.lastSent < millis(WhoisRetryDelay) {
			if d := req.lastSent + millis(WhoisRetryDelay) - now; d < next {
				next = d
			}
			continue
		}
		req.retries++
		if req.retries >= MaxWhoisRetries {
			delete(s.whois, addr)
			whoisFailures.Mark(1)
			continue
		}
		req.lastSent = now
		retries = append(retries, retry{addr: addr, req: req})
		if millis(WhoisRetryDelay) < next {
			next = millis(WhoisRetryDelay)
		}
	}
	s.whoisMu.Unlock()
	for _, r := range retries {
		s.sendWhoisRequest(r.addr, r.req, now)
	}

	if next < millis(timerTaskFloor) {
		next = millis(timerTaskFloor)
	}
	return time.Duration(next) * time.Millisecond
}

// SendHello announces our identity to a known peer.
func (s *Switch) SendHello(peer *Peer, now int64) error {
	pkt, err := s.buildHello(peer.Address(), now)
	if err != nil {
		return err
	}
	return s.trySend(pkt, peer, false, now)
}

// SendHelloToEndpoint announces our identity to a physical address where
// no verified peer exists yet, such as a configured root seed or a
// rendezvous target. HELLO is sent in the clear and authenticated by the
// identity it carries.
func (s *Switch) SendHelloToEndpoint(dest Address, localSocket int64, addr InetAddress, now int64) error {
	pkt, err := s.buildHello(dest, now)
	if err != nil {
		return err
	}
	// No pairwise keys yet. HELLO integrity rides on identity
	// validation at the far end.
	var zero [32]byte
	if err := pkt.Armor(zero, zero, false); err != nil {
		return err
	}
	if !s.demarc.Send(localSocket, addr, pkt, 0) {
		return ErrSendFailed
	}
	if path := s.topo.PathTo(localSocket, addr); path != nil {
		path.Sent(now)
	}
	packetsSent.Mark(1)
	return nil
}

func (s *Switch) buildHello(dest Address, now int64) (Packet, error) {
	pkt, err := NewPacket(dest, s.topo.Self().Address(), VerbHello)
	if err != nil {
		return nil, err
	}
	pkt.Append(ProtoVersion)
	pkt = binary.BigEndian.AppendUint64(pkt, uint64(now))
	pkt = s.topo.Self().AppendTo(pkt)
	return pkt, nil
}

// AnnounceMulticastGroups re-announces every local subscription to the
// peers that need to know: roots, and members of the networks we have
// joined. Announcements are packed into as few MULTICAST_LIKE packets as
// fit the MTU.
func (s *Switch) AnnounceMulticastGroups(now int64) {
	type like struct {
		network uint64
		group   MulticastGroup
	}
	var likes []like
	s.networksMu.RLock()
	for id, n := range s.networks {
		for _, g := range n.SubscribedGroups() {
			likes = append(likes, like{network: id, group: g})
		}
	}
	s.networksMu.RUnlock()
	if len(likes) == 0 {
		return
	}

	const likeLen = 8 + 10
	s.topo.EachPeer(func(p *Peer) {
		if !s.topo.IsRoot(p.Address()) && !s.shareNetwork(p.Address()) {
			return
		}
		var pkt Packet
		flush := func() {
			if pkt != nil && len(pkt) > HeaderLength {
				_ = s.trySend(pkt, p, true, now)
			}
			pkt = nil
		}
		for _, l := range likes {
			if pkt != nil && len(pkt)+likeLen > UDPDefaultPayloadMTU-MACLength {
				flush()
			}
			if pkt == nil {
				np, err := NewPacket(p.Address(), s.topo.Self().Address(), VerbMulticastLike)
				if err != nil {
					return
				}
				pkt = np
			}
			pkt = binary.BigEndian.AppendUint64(pkt, l.network)
			pkt = l.group.AppendTo(pkt)
		}
		flush()
	})
}

// shareNetwork reports whether addr is allowed on any joined network.
func (s *Switch) shareNetwork(addr Address) bool {
	s.networksMu.RLock()
	defer s.networksMu.RUnlock()
	for _, n := range s.networks {
		if n.IsAllowed(addr) {
			return true
		}
	}
	return false
}

// OnLocalEthernet is the outbound entry point from a network tap. Frames
// are policy checked, wrapped in FRAME or MULTICAST_FRAME packets and
// sent into the overlay.
func (s *Switch) OnLocalEthernet(n *Network, from, to MAC, etherType uint16, payload []byte) error {
	now := s.clock()

	if from != n.Tap().MAC() && !n.BridgingAllowed() {
		framesDropped.Mark(1)
		return ErrPolicyDrop
	}
	switch etherType {
	case EtherTypeARP, EtherTypeIPv4, EtherTypeIPv6:
	default:
		framesDropped.Mark(1)
		return ErrPolicyDrop
	}

	if to.IsMulticast() {
		return s.sendLocalMulticast(n, from, to, etherType, payload, now)
	}

	dest := to.ToAddress()
	if dest == 0 {
		framesDropped.Mark(1)
		return ErrPolicyDrop
	}
	if dest == s.topo.Self().Address() {
		// Loopback straight to the tap.
		n.Tap().Put(from, to, etherType, payload)
		return nil
	}
	if !n.IsAllowed(dest) {
		framesDropped.Mark(1)
		return ErrPolicyDrop
	}

	pkt, err := NewPacket(dest, s.topo.Self().Address(), VerbFrame)
	if err != nil {
		return err
	}
	pkt = binary.BigEndian.AppendUint64(pkt, n.ID())
	pkt = binary.BigEndian.AppendUint16(pkt, etherType)
	pkt = append(pkt, payload...)
	pkt.Compress()
	framesSent.Mark(1)
	return s.Send(pkt, true, now)
}

// sendLocalMulticast fans a locally originated multicast frame out to up
// to MulticastPropagationBreadth subscribed members, each copy carrying
// a fresh packet id.
func (s *Switch) sendLocalMulticast(n *Network, from, to MAC, etherType uint16, payload []byte, now int64) error {
	group := MulticastGroup{MAC: to}
	if to.IsBroadcast() && etherType == EtherTypeARP && len(payload) >= 28 {
		if adi, ok := arpTargetADI(payload); ok {
			group.ADI = adi
		}
	}

	sig, err := s.topo.Self().Sign(multicastSigningDigest(n.ID(), s.topo.Self().Address(), group, etherType, payload))
	if err != nil {
		return err
	}

	hops := s.multicaster.NextHops(n.ID(), group, MulticastPropagationBreadth, s.topo.Self().Address())
	if len(hops) == 0 {
		// Nobody has announced interest. Hand it to a root so the
		// subscription directory there can spread it.
		if root := s.topo.Root(); root != nil {
			hops = []Address{root.Address()}
		}
	}
	for _, hop := range hops {
		pkt, err := NewPacket(hop, s.topo.Self().Address(), VerbMulticastFrame)
		if err != nil {
			return err
		}
		pkt = appendMulticastFrame(pkt, n.ID(), s.topo.Self().Address(), group, etherType, payload, sig)
		pkt.Compress()
		if err := s.Send(pkt, true, now); err != nil && err != ErrUnreachablePeer {
			return err
		}
	}
	multicastsSent.Mark(int64(len(hops)))
	return nil
}

// arpTargetADI extracts the ARP target IP from a 28-byte Ethernet ARP
// body for use as the broadcast group ADI. Returns false for non
// IPv4-over-Ethernet ARP layouts.
func arpTargetADI(arp []byte) (uint32, bool) {
	// Hardware type 1, protocol 0x0800, lengths 6 and 4.
	if arp[0] != 0 || arp[1] != 1 || arp[2] != 0x08 || arp[3] != 0 || arp[4] != 6 || arp[5] != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(arp[24:28]), true
}

// appendMulticastFrame appends the MULTICAST_FRAME payload: network id,
// originator, group, ethertype, frame length and bytes, signature length
// and bytes.
func appendMulticastFrame(pkt Packet, network uint64, origin Address, group MulticastGroup, etherType uint16, frame, sig []byte) Packet {
	pkt = binary.BigEndian.AppendUint64(pkt, network)
	pkt = origin.AppendTo(pkt)
	pkt = group.AppendTo(pkt)
	pkt = binary.BigEndian.AppendUint16(pkt, etherType)
	pkt = binary.BigEndian.AppendUint16(pkt, uint16(len(frame)))
	pkt = append(pkt, frame...)
	pkt = binary.BigEndian.AppendUint16(pkt, uint16(len(sig)))
	pkt = append(pkt, sig...)
	return pkt
}

// multicastSigningDigest builds the byte string a multicast originator
// signs: everything a re-propagating relay must not be able to alter.
func multicastSigningDigest(network uint64, origin Address, group MulticastGroup, etherType uint16, frame []byte) []byte {
	b := make([]byte, 0, 8+AddressLength+10+2+len(frame))
	b = binary.BigEndian.AppendUint64(b, network)
	b = origin.AppendTo(b)
	b = group.AppendTo(b)
	b = binary.BigEndian.AppendUint16(b, etherType)
	b = append(b, frame...)
	return b
}
