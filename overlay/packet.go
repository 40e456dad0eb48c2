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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"golang.org/x/crypto/chacha20"
)

// Packet is a full overlay packet: header, payload, and once armored, the
// trailing authenticator. It is a view over a byte slice so the switch can
// build and relay packets without copying.
//
// Layout:
//
//	[0:8]   packet id, also the cipher IV
//	[8:13]  destination address
//	[13:18] source address
//	[18]    flags/hops
//	[19]    verb
//	[20:]   payload, then the 8 byte MAC once armored
type Packet []byte

// NewPacket starts a packet with a random id and the given addressing.
// The verb is stored unset of its compressed flag.
func NewPacket(dest, source Address, verb Verb) (Packet, error) {
	p := make(Packet, HeaderLength, HeaderLength+64)
	if _, err := io.ReadFull(rand.Reader, p[:PacketIDLength]); err != nil {
		return nil, err
	}
	dest.PutTo(p[PacketIDLength:])
	source.PutTo(p[PacketIDLength+AddressLength:])
	p[flagsIndex] = 0
	p[verbIndex] = byte(verb) & verbMask
	return p, nil
}

const (
	destinationIndex = PacketIDLength
	sourceIndex      = PacketIDLength + AddressLength
	flagsIndex       = PacketIDLength + 2*AddressLength
	verbIndex        = flagsIndex + 1
)

// ID returns the 64-bit packet id.
func (p Packet) ID() uint64 { return binary.BigEndian.Uint64(p) }

// NewInitializationVector replaces the packet id with fresh random bytes.
// Re-propagated multicasts must be re-identified so loop suppression and
// encryption stay sound.
func (p Packet) NewInitializationVector() error {
	_, err := io.ReadFull(rand.Reader, p[:PacketIDLength])
	return err
}

// Destination returns the destination overlay address.
func (p Packet) Destination() Address {
	a, _ := AddressFromBytes(p[destinationIndex:])
	return a
}

// SetDestination rewrites the destination address.
func (p Packet) SetDestination(a Address) { a.PutTo(p[destinationIndex:]) }

// Source returns the source overlay address.
func (p Packet) Source() Address {
	a, _ := AddressFromBytes(p[sourceIndex:])
	return a
}

// Hops returns the relay hop count, 0 through RelayMaxHops.
func (p Packet) Hops() uint8 { return p[flagsIndex] & hopsMask }

// IncrementHops bumps the hop counter, saturating at the mask.
func (p Packet) IncrementHops() {
	if p[flagsIndex]&hopsMask < hopsMask {
		p[flagsIndex]++
	}
}

// Fragmented reports whether fragments follow this head.
func (p Packet) Fragmented() bool { return p[flagsIndex]&flagFragmented != 0 }

// SetFragmented sets or clears the fragmented flag.
func (p Packet) SetFragmented(f bool) {
	if f {
		p[flagsIndex] |= flagFragmented
	} else {
		p[flagsIndex] &^= flagFragmented
	}
}

// Encrypted reports whether the payload is enciphered.
func (p Packet) Encrypted() bool { return p[flagsIndex]&flagEncrypted != 0 }

// Verb returns the operation, without the compressed flag.
func (p Packet) Verb() Verb { return Verb(p[verbIndex] & verbMask) }

// Compressed reports whether the payload is snappy compressed.
func (p Packet) Compressed() bool { return p[verbIndex]&verbFlagCompressed != 0 }

// Payload returns the bytes after the header. After Armor this includes
// the trailing MAC.
func (p Packet) Payload() []byte { return p[HeaderLength:] }

// Append grows the payload.
func (p *Packet) Append(b ...byte) { *p = append(*p, b...) }

// Compress snappy-compresses the payload in place if that makes it
// smaller, setting the compressed verb flag. Small payloads are left
// alone.
func (p *Packet) Compress() {
	pkt := *p
	payload := pkt[HeaderLength:]
	if len(payload) < 32 || pkt[verbIndex]&verbFlagCompressed != 0 {
		return
	}
	c := snappy.Encode(nil, payload)
	if len(c) >= len(payload) {
		return
	}
	pkt = append(pkt[:HeaderLength], c...)
	pkt[verbIndex] |= verbFlagCompressed
	*p = pkt
}

// Uncompress expands a compressed payload in place and clears the flag.
// Uncompressed packets pass through unchanged.
func (p *Packet) Uncompress() error {
	pkt := *p
	if pkt[verbIndex]&verbFlagCompressed == 0 {
		return nil
	}
	d, err := snappy.Decode(nil, pkt[HeaderLength:])
	if err != nil {
		return ErrMalformedInput
	}
	pkt = append(pkt[:HeaderLength], d...)
	pkt[verbIndex] &^= verbFlagCompressed
	*p = pkt
	return nil
}

// cipherNonce builds the 12-byte stream cipher nonce from the packet id
// and the leading destination bytes. The id is never reused for the same
// pairwise key, so the nonce is unique per packet.
func (p Packet) cipherNonce() [chacha20.NonceSize]byte {
	var n [chacha20.NonceSize]byte
	copy(n[:], p[:PacketIDLength+4])
	return n
}

// Armor finalizes a packet for the wire: enciphers the payload under
// cryptKey if encrypt is set, then appends the truncated keyed MAC
// computed with the hop counter masked to zero so relays can increment it
// without breaking authentication.
func (p *Packet) Armor(cryptKey, macKey [32]byte, encrypt bool) error {
	pkt := *p
	if encrypt {
		nonce := pkt.cipherNonce()
		c, err := chacha20.NewUnauthenticatedCipher(cryptKey[:], nonce[:])
		if err != nil {
			return err
		}
		c.XORKeyStream(pkt[HeaderLength:], pkt[HeaderLength:])
		pkt[flagsIndex] |= flagEncrypted
	}
	mac := pkt.computeMAC(macKey)
	pkt = append(pkt, mac[:]...)
	*p = pkt
	return nil
}

// ArmorTrusted finalizes a packet for a trusted physical path: no
// encryption, and the MAC trailer instead carries the configured trusted
// path id so the receiver can check policy agreement.
func (p *Packet) ArmorTrusted(trustedPathID uint64) {
	pkt := *p
	pkt[flagsIndex] &^= flagEncrypted
	pkt = binary.BigEndian.AppendUint64(pkt, trustedPathID)
	*p = pkt
}

// Dearmor verifies the trailing MAC and deciphers the payload if the
// encrypted flag is set. It returns false on authentication failure,
// leaving the packet contents undefined.
func (p *Packet) Dearmor(cryptKey, macKey [32]byte) bool {
	pkt := *p
	if len(pkt) < MinPacketLength {
		return false
	}
	body := pkt[:len(pkt)-MACLength]
	want := body.computeMAC(macKey)
	got := pkt[len(pkt)-MACLength:]
	if subtle.ConstantTimeCompare(want[:], got) != 1 {
		return false
	}
	if body[flagsIndex]&flagEncrypted != 0 {
		nonce := body.cipherNonce()
		c, err := chacha20.NewUnauthenticatedCipher(cryptKey[:], nonce[:])
		if err != nil {
			return false
		}
		c.XORKeyStream(body[HeaderLength:], body[HeaderLength:])
		body[flagsIndex] &^= flagEncrypted
	}
	*p = body
	return true
}

// TrustedPathID reads the path id from the trailer of a packet received
// over a trusted physical path.
func (p Packet) TrustedPathID() uint64 {
	if len(p) < MinPacketLength {
		return 0
	}
	return binary.BigEndian.Uint64(p[len(p)-MACLength:])
}

// StripTrailer drops the 8 byte trailer after trusted-path acceptance.
func (p *Packet) StripTrailer() {
	pkt := *p
	*p = pkt[:len(pkt)-MACLength]
}

// computeMAC returns the truncated HMAC-SHA384 over the packet with the
// hop counter and the fragmented flag masked, since both mutate in
// flight: relays increment hops and chunking marks the head after armor.
func (p Packet) computeMAC(macKey [32]byte) [MACLength]byte {
	m := hmac.New(sha512.New384, macKey[:])
	m.Write(p[:flagsIndex])
	m.Write([]byte{p[flagsIndex] &^ (hopsMask | flagFragmented)})
	m.Write(p[verbIndex:])
	var out [MACLength]byte
	copy(out[:], m.Sum(nil))
	return out
}

// Fragment is a continuation chunk of a fragmented packet.
//
// Layout:
//
//	[0:8]   packet id of the head
//	[8:13]  destination address
//	[13]    0xff fragment indicator
//	[14]    fragment number << 4 | total fragments
//	[15]    hops
//	[16:]   payload slice
type Fragment []byte

// NewFragment frames one chunk of an armored packet. fragNo runs from 1
// since the head is fragment 0.
func NewFragment(armored Packet, start, length, fragNo, totalFragments int) Fragment {
	f := make(Fragment, 0, MinFragmentLength+length)
	f = append(f, armored[:PacketIDLength+AddressLength]...)
	f = append(f, FragmentIndicator)
	f = append(f, byte(fragNo<<4)|byte(totalFragments&0x0f))
	f = append(f, 0)
	f = append(f, armored[start:start+length]...)
	return f
}

// IsFragment reports whether a datagram is a fragment rather than a
// packet head. The indicator position falls inside the source address of
// a head, and 0xff is a reserved address prefix no node can hold.
func IsFragment(b []byte) bool {
	return len(b) > FragmentIndicatorIndex && b[FragmentIndicatorIndex] == FragmentIndicator
}

// PacketID returns the id of the packet this fragment belongs to.
func (f Fragment) PacketID() uint64 { return binary.BigEndian.Uint64(f) }

// Destination returns the destination overlay address.
func (f Fragment) Destination() Address {
	a, _ := AddressFromBytes(f[destinationIndex:])
	return a
}

// FragmentNumber returns this fragment's index, 1-based after the head.
func (f Fragment) FragmentNumber() int { return int(f[14] >> 4) }

// TotalFragments returns the advertised fragment count including the head.
func (f Fragment) TotalFragments() int { return int(f[14] & 0x0f) }

// Hops returns the relay hop count.
func (f Fragment) Hops() uint8 { return f[15] & hopsMask }

// IncrementHops bumps the hop counter, saturating at the mask.
func (f Fragment) IncrementHops() {
	if f[15]&hopsMask < hopsMask {
		f[15]++
	}
}

// Payload returns the carried slice of the armored packet.
func (f Fragment) Payload() []byte { return f[MinFragmentLength:] }

// ChunkPacket splits an armored packet into wire datagrams honoring mtu.
// The head datagram is the packet's first mtu bytes with the fragmented
// flag set; the rest of the bytes are framed as fragments. A packet that
// fits in mtu is returned alone, untouched.
func ChunkPacket(armored Packet, mtu int) (Packet, []Fragment, error) {
	if len(armored) <= mtu {
		return armored, nil, nil
	}
	remaining := len(armored) - mtu
	fragPayload := mtu - MinFragmentLength
	nfrags := remaining / fragPayload
	if remaining%fragPayload != 0 {
		nfrags++
	}
	if nfrags+1 > MaxPacketFragments {
		return nil, nil, ErrMalformedInput
	}
	armored.SetFragmented(true)
	frags := make([]Fragment, 0, nfrags)
	off := mtu
	for i := 1; i <= nfrags; i++ {
		n := len(armored) - off
		if n > fragPayload {
			n = fragPayload
		}
		frags = append(frags, NewFragment(armored, off, n, i, nfrags+1))
		off += n
	}
	return armored[:mtu], frags, nil
}
