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
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// identityTypeC25519 is the only identity key type currently defined:
// ed25519 for signatures plus curve25519 for key agreement.
const identityTypeC25519 = 0

const (
	identityPublicLength = AddressLength + 1 + 32 + 32
	agreementInfoLabel   = "zt1/agree"
	probeInfoLabel       = "zt1/probe"
)

// Identity is a node's long-lived cryptographic identity: an ed25519
// signing keypair and a curve25519 agreement keypair, from which the
// 40-bit overlay address and the 384-bit public key hash are derived.
//
// Identity is a comparable value type. Copies share no mutable state.
type Identity struct {
	address      Address
	signingPub   [ed25519.PublicKeySize]byte
	agreementPub [32]byte

	hasPrivate    bool
	signingPriv   [ed25519.PrivateKeySize]byte
	agreementPriv [32]byte
}

// GenerateIdentity creates a new identity, retrying key generation until
// the derived address is outside the reserved range.
func GenerateIdentity() (Identity, error) {
	for {
		var id Identity
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return Identity{}, err
		}
		copy(id.signingPub[:], pub)
		copy(id.signingPriv[:], priv)

		if _, err := io.ReadFull(rand.Reader, id.agreementPriv[:]); err != nil {
			return Identity{}, err
		}
		agreePub, err := curve25519.X25519(id.agreementPriv[:], curve25519.Basepoint)
		if err != nil {
			return Identity{}, err
		}
		copy(id.agreementPub[:], agreePub)

		id.hasPrivate = true
		id.address = addressFromIdentityHash(id.Hash())
		if !id.address.IsReserved() {
			return id, nil
		}
	}
}

func addressFromIdentityHash(h [IdentityHashLength]byte) Address {
	a, _ := AddressFromBytes(h[:AddressLength])
	return a
}

// Address returns the overlay address derived from the public keys.
func (id Identity) Address() Address { return id.address }

// Hash returns the 384-bit digest of the public key material. It
// disambiguates overlay addresses against collision or spoofing.
func (id Identity) Hash() [IdentityHashLength]byte {
	h := sha512.New384()
	h.Write(id.signingPub[:])
	h.Write(id.agreementPub[:])
	var out [IdentityHashLength]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HasPrivate reports whether this identity can sign and agree.
func (id Identity) HasPrivate() bool { return id.hasPrivate }

// Public returns the identity with private key material stripped, suitable
// for set membership checks and wire marshaling.
func (id Identity) Public() Identity {
	return Identity{
		address:      id.address,
		signingPub:   id.signingPub,
		agreementPub: id.agreementPub,
	}
}

// IsValid reports whether the address matches the public key hash.
func (id Identity) IsValid() bool {
	return id.address != 0 && id.address == addressFromIdentityHash(id.Hash())
}

// Agree performs key agreement with another identity's public material and
// derives the symmetric session keys: a 32-byte packet cipher key and a
// 32-byte MAC key. Both sides derive the same pair.
func (id Identity) Agree(other Identity) (cryptKey, macKey [32]byte, err error) {
	if !id.hasPrivate {
		return cryptKey, macKey, fmt.Errorf("%w: agreement requires a private key", ErrInvalidParameter)
	}
	secret, err := curve25519.X25519(id.agreementPriv[:], other.agreementPub[:])
	if err != nil {
		return cryptKey, macKey, err
	}
	kdf := hkdf.New(sha512.New384, secret, nil, []byte(agreementInfoLabel))
	if _, err = io.ReadFull(kdf, cryptKey[:]); err != nil {
		return cryptKey, macKey, err
	}
	_, err = io.ReadFull(kdf, macKey[:])
	return cryptKey, macKey, err
}

// ProbeToken derives the 64-bit inbound probe token for a session keyed by
// macKey. Both ends of a session derive the same token.
func ProbeToken(macKey [32]byte) uint64 {
	m := hmac.New(sha512.New384, macKey[:])
	m.Write([]byte(probeInfoLabel))
	return binary.BigEndian.Uint64(m.Sum(nil))
}

// Sign signs data with the ed25519 signing key.
func (id Identity) Sign(data []byte) ([]byte, error) {
	if !id.hasPrivate {
		return nil, fmt.Errorf("%w: signing requires a private key", ErrInvalidParameter)
	}
	return ed25519.Sign(id.signingPriv[:], data), nil
}

// Verify checks an ed25519 signature against the identity's signing key.
func (id Identity) Verify(data, sig []byte) bool {
	return len(sig) == ed25519.SignatureSize && ed25519.Verify(id.signingPub[:], data, sig)
}

// AppendTo appends the public wire form: 5-byte address, type byte, 32-byte
// signing key, 32-byte agreement key.
func (id Identity) AppendTo(b []byte) []byte {
	b = id.address.AppendTo(b)
	b = append(b, identityTypeC25519)
	b = append(b, id.signingPub[:]...)
	b = append(b, id.agreementPub[:]...)
	return b
}

// UnmarshalIdentity decodes a public identity and validates that the
// claimed address matches the key hash.
func UnmarshalIdentity(b []byte) (Identity, int, error) {
	if len(b) < identityPublicLength {
		return Identity{}, 0, ErrMalformedInput
	}
	addr, _ := AddressFromBytes(b)
	if b[AddressLength] != identityTypeC25519 {
		return Identity{}, 0, fmt.Errorf("%w: unknown identity type %d", ErrMalformedInput, b[AddressLength])
	}
	var id Identity
	id.address = addr
	copy(id.signingPub[:], b[AddressLength+1:])
	copy(id.agreementPub[:], b[AddressLength+1+32:])
	if !id.IsValid() {
		return Identity{}, 0, fmt.Errorf("%w: identity address does not match key hash", ErrMalformedInput)
	}
	return id, identityPublicLength, nil
}

// String renders "address:0:signingpub+agreementpub", the public identity
// text form used in configuration files.
func (id Identity) String() string {
	return fmt.Sprintf("%s:%d:%s%s", id.address, identityTypeC25519,
		hex.EncodeToString(id.signingPub[:]), hex.EncodeToString(id.agreementPub[:]))
}

// PrivateString renders the full identity including secret keys, the form
// written to identity.secret.
func (id Identity) PrivateString() string {
	if !id.hasPrivate {
		return id.String()
	}
	return fmt.Sprintf("%s:%s%s", id.String(),
		hex.EncodeToString(id.signingPriv[:]), hex.EncodeToString(id.agreementPriv[:]))
}

// ParseIdentity parses either the public or the private text form.
func ParseIdentity(s string) (Identity, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 && len(parts) != 4 {
		return Identity{}, fmt.Errorf("%w: identity must have 3 or 4 fields", ErrMalformedInput)
	}
	addr, err := ParseAddress(parts[0])
	if err != nil {
		return Identity{}, err
	}
	if parts[1] != "0" {
		return Identity{}, fmt.Errorf("%w: unknown identity type %q", ErrMalformedInput, parts[1])
	}
	pub, err := hex.DecodeString(parts[2])
	if err != nil || len(pub) != 64 {
		return Identity{}, fmt.Errorf("%w: bad public key field", ErrMalformedInput)
	}
	var id Identity
	id.address = addr
	copy(id.signingPub[:], pub[:32])
	copy(id.agreementPub[:], pub[32:])
	if !id.IsValid() {
		return Identity{}, fmt.Errorf("%w: identity address does not match key hash", ErrMalformedInput)
	}
	if len(parts) == 4 {
		priv, err := hex.DecodeString(parts[3])
		if err != nil || len(priv) != ed25519.PrivateKeySize+32 {
			return Identity{}, fmt.Errorf("%w: bad private key field", ErrMalformedInput)
		}
		copy(id.signingPriv[:], priv[:ed25519.PrivateKeySize])
		copy(id.agreementPriv[:], priv[ed25519.PrivateKeySize:])
		id.hasPrivate = true
	}
	return id, nil
}
