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

// Package peercache persists known peer identities and their last seen
// physical addresses in a levelDB database, so a restarting node can
// reach its peers without waiting on root lookups.
package peercache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/pbicskei/ZeroTierOne/overlay"
)

// Keys in the known-peers database.
const (
	dbVersionKey = "version" // Version of the database to flush if changes
	dbPeerPrefix = "p:"      // Identifier to prefix peer entries with
	dbHashPrefix = "h:"      // Secondary index from identity hash to address

	dbVersion = 1
)

const (
	// dbCleanupCycle is how often expiration is run when the sweeper
	// is started.
	dbCleanupCycle = time.Hour

	// dbEntryExpiration is how long a cached peer survives without
	// being stored again.
	dbEntryExpiration = 30 * 24 * time.Hour
)

// DB is the peer database, storing previously verified identities and
// the endpoints they were last reached at.
type DB struct {
	db *leveldb.DB

	runner sync.Once
	quit   chan struct{}
}

// OpenMemory creates a new in-memory peer database without a persistent
// backend.
func OpenMemory() (*DB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &DB{db: db, quit: make(chan struct{})}, nil
}

// Open opens or creates the peer database at path, flushing its
// contents if the schema version does not match.
func Open(path string) (*DB, error) {
	opts := &opt.Options{OpenFilesCacheCapacity: 5}
	db, err := leveldb.OpenFile(path, opts)
	if _, iscorrupted := err.(*errors.ErrCorrupted); iscorrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	currentVer := make([]byte, binary.MaxVarintLen64)
	currentVer = currentVer[:binary.PutVarint(currentVer, dbVersion)]

	blob, err := db.Get([]byte(dbVersionKey), nil)
	switch err {
	case leveldb.ErrNotFound:
		if err := db.Put([]byte(dbVersionKey), currentVer, nil); err != nil {
			db.Close()
			return nil, err
		}
	case nil:
		if !bytes.Equal(blob, currentVer) {
			db.Close()
			if err = os.RemoveAll(path); err != nil {
				return nil, err
			}
			return Open(path)
		}
	default:
		db.Close()
		return nil, err
	}
	return &DB{db: db, quit: make(chan struct{})}, nil
}

func peerKey(addr overlay.Address) []byte {
	return append([]byte(dbPeerPrefix), addr.Bytes()...)
}

func hashKey(hash [overlay.IdentityHashLength]byte) []byte {
	return append([]byte(dbHashPrefix), hash[:]...)
}

// entry is the stored form: expiry, identity text, and endpoint list.
type entry struct {
	identity  string
	endpoints []string
	expiresAt int64
}

func (e entry) marshal() []byte {
	var b []byte
	b = binary.BigEndian.AppendUint64(b, uint64(e.expiresAt))
	b = binary.BigEndian.AppendUint16(b, uint16(len(e.identity)))
	b = append(b, e.identity...)
	for _, ep := range e.endpoints {
		b = binary.BigEndian.AppendUint16(b, uint16(len(ep)))
		b = append(b, ep...)
	}
	return b
}

func unmarshalEntry(b []byte) (entry, error) {
	var e entry
	if len(b) < 10 {
		return e, fmt.Errorf("peercache: truncated entry")
	}
	e.expiresAt = int64(binary.BigEndian.Uint64(b))
	b = b[8:]
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return e, fmt.Errorf("peercache: truncated identity")
	}
	e.identity = string(b[:n])
	b = b[n:]
	for len(b) >= 2 {
		n = int(binary.BigEndian.Uint16(b))
		b = b[2:]
		if len(b) < n {
			return e, fmt.Errorf("peercache: truncated endpoint")
		}
		e.endpoints = append(e.endpoints, string(b[:n]))
		b = b[n:]
	}
	return e, nil
}

// Store writes back a peer's identity and last known endpoints. The
// identity is stored in its public text form.
func (db *DB) Store(id overlay.Identity, paths []overlay.InetAddress) error {
	pub := id.Public()
	eps := make([]string, 0, len(paths))
	for _, p := range paths {
		if p.IsValid() {
			eps = append(eps, p.String())
		}
	}
	e := entry{
		identity:  pub.String(),
		endpoints: eps,
		expiresAt: time.Now().Add(dbEntryExpiration).UnixMilli(),
	}
	batch := new(leveldb.Batch)
	batch.Put(peerKey(pub.Address()), e.marshal())
	hash := pub.Hash()
	batch.Put(hashKey(hash), pub.Address().Bytes())
	return db.db.Write(batch, nil)
}

// Load returns the cached identity for an address.
func (db *DB) Load(addr overlay.Address) (overlay.Identity, bool) {
	blob, err := db.db.Get(peerKey(addr), nil)
	if err != nil {
		return overlay.Identity{}, false
	}
	e, err := unmarshalEntry(blob)
	if err != nil || e.expiresAt < time.Now().UnixMilli() {
		return overlay.Identity{}, false
	}
	id, err := overlay.ParseIdentity(e.identity)
	if err != nil || id.Address() != addr {
		return overlay.Identity{}, false
	}
	return id, true
}

// LoadByHash returns the cached identity whose public key hash matches.
func (db *DB) LoadByHash(hash [overlay.IdentityHashLength]byte) (overlay.Identity, bool) {
	blob, err := db.db.Get(hashKey(hash), nil)
	if err != nil {
		return overlay.Identity{}, false
	}
	addr, err := overlay.AddressFromBytes(blob)
	if err != nil {
		return overlay.Identity{}, false
	}
	id, ok := db.Load(addr)
	if !ok || id.Hash() != hash {
		return overlay.Identity{}, false
	}
	return id, true
}

// Endpoints returns the last known physical addresses for a peer.
func (db *DB) Endpoints(addr overlay.Address) []overlay.InetAddress {
	blob, err := db.db.Get(peerKey(addr), nil)
	if err != nil {
		return nil
	}
	e, err := unmarshalEntry(blob)
	if err != nil {
		return nil
	}
	out := make([]overlay.InetAddress, 0, len(e.endpoints))
	for _, s := range e.endpoints {
		if a, err := overlay.ParseInetAddress(s); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// EnsureExpirer starts the entry expiration sweeper. It is safe to call
// multiple times; only the first call starts the goroutine.
func (db *DB) EnsureExpirer() {
	db.runner.Do(func() { go db.expirer() })
}

func (db *DB) expirer() {
	tick := time.NewTicker(dbCleanupCycle)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			db.expirePeers()
		case <-db.quit:
			return
		}
	}
}

// expirePeers iterates the database and deletes every entry whose
// expiry has passed, together with its hash index row.
func (db *DB) expirePeers() {
	now := time.Now().UnixMilli()
	it := db.db.NewIterator(util.BytesPrefix([]byte(dbPeerPrefix)), nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		e, err := unmarshalEntry(it.Value())
		if err != nil || e.expiresAt >= now {
			continue
		}
		batch.Delete(copyBytes(it.Key()))
		if id, err := overlay.ParseIdentity(e.identity); err == nil {
			hash := id.Hash()
			batch.Delete(hashKey(hash))
		}
	}
	if batch.Len() > 0 {
		db.db.Write(batch, nil)
	}
}

func copyBytes(b []byte) []byte { return append([]byte(nil), b...) }

// ForEach calls fn for every live cached identity.
func (db *DB) ForEach(fn func(overlay.Identity, []overlay.InetAddress)) {
	now := time.Now().UnixMilli()
	it := db.db.NewIterator(util.BytesPrefix([]byte(dbPeerPrefix)), nil)
	defer it.Release()
	forEachLive(it, now, fn)
}

func forEachLive(it iterator.Iterator, now int64, fn func(overlay.Identity, []overlay.InetAddress)) {
	for it.Next() {
		e, err := unmarshalEntry(it.Value())
		if err != nil || e.expiresAt < now {
			continue
		}
		id, err := overlay.ParseIdentity(e.identity)
		if err != nil {
			continue
		}
		eps := make([]overlay.InetAddress, 0, len(e.endpoints))
		for _, s := range e.endpoints {
			if a, err := overlay.ParseInetAddress(s); err == nil {
				eps = append(eps, a)
			}
		}
		fn(id, eps)
	}
}

// Close flushes and closes the database files.
func (db *DB) Close() {
	select {
	case <-db.quit:
	default:
		close(db.quit)
	}
	db.db.Close()
}
