// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coalesced

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MaxKeySize is the largest length in bytes of an external key.
const MaxKeySize = 1<<16 - 1

const (
	// flagOccupied marks a bucket holding a live entry.
	flagOccupied uint8 = 1 << iota
	// flagStranger marks a bucket whose key does not hash to the bucket's
	// own index, i.e. it is only reachable through another bucket's next.
	flagStranger
	// flagWithNext marks next as valid.
	flagWithNext
	// flagLocalKey marks the key as an inline handle rather than a
	// reference to caller memory.
	flagLocalKey
)

// localKeySize is the keysize recorded for local keys: the width of the
// little-endian image that is hashed.
const localKeySize = 8

// Key identifies an entry. A key is either a local integer handle stored
// inline in the bucket or a reference to caller-owned bytes. A local key
// never equals an external key, even when their byte images coincide.
type Key struct {
	b      []byte
	handle uint64
	local  bool
}

// LocalKey returns a key stored inline in the bucket header.
func LocalKey(handle uint64) Key {
	return Key{handle: handle, local: true}
}

// BytesKey returns a key referencing b. The table keeps the reference and
// never copies or modifies the bytes, so b must not be mutated while the
// entry is present.
func BytesKey(b []byte) Key {
	return Key{b: b}
}

// StringKey returns an external key holding the bytes of s.
func StringKey(s string) Key {
	return Key{b: []byte(s)}
}

// IsLocal reports whether k is a local integer handle.
func (k Key) IsLocal() bool {
	return k.local
}

// Handle returns the integer handle of a local key and 0 otherwise.
func (k Key) Handle() uint64 {
	if !k.local {
		return 0
	}
	return k.handle
}

// Bytes returns the bytes of an external key and nil for a local key.
func (k Key) Bytes() []byte {
	if k.local {
		return nil
	}
	return k.b
}

// Len returns the key size as recorded in a bucket.
func (k Key) Len() int {
	if k.local {
		return localKeySize
	}
	return len(k.b)
}

func (k Key) String() string {
	if k.local {
		return fmt.Sprintf("#%d", k.handle)
	}
	return fmt.Sprintf("%q", k.b)
}

func (k Key) validate() error {
	if !k.local && len(k.b) > MaxKeySize {
		return fmt.Errorf("key of %d bytes exceeds %d: %w", len(k.b), MaxKeySize, ErrInvalidArgument)
	}
	return nil
}

// hash feeds the key's byte image to h. Local keys are hashed as their
// 8-byte little-endian representation.
func (k Key) hash(h HashFunc) uint32 {
	if k.local {
		var buf [localKeySize]byte
		binary.LittleEndian.PutUint64(buf[:], k.handle)
		return h(buf[:])
	}
	return h(k.b)
}

// Bucket is a slot of a Table. The header fields are owned by the table;
// User and Value belong to the caller.
//
// A *Bucket obtained from Set, Get or Next is invalidated by any later Set,
// Resize, Clear or Close on the same table, because those may move bucket
// contents to another slot. Deleting other keys leaves it valid.
type Bucket[V any] struct {
	flags   uint8
	keysize uint16
	next    uint32
	handle  uint64
	key     []byte

	// User is a byte reserved for the caller. The table carries it along
	// on relocation and resize but never interprets it.
	User uint8
	// Value is the caller payload.
	Value V
}

// Key returns the key the bucket was set with.
func (b *Bucket[V]) Key() Key {
	if b.flags&flagLocalKey != 0 {
		return LocalKey(b.handle)
	}
	return BytesKey(b.key)
}

//go:inline
func (b *Bucket[V]) occupied() bool {
	return b.flags&flagOccupied != 0
}

//go:inline
func (b *Bucket[V]) stranger() bool {
	return b.flags&flagStranger != 0
}

//go:inline
func (b *Bucket[V]) withNext() bool {
	return b.flags&flagWithNext != 0
}

// setKey stores k in the header. The occupied, stranger and with-next bits
// are left to the caller.
func (b *Bucket[V]) setKey(k Key) {
	if k.local {
		b.flags |= flagLocalKey
		b.handle = k.handle
		b.key = nil
	} else {
		b.flags &^= flagLocalKey
		b.handle = 0
		b.key = k.b
	}
	b.keysize = uint16(k.Len())
}

// matches reports whether the bucket holds k. The occupied bit is not
// consulted.
func (b *Bucket[V]) matches(k Key) bool {
	if (b.flags&flagLocalKey != 0) != k.local {
		return false
	}
	if k.local {
		return b.handle == k.handle
	}
	return int(b.keysize) == len(k.b) && bytes.Equal(b.key, k.b)
}
