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
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// HashFunc returns the hash of a key's byte image. It must be deterministic;
// the result is reduced modulo the table's payload.
type HashFunc func(key []byte) uint32

// XXHash folds the 64-bit xxHash of key to 32 bits. It is the default hash
// function of a Table.
func XXHash(key []byte) uint32 {
	h := xxhash.Sum64(key)
	return uint32(h) ^ uint32(h>>32)
}

// Murmur2 implements Austin Appleby's 32-bit MurmurHash2 with a zero seed.
func Murmur2(key []byte) uint32 {
	const (
		m = 0x5bd1e995
		r = 24
	)
	h := uint32(len(key))

	for len(key) >= 4 {
		k := binary.LittleEndian.Uint32(key)
		k *= m
		k ^= k >> r
		k *= m
		h *= m
		h ^= k
		key = key[4:]
	}

	switch len(key) {
	case 3:
		h ^= uint32(key[2]) << 16
		fallthrough
	case 2:
		h ^= uint32(key[1]) << 8
		fallthrough
	case 1:
		h ^= uint32(key[0])
		h *= m
	}

	h ^= h >> 13
	h *= m
	h ^= h >> 15
	return h
}

// FNV1a implements a simpler and faster variant of the fnv1a algorithm which
// consumes the input 8 bytes at a time, folded to 32 bits.
func FNV1a(key []byte) uint32 {
	const prime64 = uint64(1099511628211)
	h := uint64(14695981039346656037)

	for len(key) >= 8 {
		h = (h ^ binary.BigEndian.Uint64(key)) * prime64
		key = key[8:]
	}

	if len(key) >= 4 {
		h = (h ^ uint64(binary.BigEndian.Uint32(key))) * prime64
		key = key[4:]
	}

	for _, c := range key {
		h = (h ^ uint64(c)) * prime64
	}

	return uint32(h) ^ uint32(h>>32)
}
