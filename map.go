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

// Package coalesced is a Go implementation of a cellared coalesced hash
// table. See https://en.wikipedia.org/wiki/Coalesced_hashing.
//
// # Coalesced hashing
//
// All entries live in a single array of buckets. The first payload buckets
// are home-addressable: a key's home is hash(key)%payload. The buckets past
// payload form the cellar, which is never a home and only hosts displaced
// entries. Collisions are resolved by linking buckets within the array
// through a per-bucket next index, so no list nodes are ever allocated.
//
// A chain always starts at the home of the keys it holds. An entry that is
// reachable only through another bucket's next is a stranger. Strangers may
// be placed in any free bucket, including a home that nobody claimed yet.
// When a key later hashes to a home occupied by a stranger, the stranger is
// moved elsewhere and its chain relinked, so that the home can become the
// head of the new key's chain:
//
//	home(a)=home(b)=home(d)=0, home(c)=3, payload=4, size=5
//
//	set(a), set(b), set(d):     set(c):
//	 0: a -> 4                   0: a -> 4
//	 1: -                        1: -
//	 2: -                        2: d (stranger)
//	 3: d (stranger)             3: c
//	 4: b (stranger) -> 3        4: b (stranger) -> 2
//
// Free buckets are found by scanning downward from a cursor (nextfree) that
// starts at the end of the array, so the cellar is consumed first. Deleting
// a stranger unlinks it from its chain. Deleting a chain head leaves the
// bucket unoccupied but still linked; the allocator later folds the head's
// successor into it and hands out the successor's bucket instead (lazy
// compaction).
//
// When no free bucket remains, or the number of entries reaches payload,
// the table grows by a configurable factor and every entry is reinserted.
//
// # Keys and buckets
//
// A Key is either a local integer handle stored inline in the bucket or a
// reference to caller-owned bytes of at most MaxKeySize bytes. The table
// compares external keys byte-wise and never copies them. Each Bucket
// carries a header owned by the table, a caller byte (User) and the caller
// payload (Value).
//
// A Table is NOT goroutine-safe.
package coalesced

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	debug = false

	// DefaultSize is the payload of a table created with a zero size hint.
	DefaultSize = 16
	// DefaultLoadFactor is the default ratio of home-addressable buckets to
	// physical buckets.
	DefaultLoadFactor = 0.86
	// DefaultGrowthFactor is the default factor the payload is multiplied by
	// when an insert finds the table full.
	DefaultGrowthFactor = 2
	// MaxSize is the maximum number of physical buckets of a table.
	MaxSize = math.MaxInt32
)

var (
	// ErrInvalidArgument is returned for bad construction parameters, an
	// oversized key or an invalid resize request.
	ErrInvalidArgument = errors.New("coalesced: invalid argument")
	// ErrOutOfMemory is returned when the bucket array cannot be allocated.
	ErrOutOfMemory = errors.New("coalesced: out of memory")
	// ErrNotFound is returned when deleting a key that is not present.
	ErrNotFound = errors.New("coalesced: not found")
	// ErrClosed is returned by operations on a closed table.
	ErrClosed = errors.New("coalesced: table closed")

	// errTableFull is returned by set when the key cannot be placed without
	// growing the table.
	errTableFull = errors.New("coalesced: table full")
)

// Table is an unordered hash table from keys to buckets of V using
// coalesced hashing with a cellar. Entries are addressed through
// *Bucket[V] references returned by Set, Get and Next.
type Table[V any] struct {
	// buckets is size in length and comes from allocator.
	buckets []Bucket[V]
	// size is the number of physical buckets.
	size uint32
	// payload is the number of home-addressable buckets. The remaining
	// size-payload buckets form the cellar.
	payload uint32
	// used is the number of occupied buckets. used <= payload.
	used uint32
	// nextfree is where the next free bucket scan starts.
	nextfree uint32

	hash         HashFunc
	finalizer    Finalizer[V]
	allocator    Allocator[V]
	loadFactor   float64
	growthFactor float64
	closed       bool
}

// New constructs a new Table expecting about sizeHint entries. If sizeHint
// is 0 the table starts with a payload of DefaultSize. An invalid size hint
// or option results in ErrInvalidArgument; failing to allocate the initial
// bucket array results in ErrOutOfMemory.
func New[V any](sizeHint int, options ...option[V]) (*Table[V], error) {
	if sizeHint < 0 {
		return nil, fmt.Errorf("size hint %d: %w", sizeHint, ErrInvalidArgument)
	}
	if sizeHint == 0 {
		sizeHint = DefaultSize
	}

	t := &Table[V]{
		hash:         XXHash,
		allocator:    defaultAllocator[V]{},
		loadFactor:   DefaultLoadFactor,
		growthFactor: DefaultGrowthFactor,
	}
	for _, op := range options {
		if err := op.apply(t); err != nil {
			return nil, err
		}
	}

	if err := t.Resize(sizeHint); err != nil {
		return nil, err
	}
	return t, nil
}

// Close finalizes every entry and releases the bucket array back to the
// configured allocator. It is invalid to use a Table after it has been
// closed, though Close itself is idempotent.
func (t *Table[V]) Close() {
	if t.closed {
		return
	}
	t.Clear()
	if t.buckets != nil {
		t.allocator.Free(t.buckets)
	}
	t.buckets = nil
	t.size = 0
	t.payload = 0
	t.nextfree = 0
	t.closed = true
}

// Get returns the bucket holding key, or nil if the key is not present.
func (t *Table[V]) Get(key Key) *Bucket[V] {
	if t.payload == 0 || key.validate() != nil {
		return nil
	}
	i, _, _, ok := t.find(key)
	if !ok {
		return nil
	}
	return &t.buckets[i]
}

// Lookup returns the value stored for key, or false if not found.
func (t *Table[V]) Lookup(key Key) (V, bool) {
	if b := t.Get(key); b != nil {
		return b.Value, true
	}
	var v V
	return v, false
}

// Set returns the bucket for key for the caller to fill in. A new bucket
// has a zero User and Value. If key is already present, its bucket is
// reused: the finalizer runs on the previous occupant and Value is reset
// to its zero value.
//
// Setting a key that is not yet present may move other entries within the
// table or grow it, which invalidates all previously returned buckets and
// may make an iteration in progress skip or revisit entries.
//
// If the table is full it is grown once by the growth factor. If that
// fails, Set returns the error and the table is left unchanged.
func (t *Table[V]) Set(key Key) (*Bucket[V], error) {
	if t.closed {
		return nil, ErrClosed
	}
	if err := key.validate(); err != nil {
		return nil, err
	}

	b, err := t.set(key)
	if errors.Is(err, errTableFull) {
		if err := t.Resize(t.grownPayload()); err != nil {
			return nil, err
		}
		b, err = t.set(key)
	}
	if err != nil {
		return nil, fmt.Errorf("set %s: %v: %w", key, err, ErrOutOfMemory)
	}
	return b, nil
}

// Put maps key to val, overwriting the value of an existing entry.
func (t *Table[V]) Put(key Key, val V) error {
	b, err := t.Set(key)
	if err != nil {
		return err
	}
	b.Value = val
	return nil
}

// Delete removes key from the table, invoking the finalizer on its bucket.
// It returns ErrNotFound if the key is not present.
func (t *Table[V]) Delete(key Key) error {
	if t.closed {
		return ErrClosed
	}
	if err := key.validate(); err != nil {
		return err
	}
	i, prev, _, ok := t.find(key)
	if !ok {
		return fmt.Errorf("delete %s: %w", key, ErrNotFound)
	}
	t.deleteAt(i, prev)
	t.checkInvariants()
	return nil
}

// Remove deletes the entry held by b, a bucket previously returned by this
// table. It returns ErrNotFound if b is not an occupied bucket of the table.
func (t *Table[V]) Remove(b *Bucket[V]) error {
	if t.closed {
		return ErrClosed
	}
	if b == nil || !b.occupied() {
		return fmt.Errorf("remove: %w", ErrNotFound)
	}
	i, prev, _, ok := t.find(b.Key())
	if !ok || &t.buckets[i] != b {
		return fmt.Errorf("remove %s: %w", b.Key(), ErrNotFound)
	}
	t.deleteAt(i, prev)
	t.checkInvariants()
	return nil
}

// Clear removes all entries, invoking the finalizer on each of them. The
// bucket array is kept.
func (t *Table[V]) Clear() {
	for i := range t.buckets {
		b := &t.buckets[i]
		if b.occupied() {
			t.finalize(b)
		}
		*b = Bucket[V]{}
	}
	t.used = 0
	if t.size > 0 {
		t.nextfree = t.size - 1
	}
}

// Resize reallocates the table with the given payload and reinserts every
// entry. The physical size is payload divided by the load factor. It is
// invalid to request a payload smaller than the number of entries. Resizing
// to the current payload is a noop.
//
// If the allocator fails, ErrOutOfMemory is returned and the table is left
// unchanged. On success all previously returned buckets are invalidated.
func (t *Table[V]) Resize(payload int) error {
	if t.closed {
		return ErrClosed
	}
	if payload <= 0 || payload < int(t.used) {
		return fmt.Errorf("payload %d with %d entries: %w", payload, t.used, ErrInvalidArgument)
	}
	sizef := math.Floor(float64(payload) / t.loadFactor)
	if sizef > MaxSize || int(sizef) < payload {
		return fmt.Errorf("payload %d at load factor %f: %w", payload, t.loadFactor, ErrInvalidArgument)
	}
	if uint32(payload) == t.payload {
		return nil
	}
	size := int(sizef)

	buckets, err := t.allocator.Alloc(size)
	if err != nil {
		if !errors.Is(err, ErrOutOfMemory) {
			err = fmt.Errorf("%v: %w", err, ErrOutOfMemory)
		}
		return fmt.Errorf("resize to %d buckets: %w", size, err)
	}

	if debug {
		fmt.Printf("resize: payload=%d->%d size=%d->%d used=%d\n",
			t.payload, payload, t.size, size, t.used)
	}

	old := t.buckets
	t.buckets = buckets
	t.size = uint32(size)
	t.payload = uint32(payload)
	t.used = 0
	t.nextfree = t.size - 1

	for iter := uint32(0); ; {
		ob := next(old, &iter)
		if ob == nil {
			break
		}
		nb, err := t.set(ob.Key())
		if err != nil {
			panic(fmt.Sprintf("coalesced: rehash of %s failed: %v\n%s", ob.Key(), err, t.debugString()))
		}
		nb.User = ob.User
		nb.Value = ob.Value
	}

	if old != nil {
		t.allocator.Free(old)
	}

	t.checkInvariants()
	return nil
}

// Next returns the first occupied bucket at or after *iter in physical
// order and advances *iter past it. It returns nil once all buckets have
// been visited. *iter should be 0 before the first call.
//
// Several iterations may run at the same time. Deleting entries during an
// iteration is safe; setting new keys may make it skip or revisit entries.
func (t *Table[V]) Next(iter *uint32) *Bucket[V] {
	return next(t.buckets, iter)
}

func next[V any](buckets []Bucket[V], iter *uint32) *Bucket[V] {
	for ; int(*iter) < len(buckets); *iter++ {
		if b := &buckets[*iter]; b.occupied() {
			*iter++
			return b
		}
	}
	return nil
}

// All calls yield sequentially for each occupied bucket in physical order.
// If yield returns false, the iteration stops. The same caveats as for Next
// apply to mutations performed during the iteration.
func (t *Table[V]) All(yield func(b *Bucket[V]) bool) {
	for iter := uint32(0); ; {
		b := t.Next(&iter)
		if b == nil || !yield(b) {
			return
		}
	}
}

// Len returns the number of entries in the table.
func (t *Table[V]) Len() int {
	return int(t.used)
}

// Payload returns the number of home-addressable buckets.
func (t *Table[V]) Payload() int {
	return int(t.payload)
}

// Cap returns the number of physical buckets, including the cellar.
func (t *Table[V]) Cap() int {
	return int(t.size)
}

// Load returns the current load of the table.
func (t *Table[V]) Load() float32 {
	if t.size == 0 {
		return 0
	}
	return float32(t.used) / float32(t.size)
}

// address returns the home of key.
func (t *Table[V]) address(key Key) uint32 {
	return key.hash(t.hash) % t.payload
}

func (t *Table[V]) grownPayload() int {
	p := int(math.Ceil(float64(t.payload) * t.growthFactor))
	if p <= int(t.payload) {
		p = int(t.payload) + 1
	}
	return p
}

func (t *Table[V]) finalize(b *Bucket[V]) {
	if t.finalizer != nil {
		t.finalizer.Finalize(b)
	}
}

// find resolves key within the chain rooted at its home. If the key is
// present, ok is true, i is its index and prev is its chain predecessor
// (equal to i for a chain head). Otherwise prev is the last bucket of the
// chain, or home itself when home is occupied by a stranger, in which case
// no chain exists for home yet.
func (t *Table[V]) find(key Key) (i, prev, home uint32, ok bool) {
	home = t.address(key)
	if debug {
		fmt.Printf("find(%s): home=%d\n", key, home)
	}

	if t.buckets[home].stranger() {
		return 0, home, home, false
	}

	prev = home
	for i = home; ; {
		b := &t.buckets[i]
		if b.occupied() && b.matches(key) {
			return i, prev, home, true
		}
		// Unoccupied chain heads are walked through: a deleted head keeps
		// its link until the allocator compacts it.
		if !b.withNext() {
			return 0, i, home, false
		}
		prev = i
		i = b.next
	}
}

// set inserts or overwrites key without growing the table. It returns
// errTableFull if a new key cannot be placed.
func (t *Table[V]) set(key Key) (*Bucket[V], error) {
	i, tail, home, ok := t.find(key)
	if ok {
		b := &t.buckets[i]
		if debug {
			fmt.Printf("set(%s): overwriting index=%d\n", key, i)
		}
		t.finalize(b)
		var zero V
		b.Value = zero
		b.setKey(key)
		return b, nil
	}

	if t.used >= t.payload {
		return nil, errTableFull
	}

	var flags uint8
	switch hb := &t.buckets[home]; {
	case !hb.occupied():
		// Claim the home, keeping the link a deleted head may have left.
		i = home
		flags = hb.flags & flagWithNext

	case hb.stranger():
		if err := t.evict(home); err != nil {
			return nil, err
		}
		i = home

	default:
		n, ok := t.allocate()
		if !ok {
			return nil, errTableFull
		}
		tb := &t.buckets[tail]
		tb.flags |= flagWithNext
		tb.next = n
		i = n
		flags = flagStranger
	}

	if debug {
		fmt.Printf("set(%s): home=%d index=%d tail=%d\n", key, home, i, tail)
	}

	b := &t.buckets[i]
	*b = Bucket[V]{flags: flags | flagOccupied, next: b.next}
	b.setKey(key)
	t.used++
	t.checkInvariants()
	return b, nil
}

// evict moves the stranger occupying index i to a newly allocated bucket
// and repoints its chain predecessor, freeing i.
func (t *Table[V]) evict(i uint32) error {
	n, ok := t.allocate()
	if !ok {
		return errTableFull
	}
	if n == i {
		// The allocator compacted the stranger's chain by pulling the
		// stranger into its deleted head, which already frees i.
		if debug {
			fmt.Printf("evict: index=%d folded into its head\n", i)
		}
		return nil
	}

	// The predecessor is resolved after allocating since compaction may
	// have moved it.
	s := t.buckets[i]
	j, prev, _, found := t.find(s.Key())
	if !found || j != i {
		panic(fmt.Sprintf("coalesced: stranger %s at %d not reachable from its home\n%s",
			s.Key(), i, t.debugString()))
	}
	if debug {
		fmt.Printf("evict: index=%d -> %d prev=%d\n", i, n, prev)
	}
	t.buckets[n] = s
	t.buckets[prev].next = n
	t.buckets[i] = Bucket[V]{}
	return nil
}

// allocate returns the index of a free bucket, scanning downward from
// nextfree. An unoccupied bucket that still has a successor is a deleted
// chain head: the successor is pulled into it and the successor's index is
// returned instead. It returns false if no free bucket remains.
func (t *Table[V]) allocate() (uint32, bool) {
	for a := int(t.nextfree); a >= 0; a-- {
		b := &t.buckets[a]
		if b.occupied() {
			continue
		}
		i := uint32(a)
		if b.withNext() {
			i = b.next
			*b = t.buckets[i]
			b.flags &^= flagStranger
			t.buckets[i] = Bucket[V]{}
		}
		t.nextfree = uint32(max(a-1, 0))
		if debug {
			fmt.Printf("allocate: index=%d nextfree=%d\n", i, t.nextfree)
		}
		return i, true
	}
	return 0, false
}

// deleteAt removes the entry at index i whose chain predecessor is prev.
func (t *Table[V]) deleteAt(i, prev uint32) {
	b := &t.buckets[i]
	t.finalize(b)
	t.used--

	if b.stranger() {
		p := &t.buckets[prev]
		if b.withNext() {
			p.next = b.next
		} else {
			p.flags &^= flagWithNext
		}
		*b = Bucket[V]{}
	} else {
		// A head stays linked so that its chain remains reachable.
		b.flags &^= flagOccupied
		b.key = nil
		var zero V
		b.Value = zero
	}

	if i > t.nextfree {
		t.nextfree = i
	}
	if debug {
		fmt.Printf("delete: index=%d prev=%d used=%d nextfree=%d\n", i, prev, t.used, t.nextfree)
	}
}

func (t *Table[V]) checkInvariants() {
	if invariants {
		if err := t.verify(); err != nil {
			panic(fmt.Sprintf("invariant failed: %v\n%s", err, t.debugString()))
		}
	}
}

// verify checks the structural invariants of the table: used matches the
// number of occupied buckets and never exceeds payload, only occupied
// buckets are strangers, every chain head sits at its home and every entry
// is reachable from its home.
func (t *Table[V]) verify() error {
	if t.used > t.payload {
		return fmt.Errorf("used %d exceeds payload %d", t.used, t.payload)
	}
	if len(t.buckets) != int(t.size) {
		return fmt.Errorf("%d buckets, but size is %d", len(t.buckets), t.size)
	}

	var used uint32
	for i := range t.buckets {
		b := &t.buckets[i]
		if !b.occupied() {
			if b.stranger() {
				return fmt.Errorf("bucket(%d): unoccupied stranger", i)
			}
			continue
		}
		used++

		k := b.Key()
		if home := t.address(k); !b.stranger() && home != uint32(i) {
			return fmt.Errorf("bucket(%d): head %s has home %d", i, k, home)
		}
		if j, _, _, ok := t.find(k); !ok || j != uint32(i) {
			return fmt.Errorf("bucket(%d): %s not found", i, k)
		}
	}

	if used != t.used {
		return fmt.Errorf("found %d used buckets, but used count is %d", used, t.used)
	}
	return nil
}

func (t *Table[V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "size=%d  payload=%d  used=%d  nextfree=%d\n",
		t.size, t.payload, t.used, t.nextfree)
	for i := range t.buckets {
		b := &t.buckets[i]
		if !b.occupied() && !b.withNext() {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		var state string
		switch {
		case !b.occupied():
			state = "deleted head"
		case b.stranger():
			state = fmt.Sprintf("%s [stranger home=%d]", b.Key(), t.address(b.Key()))
		default:
			state = b.Key().String()
		}
		if b.withNext() {
			fmt.Fprintf(&buf, "  %4d: %s -> %d\n", i, state, b.next)
		} else {
			fmt.Fprintf(&buf, "  %4d: %s\n", i, state)
		}
	}
	return buf.String()
}
