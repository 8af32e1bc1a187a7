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

import "fmt"

// option provide an interface to do work on Table while it is being created.
type option[V any] interface {
	apply(t *Table[V]) error
}

type hashOption[V any] struct {
	hash HashFunc
}

func (op hashOption[V]) apply(t *Table[V]) error {
	if op.hash == nil {
		return fmt.Errorf("nil hash function: %w", ErrInvalidArgument)
	}
	t.hash = op.hash
	return nil
}

// WithHash is an option to specify the hash function to use for a Table[V].
// The default is XXHash.
func WithHash[V any](hash HashFunc) option[V] {
	return hashOption[V]{hash}
}

// Finalizer releases the caller-owned state of a bucket that is about to be
// dropped. It is invoked for occupied buckets on overwrite, Delete, Remove,
// Clear and Close. Finalize may modify User, Value and the memory behind
// the key, but it must not call back into the table.
type Finalizer[V any] interface {
	Finalize(b *Bucket[V])
}

// FinalizerFunc adapts an ordinary function to the Finalizer interface.
type FinalizerFunc[V any] func(b *Bucket[V])

// Finalize calls f(b).
func (f FinalizerFunc[V]) Finalize(b *Bucket[V]) {
	f(b)
}

// ReleaseKeys returns a Finalizer that hands the bytes of external keys to
// release, for tables whose keys are drawn from a caller-managed pool.
// Local keys are ignored.
func ReleaseKeys[V any](release func(key []byte)) Finalizer[V] {
	return FinalizerFunc[V](func(b *Bucket[V]) {
		if k := b.Key(); !k.IsLocal() {
			release(k.Bytes())
		}
	})
}

type finalizerOption[V any] struct {
	finalizer Finalizer[V]
}

func (op finalizerOption[V]) apply(t *Table[V]) error {
	t.finalizer = op.finalizer
	return nil
}

// WithFinalizer is an option to specify the Finalizer invoked on buckets
// being dropped. A nil finalizer disables finalization.
func WithFinalizer[V any](finalizer Finalizer[V]) option[V] {
	return finalizerOption[V]{finalizer}
}

// Allocator specifies an interface for allocating and releasing the bucket
// arrays used by a Table. The default allocator utilizes Go's builtin make()
// and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory then Table.Close must be
// called in order to ensure Free is called for the live array.
type Allocator[V any] interface {
	// Alloc should return a slice equivalent to make([]Bucket[V], n), or an
	// error if the memory cannot be provided. The error is reported to the
	// caller as ErrOutOfMemory.
	Alloc(n int) ([]Bucket[V], error)

	// Free can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by Alloc.
	Free(v []Bucket[V])
}

type defaultAllocator[V any] struct{}

func (defaultAllocator[V]) Alloc(n int) ([]Bucket[V], error) {
	if n < 0 || n > MaxSize {
		return nil, fmt.Errorf("%d buckets: %w", n, ErrOutOfMemory)
	}
	return make([]Bucket[V], n), nil
}

func (defaultAllocator[V]) Free(v []Bucket[V]) {
}

type allocatorOption[V any] struct {
	allocator Allocator[V]
}

func (op allocatorOption[V]) apply(t *Table[V]) error {
	if op.allocator == nil {
		return fmt.Errorf("nil allocator: %w", ErrInvalidArgument)
	}
	t.allocator = op.allocator
	return nil
}

// WithAllocator is an option for specify the Allocator to use for a Table[V].
func WithAllocator[V any](allocator Allocator[V]) option[V] {
	return allocatorOption[V]{allocator}
}

type loadFactorOption[V any] struct {
	lf float64
}

func (op loadFactorOption[V]) apply(t *Table[V]) error {
	if op.lf <= 0.0 || op.lf > 1.0 {
		return fmt.Errorf("load factor %f: %w", op.lf, ErrInvalidArgument)
	}
	t.loadFactor = op.lf
	return nil
}

// WithLoadFactor sets the ratio of home-addressable buckets to physical
// buckets. The remainder forms the cellar that hosts displaced chain links.
// Must be in the half-open range (0.0,1.0]; the default is
// DefaultLoadFactor.
func WithLoadFactor[V any](lf float64) option[V] {
	return loadFactorOption[V]{lf}
}

type growthFactorOption[V any] struct {
	gf float64
}

func (op growthFactorOption[V]) apply(t *Table[V]) error {
	if op.gf <= 1.0 {
		return fmt.Errorf("growth factor %f: %w", op.gf, ErrInvalidArgument)
	}
	t.growthFactor = op.gf
	return nil
}

// WithGrowthFactor sets the factor the payload is multiplied by when an
// insert finds the table full. Must be greater than 1; the default is
// DefaultGrowthFactor.
func WithGrowthFactor[V any](gf float64) option[V] {
	return growthFactorOption[V]{gf}
}
