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
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

func BenchmarkTableIter(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Local", benchSizes(benchmarkRuntimeMapIter, genLocalKeys))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapIter, genStringKeys))
	})
	b.Run("impl=coalesced", func(b *testing.B) {
		b.Run("t=Local", benchSizes(benchmarkTableIter, genLocalKeys))
		b.Run("t=String", benchSizes(benchmarkTableIter, genStringKeys))
	})
}

func BenchmarkTableGetHit(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Local", benchSizes(benchmarkRuntimeMapGetHit, genLocalKeys))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapGetHit, genStringKeys))
	})
	b.Run("impl=coalesced", func(b *testing.B) {
		b.Run("t=Local", benchSizes(benchmarkTableGetHit, genLocalKeys))
		b.Run("t=String", benchSizes(benchmarkTableGetHit, genStringKeys))
	})
}

func BenchmarkTableGetMiss(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Local", benchSizes(benchmarkRuntimeMapGetMiss, genLocalKeys))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapGetMiss, genStringKeys))
	})
	b.Run("impl=coalesced", func(b *testing.B) {
		b.Run("t=Local", benchSizes(benchmarkTableGetMiss, genLocalKeys))
		b.Run("t=String", benchSizes(benchmarkTableGetMiss, genStringKeys))
	})
}

func BenchmarkTablePutGrow(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Local", benchSizes(benchmarkRuntimeMapPutGrow, genLocalKeys))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapPutGrow, genStringKeys))
	})
	b.Run("impl=coalesced", func(b *testing.B) {
		b.Run("t=Local", benchSizes(benchmarkTablePutGrow, genLocalKeys))
		b.Run("t=String", benchSizes(benchmarkTablePutGrow, genStringKeys))
	})
}

func BenchmarkTablePutPreAllocate(b *testing.B) {
	b.Run("impl=coalesced", func(b *testing.B) {
		b.Run("t=Local", benchSizes(benchmarkTablePutPreAllocate, genLocalKeys))
		b.Run("t=String", benchSizes(benchmarkTablePutPreAllocate, genStringKeys))
	})
}

func BenchmarkTablePutDelete(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Local", benchSizes(benchmarkRuntimeMapPutDelete, genLocalKeys))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapPutDelete, genStringKeys))
	})
	b.Run("impl=coalesced", func(b *testing.B) {
		b.Run("t=Local", benchSizes(benchmarkTablePutDelete, genLocalKeys))
		b.Run("t=String", benchSizes(benchmarkTablePutDelete, genStringKeys))
	})
}

func BenchmarkHash(b *testing.B) {
	key := []byte("siebenundzwanzig")
	for _, c := range []struct {
		name string
		hash HashFunc
	}{
		{"xxhash", XXHash},
		{"murmur2", Murmur2},
		{"fnv1a", FNV1a},
	} {
		b.Run(c.name, func(b *testing.B) {
			var h uint32
			for i := 0; i < b.N; i++ {
				h += c.hash(key)
			}
			fmt.Fprint(io.Discard, h)
		})
	}
}

func benchSizes(
	f func(b *testing.B, n int, genKeys func(start, end int) []Key), genKeys func(start, end int) []Key,
) func(*testing.B) {
	var cases = []int{
		6, 12, 18, 24, 30,
		64,
		128,
		256,
		512,
		1024,
		2048,
		4096,
		8192,
		1 << 16,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n, genKeys) })
		}
	}
}

func genLocalKeys(start, end int) []Key {
	keys := make([]Key, end-start)
	for i := range keys {
		keys[i] = LocalKey(uint64(start + i))
	}
	return keys
}

func genStringKeys(start, end int) []Key {
	keys := make([]Key, end-start)
	for i := range keys {
		keys[i] = StringKey(strconv.Itoa(start + i))
	}
	return keys
}

// runtimeKey maps a Key onto a comparable value for use with the builtin
// map.
func runtimeKey(k Key) string {
	if k.IsLocal() {
		var buf [8]byte
		h := k.Handle()
		for i := range buf {
			buf[i] = byte(h >> (8 * i))
		}
		return string(buf[:])
	}
	return string(k.Bytes())
}

func genRuntimeKeys(keys []Key) []string {
	r := make([]string, len(keys))
	for i, k := range keys {
		r[i] = runtimeKey(k)
	}
	return r
}

func mustTable(b *testing.B, n int) *Table[int] {
	t, err := New[int](n)
	if err != nil {
		b.Fatal(err)
	}
	return t
}

func benchmarkRuntimeMapIter(b *testing.B, n int, genKeys func(start, end int) []Key) {
	m := make(map[string]int, n)
	for i, k := range genRuntimeKeys(genKeys(0, n)) {
		m[k] = i
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var tmp int
	for i := 0; i < b.N; i++ {
		for _, v := range m {
			tmp += v
		}
	}
	fmt.Fprint(io.Discard, tmp)
}

func benchmarkTableIter(b *testing.B, n int, genKeys func(start, end int) []Key) {
	m := mustTable(b, n)
	for i, k := range genKeys(0, n) {
		_ = m.Put(k, i)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var tmp int
	for i := 0; i < b.N; i++ {
		m.All(func(bk *Bucket[int]) bool {
			tmp += bk.Value
			return true
		})
	}
	fmt.Fprint(io.Discard, tmp)
}

func benchmarkRuntimeMapGetHit(b *testing.B, n int, genKeys func(start, end int) []Key) {
	m := make(map[string]int, n)
	for i, k := range genRuntimeKeys(genKeys(0, n)) {
		m[k] = i
	}
	// Regenerate the keys so that lookups don't share string data with the
	// stored keys.
	keys := genRuntimeKeys(genKeys(0, n))
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m[keys[i%n]]
	}
	fmt.Fprint(io.Discard, ok)
}

func benchmarkTableGetHit(b *testing.B, n int, genKeys func(start, end int) []Key) {
	m := mustTable(b, n)
	for i, k := range genKeys(0, n) {
		_ = m.Put(k, i)
	}
	keys := genKeys(0, n)
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Lookup(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapGetMiss(b *testing.B, n int, genKeys func(start, end int) []Key) {
	m := make(map[string]int, n)
	for i, k := range genRuntimeKeys(genKeys(0, n)) {
		m[k] = i
	}
	miss := genRuntimeKeys(genKeys(n, 2*n))
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m[miss[i%n]]
	}
	fmt.Fprint(io.Discard, ok)
}

func benchmarkTableGetMiss(b *testing.B, n int, genKeys func(start, end int) []Key) {
	m := mustTable(b, n)
	for i, k := range genKeys(0, n) {
		_ = m.Put(k, i)
	}
	miss := genKeys(n, 2*n)
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Lookup(miss[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapPutGrow(b *testing.B, n int, genKeys func(start, end int) []Key) {
	keys := genRuntimeKeys(genKeys(0, n))
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		m := make(map[string]int)
		for j, k := range keys {
			m[k] = j
		}
	}
}

func benchmarkTablePutGrow(b *testing.B, n int, genKeys func(start, end int) []Key) {
	keys := genKeys(0, n)
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		m := mustTable(b, 0)
		for j, k := range keys {
			_ = m.Put(k, j)
		}
	}
}

func benchmarkTablePutPreAllocate(b *testing.B, n int, genKeys func(start, end int) []Key) {
	keys := genKeys(0, n)
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		m := mustTable(b, n)
		for j, k := range keys {
			_ = m.Put(k, j)
		}
	}
}

func benchmarkRuntimeMapPutDelete(b *testing.B, n int, genKeys func(start, end int) []Key) {
	m := make(map[string]int, n)
	keys := genRuntimeKeys(genKeys(0, n))
	for j, k := range keys {
		m[k] = j
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		j := i % n
		delete(m, keys[j])
		m[keys[j]] = j
	}
}

func benchmarkTablePutDelete(b *testing.B, n int, genKeys func(start, end int) []Key) {
	m := mustTable(b, n)
	keys := genKeys(0, n)
	for j, k := range keys {
		_ = m.Put(k, j)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		j := i % n
		_ = m.Delete(keys[j])
		_ = m.Put(keys[j], j)
	}
}
