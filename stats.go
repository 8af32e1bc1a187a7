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

// Stats describes the occupancy and chain structure of a Table.
type Stats struct {
	Size    int `json:"size"`
	Payload int `json:"payload"`
	Used    int `json:"used"`
	// Cellar is the number of occupied buckets past the payload.
	Cellar int `json:"cellar"`
	// Strangers is the number of entries not sitting at their home.
	Strangers int `json:"strangers"`
	// Chains is the number of homes with at least one entry.
	Chains int `json:"chains"`
	// MaxChain is the number of entries of the longest chain.
	MaxChain int `json:"max_chain"`
	// MeanChain is the mean number of entries per chain.
	MeanChain float64 `json:"mean_chain"`
}

// Stats walks the table and returns its occupancy statistics.
func (t *Table[V]) Stats() Stats {
	s := Stats{
		Size:    int(t.size),
		Payload: int(t.payload),
		Used:    int(t.used),
	}

	for i := range t.buckets {
		b := &t.buckets[i]
		if !b.occupied() {
			continue
		}
		if uint32(i) >= t.payload {
			s.Cellar++
		}
		if b.stranger() {
			s.Strangers++
		}
	}

	var total int
	for i := uint32(0); i < t.payload; i++ {
		if t.buckets[i].stranger() {
			continue
		}
		n := 0
		for j := i; ; {
			b := &t.buckets[j]
			if b.occupied() {
				n++
			}
			if !b.withNext() {
				break
			}
			j = b.next
		}
		if n == 0 {
			continue
		}
		s.Chains++
		total += n
		s.MaxChain = max(s.MaxChain, n)
	}
	if s.Chains > 0 {
		s.MeanChain = float64(total) / float64(s.Chains)
	}
	return s
}
