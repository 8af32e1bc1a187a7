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


// chainstat loads newline-separated keys into a coalesced table and prints
// the resulting chain statistics as JSON.
//
//	chainstat [-hash xxhash|murmur2|fnv1a] [-hint n] [-load f] [-grow f] [-delete n] [file]
//
// Keys are read from stdin if no file is given.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/coalesced"
	"github.com/sugawarayuuta/sonnet"
)

var hashes = map[string]coalesced.HashFunc{
	"xxhash":  coalesced.XXHash,
	"murmur2": coalesced.Murmur2,
	"fnv1a":   coalesced.FNV1a,
}

type config struct {
	hash        string
	hint        int
	load        float64
	grow        float64
	deleteEvery int
}

type result struct {
	Keys    int             `json:"keys"`
	Deleted int             `json:"deleted"`
	Load    float32         `json:"load"`
	Stats   coalesced.Stats `json:"stats"`
}

func main() {
	var cfg config
	flag.StringVar(&cfg.hash, "hash", "xxhash", "hash function: xxhash, murmur2 or fnv1a")
	flag.IntVar(&cfg.hint, "hint", 0, "initial size hint")
	flag.Float64Var(&cfg.load, "load", coalesced.DefaultLoadFactor, "load factor in (0,1]")
	flag.Float64Var(&cfg.grow, "grow", coalesced.DefaultGrowthFactor, "growth factor, greater than 1")
	flag.IntVar(&cfg.deleteEvery, "delete", 0, "delete every n-th key after loading")
	flag.Parse()

	in := io.Reader(os.Stdin)
	if flag.NArg() > 0 {
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	if err := run(cfg, in, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "chainstat: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config, in io.Reader, out io.Writer) error {
	hash, ok := hashes[cfg.hash]
	if !ok {
		return fmt.Errorf("unknown hash %q", cfg.hash)
	}
	t, err := coalesced.New[int](cfg.hint,
		coalesced.WithHash[int](hash),
		coalesced.WithLoadFactor[int](cfg.load),
		coalesced.WithGrowthFactor[int](cfg.grow))
	if err != nil {
		return err
	}
	defer t.Close()

	// Keys reference their line, so every line gets its own buffer.
	var keys [][]byte
	s := bufio.NewScanner(in)
	for line := 0; s.Scan(); line++ {
		key := append([]byte(nil), s.Bytes()...)
		if err := t.Put(coalesced.BytesKey(key), line); err != nil {
			return fmt.Errorf("line %d: %w", line+1, err)
		}
		keys = append(keys, key)
	}
	if err := s.Err(); err != nil {
		return err
	}

	var r result
	r.Keys = t.Len()
	if cfg.deleteEvery > 0 {
		for i := cfg.deleteEvery - 1; i < len(keys); i += cfg.deleteEvery {
			// Duplicate lines are only present once.
			if t.Delete(coalesced.BytesKey(keys[i])) == nil {
				r.Deleted++
			}
		}
	}
	r.Load = t.Load()
	r.Stats = t.Stats()

	buf, err := sonnet.Marshal(&r)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", buf)
	return err
}
