// Command benchmark drives the concurrent containers in
// pkg/containers with a configurable mixed read/update workload,
// grounded on original_source/benchmark/test_sets.h's commandLine-
// driven driver: select a data structure, populate it with n keys,
// then fan out p worker goroutines running a Zipfian- or uniformly-
// distributed mix of find/insert/remove for a fixed duration, reporting
// throughput and an optional invariant check. There is no fixed
// operation-count mode: -insert_find_delete only narrows the key space
// to the n initial keys, and the run stays timed.
package main

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/turdb/ccmap/pkg/containers/art"
	"github.com/turdb/ccmap/pkg/containers/hashtable"
	"github.com/turdb/ccmap/pkg/containers/list"
	"github.com/turdb/ccmap/pkg/core/epoch"
	"github.com/turdb/ccmap/pkg/treeiface"
	"github.com/turdb/ccmap/pkg/workload/zipfian"
)

// cli mirrors the flags spec.md names, plus -ds [ADDED] to pick which
// container a single binary drives (the original selects this at
// compile time via a Makefile macro).
type cli struct {
	DS               string  `name:"ds" default:"hashtable" enum:"list,hashtable,art" help:"container under test"`
	N                int     `name:"n" default:"100000" help:"initial key count"`
	P                int     `name:"p" default:"0" help:"number of workers (0 = GOMAXPROCS)"`
	Rounds           int     `name:"r" default:"1" help:"trials per configuration"`
	Update           int     `name:"u" default:"20" help:"percent of operations that are updates"`
	Zipfian          float64 `name:"z" default:"0.0" help:"Zipfian skew theta (0 = uniform)"`
	Time             float64 `name:"t" default:"1.0" help:"trial duration in seconds"`
	TrialTime        float64 `name:"tt" default:"1.0" help:"alias for -t"`
	Block            int     `name:"b" default:"100" help:"operations between time checks"`
	InsertFindDelete bool    `name:"insert_find_delete" help:"draw operations from the n initial keys only instead of 2n keys (the run stays timed)"`
	NoCheck          bool    `name:"no_check" help:"disable invariant checks"`
	Verbose          bool    `name:"v" help:"extra diagnostics"`
	Shuffle          bool    `name:"shuffle" help:"shuffle the pool free list before the run"`
	Clear            bool    `name:"clear" help:"clear the pool between rounds"`
	Stats            bool    `name:"stats" help:"print pool stats"`
	Dense            bool    `name:"dense" help:"use dense sequential keys starting at 1 instead of sparse random keys"`
	StrictLock       bool    `name:"strict_lock" help:"reserved for parity with the original CLI; this module only ever uses try-lock"`
}

func keyOfUint64(k uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], k)
	return b[:]
}

func buildMap(ds string, mgr *epoch.Manager, n int) treeiface.Map[uint64, int64] {
	switch ds {
	case "list":
		return list.New[uint64, int64](mgr)
	case "art":
		return art.New[uint64, int64](mgr, keyOfUint64)
	default:
		buckets := n
		if buckets < 16 {
			buckets = 16
		}
		return hashtable.New[uint64, int64](mgr, buckets, func(k uint64) uint64 { return k })
	}
}

// opType mirrors test_sets.h's op_type enum, minus Range/MultiFind
// (this driver has no range-search benchmark path).
type opType int

const (
	opFind opType = iota
	opInsert
	opRemove
)

func classify(h uint64, updatePercent int) opType {
	m := h % 200
	switch {
	case m < uint64(updatePercent):
		return opInsert
	case m < uint64(2*updatePercent):
		return opRemove
	default:
		return opFind
	}
}

func run(c *cli) error {
	p := c.P
	if p <= 0 {
		p = runtime.GOMAXPROCS(0)
	}

	mgr := epoch.New()
	m := buildMap(c.DS, mgr, c.N)

	nn := c.N
	if !c.InsertFindDelete {
		nn = 2 * c.N
	}

	keys := make([]uint64, nn)
	if c.Dense {
		for i := range keys {
			keys[i] = uint64(i + 1)
		}
	} else {
		r := rand.New(rand.NewSource(1))
		seen := make(map[uint64]bool, nn)
		for i := range keys {
			var k uint64
			for {
				k = r.Uint64() | 1
				if !seen[k] {
					seen[k] = true
					break
				}
			}
			keys[i] = k
		}
	}

	if c.Shuffle {
		m.Shuffle(c.N)
	}

	trialTime := c.Time
	if c.TrialTime != 1.0 {
		trialTime = c.TrialTime
	}

	for round := 0; round < c.Rounds+1; round++ {
		if !c.NoCheck {
			if got := m.Check(); got != 0 && round == 0 {
				fmt.Printf("BAD LENGTH = %d\n", got)
			} else if c.Verbose {
				fmt.Println("CHECK PASSED")
			}
		}

		for i := 0; i < c.N; i++ {
			m.Insert(keys[i], 123)
		}
		if !c.NoCheck {
			got := m.Check()
			if int64(c.N) != got {
				fmt.Printf("expected %d keys after insertion, found %d\n", c.N, got)
			} else if c.Verbose {
				fmt.Println("CHECK PASSED")
			}
		}

		var gen *zipfian.Generator
		if c.Zipfian != 0 {
			gen = zipfian.New(uint64(nn), c.Zipfian)
		}

		totals := make([]int64, p)
		addeds := make([]int64, p)

		var g errgroup.Group
		start := time.Now()
		for wi := 0; wi < p; wi++ {
			wi := wi
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("worker %d: %v", wi, r)
					}
				}()
				rnd := rand.New(rand.NewSource(int64(wi) + 1))
				var total, added int64
				cnt := 0
				for {
					if cnt >= c.Block {
						cnt = 0
						if time.Since(start).Seconds() > trialTime {
							totals[wi] = total
							addeds[wi] = added
							return nil
						}
					}
					var idx uint64
					if gen != nil {
						idx = gen.At(uint64(total), uint64(wi)) % uint64(nn)
					} else {
						idx = rnd.Uint64() % uint64(nn)
					}
					key := keys[idx]
					switch classify(rnd.Uint64(), c.Update) {
					case opInsert:
						if m.Insert(key, 123) {
							added++
						}
					case opRemove:
						if m.Remove(key) {
							added--
						}
					default:
						m.Find(key)
					}
					total++
					cnt++
				}
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		duration := time.Since(start).Seconds()

		if round != 0 {
			var numOps int64
			for _, t := range totals {
				numOps += t
			}
			fmt.Printf("%s,%d%%update,n=%d,p=%d,z=%g,%.4f\n",
				c.DS, c.Update, c.N, p, c.Zipfian, float64(numOps)/(duration*1e6))

			if !c.NoCheck {
				var updates int64
				for _, a := range addeds {
					updates += a
				}
				finalCnt := m.Check()
				if int64(c.N)+updates != finalCnt {
					fmt.Printf("bad size: initial size = %d, added %d, final size = %d\n",
						c.N, updates, finalCnt)
				} else if c.Verbose {
					fmt.Println("CHECK PASSED")
				}
			}
		}

		for i := 0; i < nn; i++ {
			m.Remove(keys[i])
		}

		if c.Clear {
			m.Clear()
			if c.Stats {
				fmt.Println("the following should be zero if no memory leak")
			}
		}
		if c.Stats {
			fmt.Printf("%+v\n", m.Stats())
		}
	}
	return nil
}

func main() {
	var c cli
	kong.Parse(&c)

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := run(&c); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
