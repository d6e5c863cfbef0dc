package main

import "testing"

// TestShortRunAgainstEveryContainer is the Zipfian-throughput scenario
// (spec.md §8 scenario 4) cut down to a smoke run: a few milliseconds
// against a small key count and every container, checking that run
// returns no error and does not panic (list and art panic from Check on
// a broken structure), rather than the full n=10,000,000 benchmark (a
// manual/CI-nightly concern). A post-run size mismatch is only printed
// by run, so it is not asserted here.
func TestShortRunAgainstEveryContainer(t *testing.T) {
	for _, ds := range []string{"list", "hashtable", "art"} {
		t.Run(ds, func(t *testing.T) {
			c := &cli{
				DS:        ds,
				N:         500,
				P:         2,
				Rounds:    1,
				Update:    20,
				Zipfian:   0.99,
				Time:      0.05,
				TrialTime: 0.05,
				Block:     50,
			}
			if err := run(c); err != nil {
				t.Fatalf("run() failed: %v", err)
			}
		})
	}
}

func TestShortRunWithDenseKeysAndUniformAccess(t *testing.T) {
	c := &cli{
		DS:        "hashtable",
		N:         200,
		P:         1,
		Rounds:    1,
		Update:    50,
		Zipfian:   0,
		Time:      0.02,
		TrialTime: 0.02,
		Block:     20,
		Dense:     true,
		Shuffle:   true,
		Clear:     true,
	}
	if err := run(c); err != nil {
		t.Fatalf("run() failed: %v", err)
	}
}
