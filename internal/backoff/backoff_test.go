package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestDelayDoublesUntilCap(t *testing.T) {
	t.Parallel()

	p := Policy{Base: 5 * time.Second, Max: 60 * time.Second, Multiplier: 2}
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, expected := range want {
		got := p.Delay(i+1, nil)
		if got != expected {
			t.Fatalf("delay(%d) = %s want %s", i+1, got, expected)
		}
	}
}

func TestDelayNonDecreasing(t *testing.T) {
	t.Parallel()

	p := Policy{Base: 50 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := p.Delay(attempt, nil)
		if d < prev {
			t.Fatalf("delay(%d) = %s decreased from %s", attempt, d, prev)
		}
		if d > p.Max {
			t.Fatalf("delay(%d) = %s exceeds cap %s", attempt, d, p.Max)
		}
		prev = d
	}
}

func TestDelayJitterBounds(t *testing.T) {
	t.Parallel()

	p := Policy{Base: 100 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.5}
	rng := rand.New(rand.NewSource(42))
	for attempt := 1; attempt <= 6; attempt++ {
		bare := Policy{Base: p.Base, Max: p.Max, Multiplier: p.Multiplier}.Delay(attempt, nil)
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt, rng)
			if d < bare {
				t.Fatalf("jittered delay %s below bare %s at attempt %d", d, bare, attempt)
			}
			limit := bare + bare/2
			if limit > p.Max {
				limit = p.Max
			}
			if d > limit {
				t.Fatalf("jittered delay %s above limit %s at attempt %d", d, limit, attempt)
			}
		}
	}
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	p := Policy{}.Normalize()
	if p.Base <= 0 || p.Max <= 0 || p.Multiplier < 1 {
		t.Fatalf("normalize left invalid policy: %+v", p)
	}
	if got := p.Delay(0, nil); got != p.Base {
		t.Fatalf("delay(0) = %s want base %s", got, p.Base)
	}
}
