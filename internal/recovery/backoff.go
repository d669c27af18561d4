package recovery

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with up to 10% jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Rand returns a value in [0,1); nil uses math/rand.
	Rand func() float64
}

// Raw returns min(Base*2^retry, Max) without jitter.
func (b Backoff) Raw(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := b.Base
	for i := 0; i < retry; i++ {
		if d > b.Max-d {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Delay returns Raw(retry) plus up to 10% jitter, never exceeding Max.
func (b Backoff) Delay(retry int) time.Duration {
	d := b.Raw(retry)
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	d += time.Duration(float64(d) * 0.1 * r())
	if d > b.Max {
		return b.Max
	}
	return d
}
