package toolcall

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Breakers keeps one circuit breaker per model. A breaker opens after
// threshold consecutive failures and rejects calls for that model until the
// cooldown elapses; other models are unaffected.
type Breakers struct {
	threshold uint32
	cooldown  time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakers(threshold uint32, cooldown time.Duration) *Breakers {
	return &Breakers{
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *Breakers) get(model string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[model]
	if !ok {
		threshold := b.threshold
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        model,
			MaxRequests: 1,
			Timeout:     b.cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
		b.breakers[model] = cb
	}
	return cb
}

// State reports the breaker state for model; unknown models are closed.
func (b *Breakers) State(model string) gobreaker.State {
	return b.get(model).State()
}

func (b *Breakers) Execute(model string, fn func() (*Result, error)) (*Result, error) {
	out, err := b.get(model).Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &RequestFailedError{Model: model, Err: err}
		}
		return nil, err
	}
	return out.(*Result), nil
}
