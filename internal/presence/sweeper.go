package presence

import (
	"context"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultSweepInterval = 500 * time.Millisecond

// Expirer drops typing entries whose deadline passed.
type Expirer interface {
	ExpireTyping() int
}

// Sweeper periodically expires remote typing entries so subscribers see
// them disappear without a read.
type Sweeper struct {
	expirer  Expirer
	clock    clockwork.Clock
	interval time.Duration
}

func NewSweeper(expirer Expirer, clock clockwork.Clock, interval time.Duration) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{expirer: expirer, clock: clock, interval: interval}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := s.expirer.ExpireTyping(); n > 0 {
				log.Printf("[sweeper] expired typing entries=%d", n)
			}
		}
	}
}
