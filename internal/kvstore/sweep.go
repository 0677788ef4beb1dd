package kvstore

import (
	"sync"
	"time"
)

// sweeper runs fn on a fixed interval until stopped.
type sweeper struct {
	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func startSweeper(interval time.Duration, fn func()) *sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &sweeper{
		ticker: time.NewTicker(interval),
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ticker.C:
				fn()
			case <-s.stopCh:
				return
			}
		}
	}()
	return s
}

func (s *sweeper) stop() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		close(s.stopCh)
		s.ticker.Stop()
		s.wg.Wait()
	})
}
