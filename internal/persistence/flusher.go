package persistence

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Flusher periodically saves a Store on a ticker and once more on Stop, so
// a clean shutdown never loses state accumulated since the last tick.
type Flusher struct {
	store    *Store
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewFlusher(store *Store, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Flusher{store: store, interval: interval}
}

// Start begins the periodic flush loop. It is a no-op if already running.
func (f *Flusher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.wg.Add(1)
	go f.loop()
}

// Stop ends the flush loop and performs one final save.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	f.mu.Unlock()

	f.wg.Wait()

	if err := f.store.Save(); err != nil {
		f.store.logger.Warn("final snapshot save failed", zap.Error(err))
	}
}

func (f *Flusher) loop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := f.store.Save(); err != nil {
				f.store.logger.Warn("periodic snapshot save failed", zap.Error(err))
			}
		}
	}
}
