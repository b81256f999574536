package platform

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aitrios-samples/people-monitor/internal/logger"
	"github.com/aitrios-samples/people-monitor/internal/state"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultCallTimeout  = 5 * time.Second
)

// Poller periodically asks the console for each assigned device's state and
// folds the answers into the store. Every device is polled concurrently
// with its own deadline, so one hung console call delays nothing else.
type Poller struct {
	client   Client
	store    *state.Store
	interval time.Duration
	timeout  time.Duration

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewPoller(client Client, store *state.Store, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Poller{
		client:   client,
		store:    store,
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop; Stop waits for the in-flight pass and
// returns immediately when the loop was never started.
func (p *Poller) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run()
}

func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.started.Load() {
		<-p.done
	}
}

func (p *Poller) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.PollAll()
		}
	}
}

// PollAll queries every assigned device once and blocks until all answers
// (or timeouts) are in.
func (p *Poller) PollAll() {
	ids := p.store.DeviceIDs()
	if len(ids) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			p.pollDevice(deviceID)
		}(id)
	}
	wg.Wait()
}

func (p *Poller) pollDevice(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	st, err := p.client.GetConnectionState(ctx, deviceID)
	if err != nil {
		logger.Debug("Platform", "Poll failed for %s: %v", deviceID, err)
		_ = p.store.SetConnected(deviceID, false)
		return
	}

	_ = p.store.SetConnected(deviceID, st.Connected)
	_ = p.store.SetInferenceActive(deviceID, st.Connected && StreamingInference(st.Operation))
}
