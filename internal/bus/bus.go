// Package bus fans dispatch status events out to the console, notifiers and
// the live monitor.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"wasender/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus delivers StatusEvents to named subscribers on a single
// goroutine, in publish order. A slow subscriber delays the others but
// never the engine, unless the buffer fills.
type InMemoryBus struct {
	events   chan domain.StatusEvent
	handlers map[string]func(domain.StatusEvent)
	order    []string
	history  []domain.StatusEvent
	maxHist  int
	seq      uint64
	subMu    sync.Mutex // handlers, order, history, seq
	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	logger   *slog.Logger
}

var _ domain.StatusBus = (*InMemoryBus)(nil)

// New creates a bus with the given buffer size and starts its dispatcher.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	b := &InMemoryBus{
		events:   make(chan domain.StatusEvent, bufferSize),
		handlers: make(map[string]func(domain.StatusEvent)),
		maxHist:  500,
		done:     make(chan struct{}),
		logger:   logger,
	}
	go b.run()
	return b
}

// Report publishes ev. Blocks up to 10 seconds if the bus is full instead of
// dropping.
func (b *InMemoryBus) Report(ev domain.StatusEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "kind", ev.Kind)
		return
	}

	// History is recorded before delivery. Seq lets a subscriber that
	// replayed it drop the live duplicate.
	b.subMu.Lock()
	b.seq++
	ev.Seq = b.seq
	if len(b.history) >= b.maxHist {
		b.history = b.history[1:]
	}
	b.history = append(b.history, ev)
	b.subMu.Unlock()

	select {
	case b.events <- ev:
	default:
		b.logger.Warn("status bus full, waiting...", "kind", ev.Kind)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.events <- ev:
		case <-timer.C:
			b.logger.Error("status event dropped: bus full for 10s", "kind", ev.Kind)
		}
	}
}

// Subscribe registers handler under name, replacing any previous handler
// with the same name.
func (b *InMemoryBus) Subscribe(name string, handler func(domain.StatusEvent)) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, exists := b.handlers[name]; !exists {
		b.order = append(b.order, name)
	}
	b.handlers[name] = handler
}

// History returns the retained events of the current run, oldest first.
func (b *InMemoryBus) History() []domain.StatusEvent {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	out := make([]domain.StatusEvent, len(b.history))
	copy(out, b.history)
	return out
}

// Close stops accepting events and waits until everything already published
// has been delivered.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()
	<-b.done
}

func (b *InMemoryBus) run() {
	defer close(b.done)
	for ev := range b.events {
		b.subMu.Lock()
		handlers := make([]func(domain.StatusEvent), 0, len(b.order))
		names := make([]string, 0, len(b.order))
		for _, name := range b.order {
			handlers = append(handlers, b.handlers[name])
			names = append(names, name)
		}
		b.subMu.Unlock()

		for i, h := range handlers {
			b.deliver(names[i], h, ev)
		}
	}
}

func (b *InMemoryBus) deliver(name string, h func(domain.StatusEvent), ev domain.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("status handler panic", "handler", name, "kind", ev.Kind, "panic", r)
		}
	}()
	h(ev)
}
