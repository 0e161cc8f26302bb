package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrBufferFull is returned when the async buffer cannot take another event.
	ErrBufferFull = errors.New("event buffer full")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("event publisher closed")
)

// Async decouples callers from slow sinks. Publish only enqueues; a single
// goroutine delivers events to next in order, each bounded by timeout.
type Async struct {
	next    Publisher
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewAsync starts the delivery goroutine. Call Close to flush and stop it.
func NewAsync(next Publisher, buffer int, timeout time.Duration, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:    next,
		queue:   make(chan Event, buffer),
		timeout: timeout,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish implements Publisher. It never blocks; a full buffer drops the event.
func (a *Async) Publish(_ context.Context, ev Event) error {
	select {
	case <-a.stop:
		return ErrClosed
	default:
	}
	select {
	case a.queue <- ev:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close delivers what is already buffered and stops the goroutine.
func (a *Async) Close() {
	a.closeOnce.Do(func() { close(a.stop) })
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for {
		select {
		case ev := <-a.queue:
			a.deliver(ev)
		case <-a.stop:
			for {
				select {
				case ev := <-a.queue:
					a.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.next.Publish(ctx, ev); err != nil {
		a.logger.Warn("Async event delivery failed", "event_type", ev.Type, "contact_id", ev.ContactID, "error", err)
	}
}
