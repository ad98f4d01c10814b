package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config sizes the phase event queue.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events instead of stalling a transaction phase.
	DropIfFull bool
	// OnDrop, when set, sees every event that never reached the sink.
	OnDrop func(Event)
}

// Dispatcher moves phase events off the transaction path onto a single
// worker that feeds the sink. A nil *Dispatcher accepts and discards events.
type Dispatcher struct {
	queue    chan Event
	sink     Sink
	dropFull bool
	onDrop   func(Event)

	accepting atomic.Bool
	stop      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher starts the worker. It returns nil when cfg is disabled.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	size := cfg.BufferSize
	if size < 1 {
		size = 1
	}

	d := &Dispatcher{
		queue:    make(chan Event, size),
		sink:     sink,
		dropFull: cfg.DropIfFull,
		onDrop:   cfg.OnDrop,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	d.accepting.Store(true)
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.stopped)
	for {
		select {
		case event := <-d.queue:
			d.forward(event)
		case <-d.stop:
			for n := len(d.queue); n > 0; n-- {
				d.forward(<-d.queue)
			}
			return
		}
	}
}

func (d *Dispatcher) forward(event Event) {
	d.sink.Emit(context.Background(), event)
	d.delivered.Add(1)
}

func (d *Dispatcher) drop(event Event) {
	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop(event)
	}
}

// Emit hands event to the worker. In drop mode a full queue sheds the
// event; otherwise Emit waits until there is room, ctx ends (a drop), or
// the dispatcher closes. Events emitted after Close are discarded.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || !d.accepting.Load() {
		return
	}

	if d.dropFull {
		select {
		case d.queue <- event:
		default:
			d.drop(event)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.drop(event)
	case <-d.stop:
	}
}

// Close flushes the queue into the sink and stops the worker.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.accepting.Store(false)
		close(d.stop)
		<-d.stopped
	})
}

// Dropped counts events shed by a full queue or a canceled emitter.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}
