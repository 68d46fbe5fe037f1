package event

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// Handler receives committed events. Handlers run on emitter workers;
// a slow handler delays later events for records on the same shard
// but never reorders them.
type Handler func(ctx context.Context, ev *Event)

// Emitter fans committed events out to subscribed handlers through a
// sharded worker pool. Events for the same record always land on the
// same shard, so per-record ordering matches commit order. Ordering
// across different records is not guaranteed.
type Emitter struct {
	shards []chan *Event

	mu       sync.RWMutex
	handlers []Handler

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	state   sync.RWMutex

	log *zap.Logger
}

// NewEmitter creates an emitter with the given shard count. Each
// shard is one worker goroutine with a buffered queue.
func NewEmitter(shardCount int, log *zap.Logger) *Emitter {
	if shardCount <= 0 {
		shardCount = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	shards := make([]chan *Event, shardCount)
	for i := range shards {
		shards[i] = make(chan *Event, 256)
	}
	return &Emitter{shards: shards, ctx: ctx, cancel: cancel, log: log}
}

// Start launches the shard workers
func (e *Emitter) Start() {
	e.state.Lock()
	defer e.state.Unlock()
	if e.started {
		return
	}
	for i, ch := range e.shards {
		e.wg.Add(1)
		go e.worker(i, ch)
	}
	e.started = true
}

// Subscribe registers a handler for all subsequent events
func (e *Emitter) Subscribe(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Emit queues an event for delivery. Callers invoke it after commit;
// a full shard blocks the caller rather than dropping the event.
func (e *Emitter) Emit(ev *Event) {
	// The read lock is held across the send so Shutdown cannot close a
	// shard mid-send. Emits to other shards proceed in parallel; only
	// the event's own shard can block the caller.
	e.state.RLock()
	defer e.state.RUnlock()
	if !e.started || e.closed {
		e.log.Warn("event dropped, emitter not running",
			zap.String("object", ev.ObjectName),
			zap.String("record_id", ev.RecordID))
		return
	}

	select {
	case e.shards[e.shardFor(ev)] <- ev:
	case <-e.ctx.Done():
	}
}

func (e *Emitter) shardFor(ev *Event) int {
	h := fnv.New32a()
	h.Write([]byte(ev.WorkspaceID))
	h.Write([]byte{0})
	h.Write([]byte(ev.RecordID))
	return int(h.Sum32() % uint32(len(e.shards)))
}

func (e *Emitter) worker(id int, ch chan *Event) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.dispatch(ev)
		}
	}
}

func (e *Emitter) dispatch(ev *Event) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("event handler panic",
						zap.String("object", ev.ObjectName),
						zap.String("record_id", ev.RecordID),
						zap.Any("panic", r))
				}
			}()
			h(e.ctx, ev)
		}()
	}
}

// Shutdown stops accepting events and drains queued ones
func (e *Emitter) Shutdown() {
	e.state.Lock()
	if !e.started || e.closed {
		e.state.Unlock()
		return
	}
	e.closed = true
	e.state.Unlock()

	for _, ch := range e.shards {
		close(ch)
	}
	e.wg.Wait()
	e.cancel()
}
