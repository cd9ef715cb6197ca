package dispatch

import (
	"sync"

	"github.com/tmarqs/xim/internal/store"
	"go.uber.org/zap"
)

// Handler receives a freshly synced incoming message.
type Handler func(*store.Message)

// Dispatcher fans freshly arrived messages out to interested subscribers
// (e.g. an open chat view) without touching persistence. Delivery is
// synchronous and FIFO across subscribers within one Dispatch call.
type Dispatcher struct {
	mu     sync.Mutex
	subs   map[int]Handler
	order  []int
	next   int
	logger *zap.Logger
}

// New creates a dispatcher. logger may be nil.
func New(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subs:   make(map[int]Handler),
		logger: logger,
	}
}

// Subscribe registers a handler and returns an unsubscribe function.
// Subscribing or unsubscribing during a dispatch pass is safe; the change
// takes effect on the next pass.
func (d *Dispatcher) Subscribe(h Handler) func() {
	d.mu.Lock()
	id := d.next
	d.next++
	d.subs[id] = h
	d.order = append(d.order, id)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Dispatch delivers msg to every currently registered handler, in
// registration order. Each handler runs isolated: a panicking subscriber
// does not prevent delivery to the others.
func (d *Dispatcher) Dispatch(msg *store.Message) {
	d.mu.Lock()
	snapshot := make([]Handler, 0, len(d.subs))
	kept := d.order[:0]
	for _, id := range d.order {
		if h, ok := d.subs[id]; ok {
			snapshot = append(snapshot, h)
			kept = append(kept, id)
		}
	}
	d.order = kept
	d.mu.Unlock()

	for _, h := range snapshot {
		d.deliver(h, msg)
	}
}

func (d *Dispatcher) deliver(h Handler, msg *store.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("message subscriber panicked",
				zap.Any("panic", r),
				zap.String("msg_id", msg.MsgID))
		}
	}()
	h(msg)
}
