package pass

import (
	"sync"

	"go-gallery-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// Observer receives pass events. Calls for one pass arrive on a single
// goroutine, in the order they were produced.
type Observer interface {
	OnProgress(passID string, p models.Progress)
	OnBytes(passID string, asset models.AssetDescriptor, written, total uint64)
	OnLog(passID string, msg string)
}

// StateObserver is optionally implemented by observers that track the pass
// state machine.
type StateObserver interface {
	OnState(passID string, from, to State)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) OnProgress(string, models.Progress)                      {}
func (NopObserver) OnBytes(string, models.AssetDescriptor, uint64, uint64) {}
func (NopObserver) OnLog(string, string)                                    {}

// dispatcher decouples producers from the observer with an unbounded FIFO
// drained by one goroutine, so posting never blocks.
type dispatcher struct {
	obs    Observer
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func(Observer)
	closed bool
	done   chan struct{}
}

func newDispatcher(obs Observer) *dispatcher {
	if obs == nil {
		obs = NopObserver{}
	}
	d := &dispatcher{obs: obs, done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *dispatcher) post(ev func(Observer)) {
	d.mu.Lock()
	if !d.closed {
		d.queue = append(d.queue, ev)
		d.cond.Signal()
	}
	d.mu.Unlock()
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, ev := range batch {
			d.deliver(ev)
		}
	}
}

func (d *dispatcher) deliver(ev func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Observer panicked: %v", r)
		}
	}()
	ev(d.obs)
}

// close stops accepting events and waits until everything queued so far has
// been delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}
