package session

import (
	"sync"

	"livecast/pkg/models"
)

// Observer receives session events on the dispatcher goroutine. It must not block for long;
// events for all observers of a controller are delivered in order, one at a time.
type Observer func(models.Event)

type observer struct {
	fn       Observer
	detached bool
}

// dispatcher decouples event delivery from the owner loop. The queue is unbounded
// so emitting never blocks the loop.
type dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []models.Event
	observers []*observer
	running   *observer // observer whose callback is in progress
	closed    bool
	done      chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// attach registers fn. When the returned detach func returns, fn is not running and
// will not be called again. detach waits for a callback in progress, so it must not be
// called from fn itself; a callback that wants to detach does so from a new goroutine.
func (d *dispatcher) attach(fn Observer) func() {
	o := &observer{fn: fn}
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		o.detached = true
		for i, other := range d.observers {
			if other == o {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				break
			}
		}
		for d.running == o {
			d.cond.Wait()
		}
	}
}

func (d *dispatcher) emit(ev models.Event) {
	d.mu.Lock()
	if !d.closed {
		d.queue = append(d.queue, ev)
		d.cond.Broadcast()
	}
	d.mu.Unlock()
}

// close delivers what is queued, then stops the dispatcher
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

func (d *dispatcher) run() {
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
		ev := d.queue[0]
		d.queue[0] = models.Event{}
		d.queue = d.queue[1:]
		targets := append([]*observer(nil), d.observers...)
		d.mu.Unlock()

		for _, o := range targets {
			d.mu.Lock()
			if o.detached {
				d.mu.Unlock()
				continue
			}
			d.running = o
			d.mu.Unlock()

			o.fn(ev)

			d.mu.Lock()
			d.running = nil
			d.cond.Broadcast()
			d.mu.Unlock()
		}
	}
}
