package daq

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ehrlich-b/go-daq/measure"
)

// Event carries the controller-clock timestamp stamped at dispatch.
type Event struct {
	Time time.Time
}

// Observer receives controller lifecycle events. Implementations must
// be safe for calls from the controller's input and persistence paths;
// dispatch itself is serial, so two observer callbacks never run
// concurrently with each other. A panic in an observer is recovered,
// logged, and never aborts acquisition.
type Observer interface {
	// ReceivedInputData fires for every chunk a device pushes, before
	// routing.
	ReceivedInputData(ev Event, device Device, data *measure.IOData)

	// PushedInputData fires after a chunk has been routed into the
	// current epoch's response buffers.
	PushedInputData(ev Event, epoch *Epoch)

	// SavedEpoch fires after the persistor has committed the epoch.
	SavedEpoch(ev Event, epoch *Epoch)

	// CompletedEpoch fires once per run, after the epoch has been
	// saved (or immediately after completion when running without a
	// persistor).
	CompletedEpoch(ev Event, epoch *Epoch)

	// DiscardedEpoch fires when an epoch is abandoned: hardware
	// failure, NextEpoch, or CancelEpoch.
	DiscardedEpoch(ev Event, epoch *Epoch)

	// NextEpochRequested fires when NextEpoch pops the queue.
	NextEpochRequested(ev Event)
}

// NoOpObserver provides empty implementations of all Observer methods.
// Embed it to observe a subset of events.
type NoOpObserver struct{}

// ReceivedInputData implements Observer.
func (NoOpObserver) ReceivedInputData(Event, Device, *measure.IOData) {}

// PushedInputData implements Observer.
func (NoOpObserver) PushedInputData(Event, *Epoch) {}

// SavedEpoch implements Observer.
func (NoOpObserver) SavedEpoch(Event, *Epoch) {}

// CompletedEpoch implements Observer.
func (NoOpObserver) CompletedEpoch(Event, *Epoch) {}

// DiscardedEpoch implements Observer.
func (NoOpObserver) DiscardedEpoch(Event, *Epoch) {}

// NextEpochRequested implements Observer.
func (NoOpObserver) NextEpochRequested(Event) {}

// dispatcher fans events out to subscribed observers. Subscription
// takes a write lock; emission snapshots the observer list and then
// dispatches under the dispatch lock, so callbacks are serial without
// holding the subscription lock across user code.
type dispatcher struct {
	mu        sync.RWMutex
	observers map[int]Observer
	nextKey   int

	dispatchMu sync.Mutex
	log        *log.Logger
	onPanic    func()
}

func newDispatcher(logger *log.Logger, onPanic func()) *dispatcher {
	return &dispatcher{observers: map[int]Observer{}, log: logger, onPanic: onPanic}
}

// subscribe registers an observer and returns its unsubscribe func.
func (d *dispatcher) subscribe(o Observer) func() {
	d.mu.Lock()
	key := d.nextKey
	d.nextKey++
	d.observers[key] = o
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.observers, key)
		d.mu.Unlock()
	}
}

func (d *dispatcher) snapshot() []Observer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Observer, 0, len(d.observers))
	for key := 0; key < d.nextKey; key++ {
		if o, ok := d.observers[key]; ok {
			out = append(out, o)
		}
	}
	return out
}

// emit runs fn for every subscribed observer, serially, recovering
// panics.
func (d *dispatcher) emit(name string, fn func(o Observer)) {
	observers := d.snapshot()
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	for _, o := range observers {
		d.dispatchOne(name, o, fn)
	}
}

func (d *dispatcher) dispatchOne(name string, o Observer, fn func(o Observer)) {
	defer func() {
		if r := recover(); r != nil {
			if d.onPanic != nil {
				d.onPanic()
			}
			d.log.WithFields(log.Fields{
				"event": name,
				"panic": r,
			}).Error("observer panicked; continuing acquisition")
		}
	}()
	fn(o)
}
