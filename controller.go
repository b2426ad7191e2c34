package daq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/ehrlich-b/go-daq/internal/constants"
	"github.com/ehrlich-b/go-daq/internal/logging"
	"github.com/ehrlich-b/go-daq/internal/worker"
	"github.com/ehrlich-b/go-daq/measure"
)

// Options contains additional options for controller construction.
type Options struct {
	// Logger for controller messages (if nil, the package default)
	Logger *log.Logger

	// Observer subscribed at construction (if nil, none)
	Observer Observer

	// PersistorFactory backs BeginEpochGroup (if nil, BeginEpochGroup
	// fails)
	PersistorFactory PersistorFactory

	// PersistQueueDepth overrides the persistence queue depth
	PersistQueueDepth int
}

// inputLane is the per-device input path: a FIFO of pushed chunks plus
// at most one held-over fragment, consumed before the queue. Each lane
// has its own lock; different devices never contend.
type inputLane struct {
	mu       sync.Mutex
	fragment *measure.IOData
	queue    []*measure.IOData
}

// epochRun is the state of one RunEpoch invocation.
type epochRun struct {
	epoch *Epoch

	cancel        context.CancelFunc // requests cooperative DAQ stop
	persistCtx    context.Context    // cancellation token for the persistence task
	persistCancel context.CancelFunc

	persisted atomic.Bool // completion observed; persistence submitted
	discarded atomic.Bool

	mu        sync.Mutex
	persistor EpochPersistor
	handle    *worker.Handle // pending persistence, if any
	next      *Epoch         // epoch popped by NextEpoch, if any
}

// Controller is the epoch runtime. It owns the device registry, the
// current and queued epochs, the per-device input lanes, and the serial
// persistence worker. One epoch runs at a time; the DAQ hardware calls
// PullOutputData and PushInputData from its own goroutines while
// RunEpoch blocks.
type Controller struct {
	daq   DAQController
	clock clock.Clock
	log   *log.Logger

	mu          sync.Mutex
	devices     map[string]Device
	deviceOrder []string
	queue       []*Epoch

	current atomic.Pointer[Epoch]
	run     atomic.Pointer[epochRun]
	runMu   sync.Mutex // serializes RunEpoch callers

	lanesMu sync.Mutex
	lanes   map[DeviceRef]*inputLane

	events  *dispatcher
	metrics *Metrics

	persistWorker *worker.Serial
	factory       PersistorFactory
	closed        atomic.Bool
}

// NewController creates a controller bound to a DAQ implementation and
// a clock. Both are required; there are no process-wide defaults.
func NewController(daqc DAQController, clk clock.Clock, options *Options) *Controller {
	if options == nil {
		options = &Options{}
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	depth := options.PersistQueueDepth
	if depth <= 0 {
		depth = constants.PersistQueueDepth
	}

	c := &Controller{
		daq:           daqc,
		clock:         clk,
		log:           logger,
		devices:       map[string]Device{},
		lanes:         map[DeviceRef]*inputLane{},
		metrics:       NewMetrics(),
		persistWorker: worker.NewSerial(depth),
		factory:       options.PersistorFactory,
	}
	c.events = newDispatcher(logger, func() { c.metrics.ObserverPanics.Add(1) })
	if options.Observer != nil {
		c.events.subscribe(options.Observer)
	}
	return c
}

// Close shuts down the persistence worker after draining it. The
// controller must not be running an epoch.
func (c *Controller) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.persistWorker.Close()
	}
}

// Metrics returns the controller's metrics.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// Subscribe registers an observer and returns its unsubscribe func.
func (c *Controller) Subscribe(o Observer) func() {
	return c.events.subscribe(o)
}

// AddDevice registers a device and binds it to this controller. Fails
// if a device with the same name is already registered. Devices are
// never implicitly removed.
func (c *Controller) AddDevice(d Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.devices[d.Name()]; dup {
		return NewDeviceError("AddDevice", d.Name(), ErrCodeDuplicateDevice, "a device with this name is already registered")
	}
	c.devices[d.Name()] = d
	c.deviceOrder = append(c.deviceOrder, d.Name())
	d.BindController(c)
	return nil
}

// Device returns the registered device with the given name, or nil.
func (c *Controller) Device(name string) Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[name]
}

// Devices returns the registered devices in registration order.
func (c *Controller) Devices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Device, 0, len(c.deviceOrder))
	for _, name := range c.deviceOrder {
		out = append(out, c.devices[name])
	}
	return out
}

// Validate checks controller wiring. A device whose back-pointer has
// drifted is rebound before its own validation runs.
func (c *Controller) Validate() error {
	if c.daq == nil {
		return NewError("Validate", ErrCodeState, "no DAQ controller")
	}
	if c.clock == nil {
		return NewError("Validate", ErrCodeState, "no clock")
	}
	for _, d := range c.Devices() {
		if d.Controller() != c {
			d.BindController(c)
		}
		if err := d.Validate(); err != nil {
			return &Error{Op: "Validate", Device: d.Name(), Code: ErrCodeShape, Msg: err.Error(), Inner: err}
		}
	}
	return nil
}

// EnqueueEpoch validates an epoch's shape and appends it to the queue.
func (c *Controller) EnqueueEpoch(e *Epoch) error {
	if err := ValidateEpoch(e); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, e)
	return nil
}

// CurrentEpoch returns the epoch currently receiving device data, or
// nil.
func (c *Controller) CurrentEpoch() *Epoch {
	return c.current.Load()
}

func (c *Controller) lane(ref DeviceRef) *inputLane {
	c.lanesMu.Lock()
	defer c.lanesMu.Unlock()
	l, ok := c.lanes[ref]
	if !ok {
		l = &inputLane{}
		c.lanes[ref] = l
	}
	return l
}

// clearLanes discards all queued and held-over input.
func (c *Controller) clearLanes() {
	c.lanesMu.Lock()
	defer c.lanesMu.Unlock()
	c.lanes = map[DeviceRef]*inputLane{}
}

// PullOutputData supplies up to duration of outgoing stimulus data for
// a device. Returns nil when no epoch is current or the device's
// stimulus is exhausted; otherwise a chunk of positive duration no
// longer than requested.
func (c *Controller) PullOutputData(d Device, duration time.Duration) *measure.IOData {
	e := c.current.Load()
	if e == nil {
		return nil
	}
	chunk := e.PullOutputData(d, duration)
	if chunk != nil {
		c.metrics.ChunksPulled.Add(1)
	}
	return chunk
}

// DidOutputData records that the hardware emitted a stimulus span with
// the given pipeline-node configuration. No-op once the current epoch
// is complete.
func (c *Controller) DidOutputData(d Device, outputTime time.Time, duration time.Duration, nodes []NodeConfiguration) {
	e := c.current.Load()
	if e == nil {
		return
	}
	e.AddOutputSpans(d, duration, nodes)
}

// PushInputData routes a chunk of device input into the current
// epoch's response buffer for that device. Chunk boundaries need not
// align with epoch boundaries: the lane splits chunks so a response
// never exceeds the epoch duration, holding the unused rest of a split
// chunk as the lane fragment.
func (c *Controller) PushInputData(d Device, data *measure.IOData) {
	c.metrics.ChunksPushed.Add(1)
	c.emitReceivedInputData(d, data)

	e := c.current.Load()
	if e == nil {
		c.metrics.ChunksDropped.Add(1)
		return
	}
	ref := refOf(d)
	r := e.Response(ref)
	if r == nil {
		c.metrics.ChunksDropped.Add(1)
		c.log.WithFields(log.Fields{
			"device": d.Name(),
			"epoch":  e.ProtocolID(),
		}).Debug("discarding input chunk: no response registered")
		return
	}

	now := c.clock.Now()
	lane := c.lane(ref)
	lane.mu.Lock()
	lane.queue = append(lane.queue, data)

	// A held-over fragment is consumed before the queue.
	if lane.fragment != nil {
		head, rest := lane.fragment.Split(e.remainingFor(r))
		c.appendHead(e, ref, r, now, head)
		if rest.SampleCount() > 0 {
			lane.fragment = rest
		} else {
			lane.fragment = nil
		}
	}

	for len(lane.queue) > 0 && r.Duration() < e.duration {
		if lane.fragment != nil {
			lane.mu.Unlock()
			panic(NewDeviceError("PushInputData", d.Name(), ErrCodeInvariant,
				"input lane fragment not empty during queue drain"))
		}
		chunk := lane.queue[0]
		lane.queue = lane.queue[1:]
		head, rest := chunk.Split(e.remainingFor(r))
		c.appendHead(e, ref, r, now, head)
		if rest.SampleCount() > 0 {
			lane.fragment = rest
		}
	}
	lane.mu.Unlock()

	c.emitPushedInputData(e)
	c.checkCompletion(e)
}

func (c *Controller) appendHead(e *Epoch, ref DeviceRef, r *Response, at time.Time, head *measure.IOData) {
	if head.SampleCount() == 0 {
		return
	}
	r.appendData(at, head)
	c.metrics.SamplesPushed.Add(uint64(head.SampleCount()))
}

// checkCompletion submits the persistence task on the first observation
// of a complete epoch and requests DAQ stop. Re-entrant completion
// observations are ignored.
func (c *Controller) checkCompletion(e *Epoch) {
	run := c.run.Load()
	if run == nil || run.epoch != e {
		return
	}
	if !e.IsComplete() {
		return
	}
	if !run.persisted.CompareAndSwap(false, true) {
		return
	}

	run.cancel()

	p := runPersistor(run)
	handle, err := c.persistWorker.Submit(run.persistCtx, func(context.Context) error {
		return c.persistEpoch(e, p)
	})
	if err != nil {
		c.log.WithError(err).Error("failed to submit persistence task")
		return
	}
	run.mu.Lock()
	run.handle = handle
	run.mu.Unlock()
}

func runPersistor(run *epochRun) EpochPersistor {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.persistor
}

// persistEpoch is the persistence task body, run on the serial worker.
func (c *Controller) persistEpoch(e *Epoch, p EpochPersistor) error {
	start := c.clock.Now()
	if p != nil {
		if err := p.Serialize(e); err != nil {
			return WrapError("persistEpoch", ErrCodePersist, err)
		}
		c.metrics.RecordPersist(c.clock.Now().Sub(start))
		c.metrics.EpochsSaved.Add(1)
		c.emitSavedEpoch(e)
	}
	c.metrics.EpochsCompleted.Add(1)
	c.emitCompletedEpoch(e)
	return nil
}

// RunEpoch runs one epoch to completion. It validates controller and
// epoch, makes the epoch current, stamps its start time, starts the
// hardware, and returns only after the hardware has stopped and any
// pending persistence has settled. Hardware failure discards the epoch
// and surfaces as a wrapped error; persistence failures aggregate into
// the returned error.
func (c *Controller) RunEpoch(e *Epoch, p EpochPersistor) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if err := c.Validate(); err != nil {
		return err
	}
	if err := ValidateEpoch(e); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer cancel()
	defer persistCancel()

	run := &epochRun{
		epoch:         e,
		cancel:        cancel,
		persistCtx:    persistCtx,
		persistCancel: persistCancel,
	}
	run.mu.Lock()
	run.persistor = p
	run.mu.Unlock()

	c.clearLanes()
	c.run.Store(run)
	c.current.Store(e)
	e.SetStartTime(c.clock.Now())
	c.metrics.EpochsStarted.Add(1)

	daqErr := c.daq.Run(ctx, c)
	cancel()

	// Wait out the pending persistence task, if completion submitted
	// one.
	run.mu.Lock()
	handle := run.handle
	next := run.next
	run.mu.Unlock()

	var persistErr error
	if handle != nil {
		persistErr = handle.Wait()
	}

	if (daqErr != nil || run.discarded.Load()) && !run.persisted.Load() {
		c.metrics.EpochsDiscarded.Add(1)
		c.emitDiscardedEpoch(e)
	}

	if next != nil {
		c.current.Store(next)
	} else {
		c.current.Store(nil)
	}
	c.run.Store(nil)
	c.clearLanes()
	c.applyBackgrounds(e)

	var errs []error
	if daqErr != nil && !errors.Is(daqErr, context.Canceled) {
		errs = append(errs, WrapError("RunEpoch", ErrCodeDAQStop, daqErr))
	}
	if persistErr != nil && !errors.Is(persistErr, context.Canceled) {
		errs = append(errs, WrapError("RunEpoch", ErrCodePersist, persistErr))
	}
	return errors.Join(errs...)
}

// RunQueuedEpochs runs epochs from the queue until it drains, an error
// occurs, or CancelEpoch stops acquisition. NextEpoch advances the
// loop to the popped epoch.
func (c *Controller) RunQueuedEpochs(p EpochPersistor) error {
	for {
		e := c.current.Load()
		if e == nil {
			c.mu.Lock()
			if len(c.queue) > 0 {
				e = c.queue[0]
				c.queue = c.queue[1:]
			}
			c.mu.Unlock()
		}
		if e == nil {
			return nil
		}
		if err := c.RunEpoch(e, p); err != nil {
			return err
		}
	}
}

// NextEpoch abandons the current epoch and pops the queue. Fails if
// the queue is empty. The abandoned epoch is discarded, never
// persisted; the caller restarts acquisition for the popped epoch.
func (c *Controller) NextEpoch() error {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return NewError("NextEpoch", ErrCodeEmptyQueue, "epoch queue is empty")
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()

	c.emitNextEpochRequested()

	run := c.run.Load()
	if run == nil {
		c.current.Store(next)
		return nil
	}
	run.mu.Lock()
	run.next = next
	run.mu.Unlock()
	run.discarded.Store(true)
	run.persistCancel()
	run.cancel()
	return nil
}

// CancelEpoch abandons the current epoch and stops acquisition. Queued
// epochs are dropped.
func (c *Controller) CancelEpoch() {
	c.mu.Lock()
	c.queue = nil
	c.mu.Unlock()

	run := c.run.Load()
	if run == nil {
		return
	}
	run.discarded.Store(true)
	run.persistCancel()
	run.cancel()
}

// applyBackgrounds asks the hardware to restore each device's
// registered background after an epoch stops.
func (c *Controller) applyBackgrounds(e *Epoch) {
	applier, ok := c.daq.(BackgroundApplier)
	if !ok {
		return
	}
	for _, d := range c.Devices() {
		bg := e.Background(refOf(d))
		if bg == nil {
			continue
		}
		if err := applier.ApplyBackground(d, bg.Value); err != nil {
			c.log.WithError(err).WithField("device", d.Name()).Warn("failed to apply background")
		}
	}
}

// BeginEpochGroup creates a persistence session for the given path,
// selecting the backend by filename suffix through the installed
// factory, and begins an epoch group in it.
func (c *Controller) BeginEpochGroup(path, purpose, label, source string) (EpochSession, error) {
	if c.factory == nil {
		return nil, NewError("BeginEpochGroup", ErrCodeState, "no persistor factory installed")
	}
	start := c.clock.Now()
	session, err := c.factory(path, purpose, start)
	if err != nil {
		return nil, err
	}
	if err := session.BeginEpochGroup(label, source, start); err != nil {
		session.Close(c.clock.Now())
		return nil, err
	}
	return session, nil
}

// EndEpochGroup stamps the open group's end time on the session.
func (c *Controller) EndEpochGroup(session EpochSession) error {
	return session.EndEpochGroup(c.clock.Now())
}

func (c *Controller) event() Event {
	return Event{Time: c.clock.Now()}
}

func (c *Controller) emitReceivedInputData(d Device, data *measure.IOData) {
	ev := c.event()
	c.events.emit("ReceivedInputData", func(o Observer) { o.ReceivedInputData(ev, d, data) })
}

func (c *Controller) emitPushedInputData(e *Epoch) {
	ev := c.event()
	c.events.emit("PushedInputData", func(o Observer) { o.PushedInputData(ev, e) })
}

func (c *Controller) emitSavedEpoch(e *Epoch) {
	ev := c.event()
	c.events.emit("SavedEpoch", func(o Observer) { o.SavedEpoch(ev, e) })
}

func (c *Controller) emitCompletedEpoch(e *Epoch) {
	ev := c.event()
	c.events.emit("CompletedEpoch", func(o Observer) { o.CompletedEpoch(ev, e) })
}

func (c *Controller) emitDiscardedEpoch(e *Epoch) {
	ev := c.event()
	c.events.emit("DiscardedEpoch", func(o Observer) { o.DiscardedEpoch(ev, e) })
}

func (c *Controller) emitNextEpochRequested() {
	ev := c.event()
	c.events.emit("NextEpochRequested", func(o Observer) { o.NextEpochRequested(ev) })
}
