package daq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-daq/measure"
)

// recordingObserver captures the full event stream for assertions.
type recordingObserver struct {
	mu     sync.Mutex
	names  []string
	saved  []*Epoch
	done   []*Epoch
	gone   []*Epoch
	pushed int
}

func (r *recordingObserver) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recordingObserver) ReceivedInputData(Event, Device, *measure.IOData) {
	r.record("ReceivedInputData")
}

func (r *recordingObserver) PushedInputData(Event, *Epoch) {
	r.mu.Lock()
	r.pushed++
	r.mu.Unlock()
	r.record("PushedInputData")
}

func (r *recordingObserver) SavedEpoch(_ Event, e *Epoch) {
	r.mu.Lock()
	r.saved = append(r.saved, e)
	r.mu.Unlock()
	r.record("SavedEpoch")
}

func (r *recordingObserver) CompletedEpoch(_ Event, e *Epoch) {
	r.mu.Lock()
	r.done = append(r.done, e)
	r.mu.Unlock()
	r.record("CompletedEpoch")
}

func (r *recordingObserver) DiscardedEpoch(_ Event, e *Epoch) {
	r.mu.Lock()
	r.gone = append(r.gone, e)
	r.mu.Unlock()
	r.record("DiscardedEpoch")
}

func (r *recordingObserver) NextEpochRequested(Event) {
	r.record("NextEpochRequested")
}

func (r *recordingObserver) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.names {
		if got == name {
			n++
		}
	}
	return n
}

// fakePersistor records serialized epochs in commit order.
type fakePersistor struct {
	mu     sync.Mutex
	epochs []*Epoch
	err    error
	delay  time.Duration
}

func (p *fakePersistor) Serialize(e *Epoch) error {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.epochs = append(p.epochs, e)
	return nil
}

func (p *fakePersistor) serialized() []*Epoch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Epoch(nil), p.epochs...)
}

func rateHz(hz float64) measure.Measurement { return measure.New(hz, "Hz") }

func constChunk(t *testing.T, value float64, n int) *measure.IOData {
	t.Helper()
	d, err := measure.ConstantIOData(measure.New(value, "V"), rateHz(1000), n)
	require.NoError(t, err)
	return d
}

func newTestController(t *testing.T, mock *MockDAQController) (*Controller, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	c := NewController(mock, clock.NewMock(), &Options{Observer: obs})
	t.Cleanup(c.Close)
	return c, obs
}

// oneSecondEpoch builds a 1s/1000Hz epoch with a stimulus and response
// registered for the device.
func oneSecondEpoch(t *testing.T, protocol string, d Device) *Epoch {
	t.Helper()
	e := NewEpoch(protocol, time.Second)
	stim, err := measure.ConstantIOData(measure.New(1, "V"), rateHz(1000), 1000)
	require.NoError(t, err)
	e.AddStimulus(d, NewRenderedStimulus("square", map[string]any{"amplitude": 1.0}, stim))
	e.RecordResponse(d, rateHz(1000))
	return e
}

func TestAddDeviceDuplicateName(t *testing.T) {
	c, _ := newTestController(t, &MockDAQController{})

	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))
	require.Same(t, c, d.Controller(), "AddDevice binds the back-pointer")

	err := c.AddDevice(NewTestDevice("D", "OtherCo"))
	require.True(t, IsCode(err, ErrCodeDuplicateDevice))
	require.Len(t, c.Devices(), 1)
}

func TestValidateSelfHealsDeviceBinding(t *testing.T) {
	c, _ := newTestController(t, &MockDAQController{})
	other, _ := newTestController(t, &MockDAQController{})

	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	// Drift the back-pointer, then validate: the controller rebinds.
	d.BindController(other)
	require.NoError(t, c.Validate())
	require.Same(t, c, d.Controller())
}

func TestValidateSurfacesDeviceError(t *testing.T) {
	c, _ := newTestController(t, &MockDAQController{})
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	d.SetValidateError(errors.New("unplugged"))
	err := c.Validate()
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeShape))
}

func TestPullOutputDataWithoutEpoch(t *testing.T) {
	c, _ := newTestController(t, &MockDAQController{})
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	require.Nil(t, c.PullOutputData(d, time.Second))
}

// S1: two 600-sample chunks against a 1000-sample epoch. The response
// stores exactly the first 1000 pushed samples and CompletedEpoch
// fires once.
func TestRunEpochSingleCompletes(t *testing.T) {
	mock := &MockDAQController{}
	c, obs := newTestController(t, mock)
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	e := oneSecondEpoch(t, "proto", d)
	p := &fakePersistor{}

	mock.OnRun = func(ctx context.Context, ctrl *Controller) error {
		out := ctrl.PullOutputData(d, 250*time.Millisecond)
		require.NotNil(t, out)
		require.Equal(t, 250, out.SampleCount())

		ctrl.PushInputData(d, constChunk(t, 0, 600))
		require.False(t, e.IsComplete())
		ctrl.PushInputData(d, constChunk(t, 0, 600))
		<-ctx.Done()
		return nil
	}

	require.NoError(t, c.RunEpoch(e, p))

	r := e.Response(DeviceRef{Name: "D", Manufacturer: "M"})
	require.Equal(t, 1000, len(r.Samples()), "response truncates at epoch duration")
	require.Equal(t, time.Second, r.Duration())
	require.True(t, e.IsComplete())

	require.Equal(t, 1, obs.count("CompletedEpoch"))
	require.Equal(t, 1, obs.count("SavedEpoch"))
	require.Equal(t, 0, obs.count("DiscardedEpoch"))
	require.Equal(t, []*Epoch{e}, p.serialized())
	require.Nil(t, c.CurrentEpoch())
}

// Response-duration bound: a single chunk far larger than the epoch is
// clipped and the remainder held as the lane fragment.
func TestPushInputDataClipsOversizeChunk(t *testing.T) {
	mock := &MockDAQController{}
	c, _ := newTestController(t, mock)
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	e := oneSecondEpoch(t, "proto", d)
	mock.OnRun = func(ctx context.Context, ctrl *Controller) error {
		ctrl.PushInputData(d, constChunk(t, 0, 2500))
		<-ctx.Done()
		return nil
	}
	require.NoError(t, c.RunEpoch(e, nil))

	r := e.Response(DeviceRef{Name: "D", Manufacturer: "M"})
	require.Equal(t, 1000, len(r.Samples()))
	require.LessOrEqual(t, r.Duration(), time.Second)
}

// Sample preservation: the response equals the pushed concatenation
// truncated to the epoch duration.
func TestSamplePreservation(t *testing.T) {
	mock := &MockDAQController{}
	c, _ := newTestController(t, mock)
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	e := oneSecondEpoch(t, "proto", d)

	var pushed []measure.Measurement
	mock.OnRun = func(ctx context.Context, ctrl *Controller) error {
		for i, n := range []int{137, 263, 401, 350} {
			samples := make([]measure.Measurement, n)
			for j := range samples {
				samples[j] = measure.New(float64(i*1000+j), "V")
			}
			chunk, err := measure.NewIOData(samples, rateHz(1000))
			require.NoError(t, err)
			pushed = append(pushed, samples...)
			ctrl.PushInputData(d, chunk)
		}
		<-ctx.Done()
		return nil
	}
	require.NoError(t, c.RunEpoch(e, nil))

	r := e.Response(DeviceRef{Name: "D", Manufacturer: "M"})
	require.Equal(t, pushed[:1000], r.Samples())
}

// Completion monotonicity: data arriving after completion stays queued
// and CompletedEpoch does not fire again.
func TestCompletionFiresOnce(t *testing.T) {
	mock := &MockDAQController{}
	c, obs := newTestController(t, mock)
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	e := oneSecondEpoch(t, "proto", d)
	mock.OnRun = func(ctx context.Context, ctrl *Controller) error {
		ctrl.PushInputData(d, constChunk(t, 0, 1000))
		require.True(t, e.IsComplete())
		// Late data after completion
		ctrl.PushInputData(d, constChunk(t, 0, 100))
		ctrl.PushInputData(d, constChunk(t, 0, 100))
		require.True(t, e.IsComplete())
		<-ctx.Done()
		return nil
	}
	require.NoError(t, c.RunEpoch(e, &fakePersistor{}))

	require.Equal(t, 1, obs.count("CompletedEpoch"))
	require.Equal(t, 1, obs.count("SavedEpoch"))
	r := e.Response(DeviceRef{Name: "D", Manufacturer: "M"})
	require.Equal(t, 1000, len(r.Samples()))
}

// S2: the hardware fails mid-epoch. The epoch is discarded, nothing is
// saved, and the DAQ error surfaces wrapped.
func TestRunEpochDiscardsOnExceptionalStop(t *testing.T) {
	mock := &MockDAQController{}
	c, obs := newTestController(t, mock)
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	e := oneSecondEpoch(t, "proto", d)
	p := &fakePersistor{}
	boom := errors.New("amplifier on fire")

	mock.OnRun = func(ctx context.Context, ctrl *Controller) error {
		ctrl.PushInputData(d, constChunk(t, 0, 400))
		return boom
	}

	err := c.RunEpoch(e, p)
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeDAQStop))
	require.ErrorIs(t, err, boom)

	require.Equal(t, 1, obs.count("DiscardedEpoch"))
	require.Equal(t, 0, obs.count("SavedEpoch"))
	require.Equal(t, 0, obs.count("CompletedEpoch"))
	require.Empty(t, p.serialized())
}

// S3: NextEpoch abandons the running epoch and makes the queued epoch
// current; the caller restarts acquisition.
func TestNextEpochSwapsToQueued(t *testing.T) {
	mock := &MockDAQController{}
	c, obs := newTestController(t, mock)
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	e1 := oneSecondEpoch(t, "proto", d)
	e2 := oneSecondEpoch(t, "proto", d)
	require.NoError(t, c.EnqueueEpoch(e1))
	require.NoError(t, c.EnqueueEpoch(e2))

	started := make(chan struct{})
	mock.OnRun = func(ctx context.Context, ctrl *Controller) error {
		close(started)
		<-ctx.Done()
		return nil
	}

	// Pop E1 off the queue and run it.
	require.NoError(t, c.NextEpoch())
	require.Same(t, e1, c.CurrentEpoch())

	runErr := make(chan error, 1)
	go func() { runErr <- c.RunEpoch(e1, nil) }()
	<-started

	require.NoError(t, c.NextEpoch())
	require.NoError(t, <-runErr)

	require.Same(t, e2, c.CurrentEpoch())
	require.GreaterOrEqual(t, obs.count("NextEpochRequested"), 1)
	obs.mu.Lock()
	require.Contains(t, obs.gone, e1)
	obs.mu.Unlock()
}

func TestNextEpochEmptyQueue(t *testing.T) {
	c, _ := newTestController(t, &MockDAQController{})
	err := c.NextEpoch()
	require.True(t, IsCode(err, ErrCodeEmptyQueue))
}

func TestCancelEpochDiscardsAndStops(t *testing.T) {
	mock := &MockDAQController{}
	c, obs := newTestController(t, mock)
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	e := oneSecondEpoch(t, "proto", d)
	started := make(chan struct{})
	mock.OnRun = func(ctx context.Context, ctrl *Controller) error {
		close(started)
		<-ctx.Done()
		return nil
	}

	runErr := make(chan error, 1)
	go func() { runErr <- c.RunEpoch(e, &fakePersistor{}) }()
	<-started
	c.CancelEpoch()

	require.NoError(t, <-runErr)
	require.Equal(t, 1, obs.count("DiscardedEpoch"))
	require.Equal(t, 0, obs.count("SavedEpoch"))
	require.Nil(t, c.CurrentEpoch())
}

// Persistence ordering: epochs completed in sequence are saved in the
// same order by the serial worker.
func TestPersistenceOrdering(t *testing.T) {
	mock := &MockDAQController{}
	c, _ := newTestController(t, mock)
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	p := &fakePersistor{delay: 5 * time.Millisecond}
	mock.OnRun = func(ctx context.Context, ctrl *Controller) error {
		ctrl.PushInputData(d, constChunk(t, 0, 1000))
		<-ctx.Done()
		return nil
	}

	var ran []*Epoch
	for i := 0; i < 3; i++ {
		e := oneSecondEpoch(t, "proto", d)
		ran = append(ran, e)
		require.NoError(t, c.RunEpoch(e, p))
	}
	require.Equal(t, ran, p.serialized())
}

func TestPersistenceErrorSurfacesAtRunEpoch(t *testing.T) {
	mock := &MockDAQController{}
	c, obs := newTestController(t, mock)
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	e := oneSecondEpoch(t, "proto", d)
	p := &fakePersistor{err: errors.New("disk full")}
	mock.OnRun = func(ctx context.Context, ctrl *Controller) error {
		ctrl.PushInputData(d, constChunk(t, 0, 1000))
		<-ctx.Done()
		return nil
	}

	err := c.RunEpoch(e, p)
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodePersist))
	require.Equal(t, 0, obs.count("SavedEpoch"))
	require.Equal(t, 0, obs.count("CompletedEpoch"))
}

func TestPushWithoutResponseDiscardsAfterEvent(t *testing.T) {
	mock := &MockDAQController{}
	c, obs := newTestController(t, mock)
	d := NewTestDevice("D", "M")
	other := NewTestDevice("E", "M")
	require.NoError(t, c.AddDevice(d))
	require.NoError(t, c.AddDevice(other))

	e := oneSecondEpoch(t, "proto", d)
	mock.OnRun = func(ctx context.Context, ctrl *Controller) error {
		// No response registered for this device: chunk is dropped
		// after the ReceivedInputData event.
		ctrl.PushInputData(other, constChunk(t, 0, 100))
		ctrl.PushInputData(d, constChunk(t, 0, 1000))
		<-ctx.Done()
		return nil
	}
	require.NoError(t, c.RunEpoch(e, nil))

	require.Equal(t, 2, obs.count("ReceivedInputData"))
	require.Equal(t, uint64(1), c.Metrics().Snapshot().ChunksDropped)
}

func TestBackgroundsAppliedAfterRun(t *testing.T) {
	mock := &MockDAQController{}
	c, _ := newTestController(t, mock)
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	e := oneSecondEpoch(t, "proto", d)
	bg := measure.New(-0.06, "V")
	e.SetBackground(d, bg, rateHz(1000))

	mock.OnRun = func(ctx context.Context, ctrl *Controller) error {
		ctrl.PushInputData(d, constChunk(t, 0, 1000))
		<-ctx.Done()
		return nil
	}
	require.NoError(t, c.RunEpoch(e, nil))

	applied := d.AppliedBackgrounds()
	require.Len(t, applied, 1)
	require.Equal(t, bg, applied[0])
}

func TestRunQueuedEpochsDrains(t *testing.T) {
	mock := &MockDAQController{}
	c, obs := newTestController(t, mock)
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	mock.OnRun = func(ctx context.Context, ctrl *Controller) error {
		ctrl.PushInputData(d, constChunk(t, 0, 1000))
		<-ctx.Done()
		return nil
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, c.EnqueueEpoch(oneSecondEpoch(t, "proto", d)))
	}
	require.NoError(t, c.RunQueuedEpochs(nil))
	require.Equal(t, 3, obs.count("CompletedEpoch"))
}

func TestEnqueueEpochRejectsBadShape(t *testing.T) {
	c, _ := newTestController(t, &MockDAQController{})
	d := NewTestDevice("D", "M")
	require.NoError(t, c.AddDevice(d))

	bad := NewIndefiniteEpoch("proto")
	bad.RecordResponse(d, rateHz(1000))
	err := c.EnqueueEpoch(bad)
	require.True(t, IsCode(err, ErrCodeShape))
}
