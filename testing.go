package daq

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/go-daq/internal/constants"
	"github.com/ehrlich-b/go-daq/measure"
)

// TestDevice provides a minimal Device implementation for testing.
type TestDevice struct {
	name         string
	manufacturer string

	mu          sync.Mutex
	controller  *Controller
	validateErr error

	// Backgrounds applied by a BackgroundApplier, for verification
	appliedBackgrounds []measure.Measurement
}

// NewTestDevice creates a test device.
func NewTestDevice(name, manufacturer string) *TestDevice {
	return &TestDevice{name: name, manufacturer: manufacturer}
}

// Name implements Device.
func (d *TestDevice) Name() string { return d.name }

// Manufacturer implements Device.
func (d *TestDevice) Manufacturer() string { return d.manufacturer }

// Controller implements Device.
func (d *TestDevice) Controller() *Controller {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controller
}

// BindController implements Device.
func (d *TestDevice) BindController(c *Controller) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.controller = c
}

// SetValidateError makes Validate fail with the given error.
func (d *TestDevice) SetValidateError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.validateErr = err
}

// Validate implements Device.
func (d *TestDevice) Validate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.validateErr
}

func (d *TestDevice) recordBackground(v measure.Measurement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appliedBackgrounds = append(d.appliedBackgrounds, v)
}

// AppliedBackgrounds returns the background values applied so far.
func (d *TestDevice) AppliedBackgrounds() []measure.Measurement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]measure.Measurement(nil), d.appliedBackgrounds...)
}

// MockDAQController provides a scriptable DAQController for testing.
// By default Run blocks until the controller requests a stop and
// returns nil. Set OnRun to script hardware behavior (pushing input,
// failing exceptionally) on the acquisition goroutine.
type MockDAQController struct {
	// OnRun, if set, replaces the default blocking behavior.
	OnRun func(ctx context.Context, c *Controller) error

	mu       sync.Mutex
	runCount int
}

// Run implements DAQController.
func (m *MockDAQController) Run(ctx context.Context, c *Controller) error {
	m.mu.Lock()
	m.runCount++
	m.mu.Unlock()

	if m.OnRun != nil {
		return m.OnRun(ctx, c)
	}
	<-ctx.Done()
	return nil
}

// ApplyBackground implements BackgroundApplier by recording the value
// on TestDevice targets.
func (m *MockDAQController) ApplyBackground(d Device, value measure.Measurement) error {
	if td, ok := d.(*TestDevice); ok {
		td.recordBackground(value)
	}
	return nil
}

// RunCount returns how many times Run has been invoked.
func (m *MockDAQController) RunCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runCount
}

// SimulatedDAQ is a software DAQ: it pulls stimulus data in fixed
// chunks and synthesizes a constant input signal at the same pace.
// Useful for demos and end-to-end tests that need a full pull/push
// loop without hardware.
type SimulatedDAQ struct {
	// ChunkDuration is the span pulled and pushed per iteration.
	ChunkDuration time.Duration

	// SampleRate of the synthesized input signal.
	SampleRate measure.Measurement

	// InputValue is the constant value of the synthesized input.
	InputValue measure.Measurement

	// Pacing, if positive, sleeps between iterations to approximate
	// real-time acquisition.
	Pacing time.Duration
}

// Run implements DAQController.
func (s *SimulatedDAQ) Run(ctx context.Context, c *Controller) error {
	chunk := s.ChunkDuration
	if chunk <= 0 {
		chunk = constants.DefaultPullDuration
	}
	samplesPerChunk := int(chunk.Seconds() * s.SampleRate.QuantityInBaseUnit)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		for _, d := range c.Devices() {
			if out := c.PullOutputData(d, chunk); out != nil {
				c.DidOutputData(d, time.Now(), out.Duration(), nil)
			}
			in, err := measure.ConstantIOData(s.InputValue, s.SampleRate, samplesPerChunk)
			if err != nil {
				return err
			}
			c.PushInputData(d, in)
		}

		if s.Pacing > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.Pacing):
			}
		}
	}
}

// ApplyBackground implements BackgroundApplier.
func (s *SimulatedDAQ) ApplyBackground(d Device, value measure.Measurement) error {
	if td, ok := d.(*TestDevice); ok {
		td.recordBackground(value)
	}
	return nil
}
