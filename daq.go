// Package daq provides the epoch runtime for laboratory data
// acquisition: a Controller that pulls time-sliced stimulus data out to
// external devices, routes device input back into the active Epoch's
// response buffers with exact temporal boundaries, and hands completed
// epochs to a persistence session on a serial worker so a blocking
// write never stalls acquisition.
package daq

import (
	"context"
	"time"

	"github.com/ehrlich-b/go-daq/measure"
)

// Device is an external stimulator or recorder. Devices are registered
// with exactly one Controller and are unique by name within it.
// Concrete implementations (hardware drivers, unit conversion) live
// outside this module.
type Device interface {
	Name() string
	Manufacturer() string

	// Controller returns the controller the device is bound to, or nil.
	Controller() *Controller

	// BindController binds the device to a controller. Called by
	// Controller.AddDevice and again during validation if the
	// back-pointer has drifted.
	BindController(c *Controller)

	// Validate checks the device's own wiring.
	Validate() error
}

// DAQController drives the hardware. Run blocks until the context is
// cancelled (a cooperative stop) or the hardware fails, in which case
// it returns the failure. While running, the implementation calls
// Controller.PullOutputData and Controller.PushInputData from its own
// output and input goroutines.
type DAQController interface {
	Run(ctx context.Context, c *Controller) error
}

// BackgroundApplier is an optional DAQController extension. After an
// epoch stops, the controller asks the hardware to apply each device's
// registered background value.
type BackgroundApplier interface {
	ApplyBackground(d Device, value measure.Measurement) error
}

// Stimulus supplies outgoing data for one device of an epoch. The
// stimulus-generation library is out of scope; this is the interface it
// presents.
type Stimulus interface {
	// StimulusID identifies the generator that produced the stimulus.
	StimulusID() string

	// Parameters returns the generation parameters for persistence.
	Parameters() map[string]any

	SampleRate() measure.Measurement
	Units() string

	// Duration returns the stimulus length; ok is false for an
	// indefinite stimulus.
	Duration() (d time.Duration, ok bool)

	// Block renders the span [offset, offset+dur). The caller never
	// requests past the stimulus duration.
	Block(offset, dur time.Duration) *measure.IOData
}

// EpochPersistor commits a completed epoch. Serialize is invoked on the
// controller's serial persistence worker, never concurrently.
type EpochPersistor interface {
	Serialize(e *Epoch) error
}

// EpochSession is the persistence surface the controller drives between
// epochs. persist.Session satisfies it through a thin adapter.
type EpochSession interface {
	EpochPersistor
	BeginEpochGroup(label, source string, start time.Time) error
	EndEpochGroup(end time.Time) error
	BeginEpochBlock(protocolID string, start time.Time) error
	EndEpochBlock(end time.Time) error
	Close(end time.Time) error
}

// PersistorFactory creates a persistence session for a file path. The
// controller's BeginEpochGroup selects the backend by filename suffix
// through the installed factory.
type PersistorFactory func(path, purpose string, start time.Time) (EpochSession, error)
