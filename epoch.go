package daq

import (
	"sort"
	"sync"
	"time"

	"github.com/ehrlich-b/go-daq/measure"
)

// DeviceRef identifies a device by the pair that is unique within a
// persisted experiment.
type DeviceRef struct {
	Name         string
	Manufacturer string
}

func refOf(d Device) DeviceRef {
	return DeviceRef{Name: d.Name(), Manufacturer: d.Manufacturer()}
}

// NodeConfiguration is one pipeline node's configuration map within a
// span.
type NodeConfiguration struct {
	Name          string
	Configuration map[string]any
}

// ConfigurationSpan is a contiguous interval of a stimulus or response
// during which pipeline-node configuration is constant.
type ConfigurationSpan struct {
	Duration time.Duration
	Nodes    []NodeConfiguration
}

// Background is the steady-state value applied on a device in the
// absence of a stimulus.
type Background struct {
	Value      measure.Measurement
	SampleRate measure.Measurement
}

// Response accumulates input samples for one device of an epoch. The
// controller guarantees samples never extend past the epoch duration.
type Response struct {
	mu         sync.Mutex
	sampleRate measure.Measurement
	units      string
	samples    []measure.Measurement
	inputTime  time.Time
	spans      []ConfigurationSpan
}

// SampleRate returns the response's registered sample rate.
func (r *Response) SampleRate() measure.Measurement {
	return r.sampleRate
}

// Duration returns the time spanned by the accumulated samples.
func (r *Response) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.durationLocked()
}

func (r *Response) durationLocked() time.Duration {
	hz := r.sampleRate.QuantityInBaseUnit
	return time.Duration(float64(r.sampleCountLocked()) / hz * float64(time.Second))
}

func (r *Response) sampleCountLocked() int {
	return len(r.samples)
}

// Samples returns a copy of the accumulated samples in arrival order.
func (r *Response) Samples() []measure.Measurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]measure.Measurement(nil), r.samples...)
}

// Units returns the unit of the accumulated samples, known after the
// first append.
func (r *Response) Units() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.units
}

// InputTime returns the arrival time of the first appended chunk.
func (r *Response) InputTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inputTime
}

// ConfigurationSpans returns the response's configuration spans in
// order.
func (r *Response) ConfigurationSpans() []ConfigurationSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConfigurationSpan(nil), r.spans...)
}

// AddConfigurationSpan logs a span of constant pipeline configuration.
func (r *Response) AddConfigurationSpan(dur time.Duration, nodes []NodeConfiguration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, ConfigurationSpan{Duration: dur, Nodes: nodes})
}

func (r *Response) appendData(at time.Time, head *measure.IOData) {
	if head.SampleCount() == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		r.units = head.Samples[0].BaseUnit
		r.inputTime = at
	}
	r.samples = append(r.samples, head.Samples...)
}

// Epoch is a single experimental trial: per-device stimuli (outgoing),
// response buffers (incoming), backgrounds, protocol parameters, and
// keywords, over a bounded (or indefinite) interval.
type Epoch struct {
	mu sync.Mutex

	protocolID string
	duration   time.Duration
	indefinite bool

	startTime time.Time
	started   bool

	stimuli     map[DeviceRef]Stimulus
	outputPos   map[DeviceRef]time.Duration
	outputSpans map[DeviceRef][]ConfigurationSpan
	responses   map[DeviceRef]*Response
	backgrounds map[DeviceRef]*Background

	parameters map[string]any
	keywords   map[string]struct{}
}

func newEpoch(protocolID string, duration time.Duration, indefinite bool) *Epoch {
	return &Epoch{
		protocolID:  protocolID,
		duration:    duration,
		indefinite:  indefinite,
		stimuli:     map[DeviceRef]Stimulus{},
		outputPos:   map[DeviceRef]time.Duration{},
		outputSpans: map[DeviceRef][]ConfigurationSpan{},
		responses:   map[DeviceRef]*Response{},
		backgrounds: map[DeviceRef]*Background{},
		parameters:  map[string]any{},
		keywords:    map[string]struct{}{},
	}
}

// NewEpoch creates an epoch of fixed duration.
func NewEpoch(protocolID string, duration time.Duration) *Epoch {
	return newEpoch(protocolID, duration, false)
}

// NewIndefiniteEpoch creates an epoch with no fixed duration. An
// indefinite epoch may not register responses and never completes.
func NewIndefiniteEpoch(protocolID string) *Epoch {
	return newEpoch(protocolID, 0, true)
}

// ProtocolID returns the protocol that produced the epoch.
func (e *Epoch) ProtocolID() string {
	return e.protocolID
}

// Duration returns the epoch duration; ok is false for an indefinite
// epoch.
func (e *Epoch) Duration() (d time.Duration, ok bool) {
	return e.duration, !e.indefinite
}

// StartTime returns the time stamped when the controller started the
// epoch; zero until then.
func (e *Epoch) StartTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startTime
}

// SetStartTime stamps the epoch's start. The controller calls this
// when the epoch begins running.
func (e *Epoch) SetStartTime(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startTime = t
	e.started = true
}

// AddStimulus registers the outgoing stimulus for a device.
func (e *Epoch) AddStimulus(d Device, s Stimulus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stimuli[refOf(d)] = s
}

// RecordResponse registers an input buffer for a device at the given
// sample rate.
func (e *Epoch) RecordResponse(d Device, sampleRate measure.Measurement) *Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := &Response{sampleRate: sampleRate}
	e.responses[refOf(d)] = r
	return r
}

// SetBackground registers the background applied on a device outside
// the stimulus.
func (e *Epoch) SetBackground(d Device, value, sampleRate measure.Measurement) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backgrounds[refOf(d)] = &Background{Value: value, SampleRate: sampleRate}
}

// SetParameter records one protocol parameter.
func (e *Epoch) SetParameter(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parameters[key] = value
}

// Parameters returns a copy of the protocol parameters.
func (e *Epoch) Parameters() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.parameters))
	for k, v := range e.parameters {
		out[k] = v
	}
	return out
}

// AddKeyword tags the epoch. Adding an existing keyword is a no-op.
func (e *Epoch) AddKeyword(kw string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keywords[kw] = struct{}{}
}

// Keywords returns the sorted keyword set.
func (e *Epoch) Keywords() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.keywords))
	for kw := range e.keywords {
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}

// Stimulus returns the stimulus registered for a device ref, or nil.
func (e *Epoch) Stimulus(ref DeviceRef) Stimulus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stimuli[ref]
}

// Stimuli returns a copy of the stimulus map.
func (e *Epoch) Stimuli() map[DeviceRef]Stimulus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[DeviceRef]Stimulus, len(e.stimuli))
	for k, v := range e.stimuli {
		out[k] = v
	}
	return out
}

// Response returns the response registered for a device ref, or nil.
func (e *Epoch) Response(ref DeviceRef) *Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responses[ref]
}

// Responses returns a copy of the response map.
func (e *Epoch) Responses() map[DeviceRef]*Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[DeviceRef]*Response, len(e.responses))
	for k, v := range e.responses {
		out[k] = v
	}
	return out
}

// Backgrounds returns a copy of the background map.
func (e *Epoch) Backgrounds() map[DeviceRef]*Background {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[DeviceRef]*Background, len(e.backgrounds))
	for k, v := range e.backgrounds {
		out[k] = v
	}
	return out
}

// Background returns the background registered for a device ref, or
// nil.
func (e *Epoch) Background(ref DeviceRef) *Background {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backgrounds[ref]
}

// PullOutputData consumes up to requested from the device's stimulus.
// Returns nil if the device has no stimulus or the stimulus is
// exhausted; otherwise the chunk has positive duration, possibly
// shorter than requested.
func (e *Epoch) PullOutputData(d Device, requested time.Duration) *measure.IOData {
	if requested <= 0 {
		return nil
	}
	ref := refOf(d)
	e.mu.Lock()
	s := e.stimuli[ref]
	if s == nil {
		e.mu.Unlock()
		return nil
	}
	pos := e.outputPos[ref]
	take := requested
	if sd, ok := s.Duration(); ok {
		remaining := sd - pos
		if remaining <= 0 {
			e.mu.Unlock()
			return nil
		}
		if take > remaining {
			take = remaining
		}
	}
	e.outputPos[ref] = pos + take
	e.mu.Unlock()

	return s.Block(pos, take)
}

// AppendResponseData appends a chunk head to the device's response. The
// controller's split guarantees the response never grows past the epoch
// duration.
func (e *Epoch) AppendResponseData(at time.Time, ref DeviceRef, head *measure.IOData) {
	r := e.Response(ref)
	if r == nil {
		return
	}
	r.appendData(at, head)
}

// AddOutputSpans logs a span of stimulus output configuration. No-op
// once the epoch is complete.
func (e *Epoch) AddOutputSpans(d Device, dur time.Duration, nodes []NodeConfiguration) {
	if e.IsComplete() {
		return
	}
	ref := refOf(d)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputSpans[ref] = append(e.outputSpans[ref], ConfigurationSpan{Duration: dur, Nodes: nodes})
}

// OutputSpans returns the logged stimulus output spans for a device
// ref.
func (e *Epoch) OutputSpans(ref DeviceRef) []ConfigurationSpan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ConfigurationSpan(nil), e.outputSpans[ref]...)
}

// IsComplete reports whether every registered response has accumulated
// at least the epoch duration. An indefinite epoch is never complete.
func (e *Epoch) IsComplete() bool {
	if e.indefinite {
		return false
	}
	e.mu.Lock()
	responses := make([]*Response, 0, len(e.responses))
	for _, r := range e.responses {
		responses = append(responses, r)
	}
	duration := e.duration
	e.mu.Unlock()

	for _, r := range responses {
		if r.Duration() < duration {
			return false
		}
	}
	return true
}

// remainingFor returns how much response time the epoch still expects
// for the given response.
func (e *Epoch) remainingFor(r *Response) time.Duration {
	return e.duration - r.Duration()
}

// RenderedStimulus is a pre-rendered Stimulus backed by an IOData
// block.
type RenderedStimulus struct {
	id         string
	parameters map[string]any
	data       *measure.IOData
}

// NewRenderedStimulus creates a stimulus from pre-rendered data.
func NewRenderedStimulus(id string, parameters map[string]any, data *measure.IOData) *RenderedStimulus {
	return &RenderedStimulus{id: id, parameters: parameters, data: data}
}

// StimulusID implements Stimulus.
func (s *RenderedStimulus) StimulusID() string { return s.id }

// Parameters implements Stimulus.
func (s *RenderedStimulus) Parameters() map[string]any { return s.parameters }

// SampleRate implements Stimulus.
func (s *RenderedStimulus) SampleRate() measure.Measurement { return s.data.SampleRate }

// Units implements Stimulus.
func (s *RenderedStimulus) Units() string {
	if len(s.data.Samples) > 0 {
		return s.data.Samples[0].BaseUnit
	}
	return ""
}

// Duration implements Stimulus.
func (s *RenderedStimulus) Duration() (time.Duration, bool) {
	return s.data.Duration(), true
}

// Block implements Stimulus.
func (s *RenderedStimulus) Block(offset, dur time.Duration) *measure.IOData {
	_, rest := s.data.Split(offset)
	head, _ := rest.Split(dur)
	return head
}
