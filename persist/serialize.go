package persist

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	daq "github.com/ehrlich-b/go-daq"
	"github.com/ehrlich-b/go-daq/internal/container"
	"github.com/ehrlich-b/go-daq/measure"
)

// Serialize commits a completed epoch into the open block. Fails if no
// block is open or the epoch's protocol does not match the block's.
// Devices observed in the epoch but absent from the experiment are
// interned automatically.
func (s *Session) Serialize(e *daq.Epoch) (*PersistedEpoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	if s.openBlock == nil {
		return nil, stateErr("Serialize", ErrNoOpenBlock)
	}
	if e.ProtocolID() != s.openBlock.protocolID {
		return nil, fmt.Errorf("%w: epoch %q, block %q", ErrProtocolMismatch, e.ProtocolID(), s.openBlock.protocolID)
	}

	parent, err := s.subgroup(s.openBlock.nodeID, groupEpochs)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	gname := entityName("epoch", id)
	node, err := s.f.CreateGroup(parent, gname)
	if err != nil {
		return nil, err
	}
	pe := &PersistedEpoch{}
	pe.entity = entity{s: s, id: id, nodeID: node, parent: parent, name: gname}
	if err := s.initEntity(&pe.entity, nil); err != nil {
		return nil, err
	}

	start := e.StartTime()
	if err := pe.stampStart(start); err != nil {
		return nil, err
	}
	if duration, definite := e.Duration(); definite {
		if err := pe.SetEndTime(start.Add(duration)); err != nil {
			return nil, err
		}
	}
	if kws := e.Keywords(); len(kws) > 0 {
		sort.Strings(kws)
		if err := s.f.SetAttr(node, attrKeywords, strings.Join(kws, ",")); err != nil {
			return nil, err
		}
	}

	if err := s.writeProtocolParameters(node, e.Parameters()); err != nil {
		return nil, err
	}
	if err := s.writeBackgrounds(node, e); err != nil {
		return nil, err
	}
	if err := s.writeStimuli(node, e); err != nil {
		return nil, err
	}
	if err := s.writeResponses(node, e); err != nil {
		return nil, err
	}

	if err := s.f.Sync(); err != nil {
		return nil, err
	}
	return pe, nil
}

func (s *Session) writeProtocolParameters(epochNode container.NodeID, params map[string]any) error {
	node, err := s.f.CreateGroup(epochNode, groupProtoParams)
	if err != nil {
		return err
	}
	return s.writeAttrBag(node, params)
}

// writeAttrBag writes a scalar map as attributes, in sorted key order
// so replays are deterministic.
func (s *Session) writeAttrBag(node container.NodeID, bag map[string]any) error {
	keys := make([]string, 0, len(bag))
	for k := range bag {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := toAttrValue(bag[k])
		if err != nil {
			s.log.WithField("key", k).Warn("skipping non-scalar parameter")
			continue
		}
		if err := s.f.SetAttr(node, k, v); err != nil {
			return err
		}
	}
	return nil
}

// internDevice resolves an epoch's device ref against the experiment,
// creating the device if it has not been seen before.
func (s *Session) internDevice(ref daq.DeviceRef) (*Device, error) {
	d, err := s.deviceLocked(ref.Name, ref.Manufacturer)
	if err != nil {
		return nil, err
	}
	if d != nil {
		return d, nil
	}
	return s.addDeviceLocked(ref.Name, ref.Manufacturer)
}

// ioEntity creates one background/stimulus/response group: named by
// the device, linked back to it.
func (s *Session) ioEntity(parentNode container.NodeID, collection string, ref daq.DeviceRef) (container.NodeID, error) {
	coll, ok, err := s.f.Child(parentNode, collection)
	if err != nil {
		return 0, err
	}
	if !ok {
		coll, err = s.f.CreateGroup(parentNode, collection)
		if err != nil {
			return 0, err
		}
	}
	dev, err := s.internDevice(ref)
	if err != nil {
		return 0, err
	}

	id := uuid.New()
	gname := entityName(ref.Name, id)
	node, err := s.f.CreateGroup(coll, gname)
	if err != nil {
		return 0, err
	}
	if err := s.f.SetAttr(node, attrUUID, id.String()); err != nil {
		return 0, err
	}
	if err := s.f.Link(node, linkDevice, dev.nodeID); err != nil {
		return 0, err
	}
	return node, nil
}

func (s *Session) writeBackgrounds(epochNode container.NodeID, e *daq.Epoch) error {
	for ref, bg := range e.Backgrounds() {
		node, err := s.ioEntity(epochNode, groupBackgrounds, ref)
		if err != nil {
			return err
		}
		attrs := map[string]any{
			"value":           bg.Value.QuantityInBaseUnit,
			"valueUnits":      bg.Value.BaseUnit,
			"sampleRate":      bg.SampleRate.QuantityInBaseUnit,
			"sampleRateUnits": bg.SampleRate.BaseUnit,
		}
		if err := s.writeAttrBag(node, attrs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writeStimuli(epochNode container.NodeID, e *daq.Epoch) error {
	for ref, stim := range e.Stimuli() {
		node, err := s.ioEntity(epochNode, groupStimuli, ref)
		if err != nil {
			return err
		}
		rate := stim.SampleRate()
		attrs := map[string]any{
			"stimulusID":      stim.StimulusID(),
			"units":           stim.Units(),
			"sampleRate":      rate.QuantityInBaseUnit,
			"sampleRateUnits": rate.BaseUnit,
		}
		if err := s.writeAttrBag(node, attrs); err != nil {
			return err
		}

		params, err := s.f.CreateGroup(node, groupParameters)
		if err != nil {
			return err
		}
		if err := s.writeAttrBag(params, stim.Parameters()); err != nil {
			return err
		}
		if err := s.writeSpans(node, e.OutputSpans(ref)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writeResponses(epochNode container.NodeID, e *daq.Epoch) error {
	for ref, r := range e.Responses() {
		node, err := s.ioEntity(epochNode, groupResponses, ref)
		if err != nil {
			return err
		}
		rate := r.SampleRate()
		attrs := map[string]any{
			"sampleRate":                         rate.QuantityInBaseUnit,
			"sampleRateUnits":                    rate.BaseUnit,
			"units":                              r.Units(),
			"inputTimeDotNetDateTimeOffsetTicks": measure.DotNetTicks(r.InputTime()),
			"inputTimeOffsetHours":               measure.OffsetHours(r.InputTime()),
		}
		if err := s.writeAttrBag(node, attrs); err != nil {
			return err
		}

		samples := r.Samples()
		rows := make([]container.MeasurementRow, len(samples))
		for i, m := range samples {
			rows[i] = container.MeasurementRow{Quantity: m.Quantity, Units: m.DisplayUnit}
		}
		ds, err := s.f.CreateDataset(node, datasetData, container.RowMeasurement, false, 0)
		if err != nil {
			return err
		}
		if err := s.f.AppendMeasurements(ds, rows); err != nil {
			return err
		}
		if err := s.writeSpans(node, r.ConfigurationSpans()); err != nil {
			return err
		}
	}
	return nil
}

// writeSpans persists an IO entity's ordered configuration spans as
// span_<n> subgroups with cumulative start times.
func (s *Session) writeSpans(ioNode container.NodeID, spans []daq.ConfigurationSpan) error {
	parent, err := s.f.CreateGroup(ioNode, groupSpans)
	if err != nil {
		return err
	}
	startSeconds := 0.0
	for i, span := range spans {
		node, err := s.f.CreateGroup(parent, fmt.Sprintf("span_%d", i))
		if err != nil {
			return err
		}
		if err := s.f.SetAttr(node, "index", uint32(i)); err != nil {
			return err
		}
		if err := s.f.SetAttr(node, "startTimeSeconds", startSeconds); err != nil {
			return err
		}
		if err := s.f.SetAttr(node, "timeSpanSeconds", span.Duration.Seconds()); err != nil {
			return err
		}
		for _, nodeCfg := range span.Nodes {
			cfgNode, err := s.f.CreateGroup(node, nodeCfg.Name)
			if err != nil {
				return err
			}
			if err := s.writeAttrBag(cfgNode, nodeCfg.Configuration); err != nil {
				return err
			}
		}
		startSeconds += span.Duration.Seconds()
	}
	return nil
}
