package persist

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	daq "github.com/ehrlich-b/go-daq"
)

// ControllerSession adapts a Session to the daq.EpochSession surface
// the controller drives: sources resolve by label (created on first
// use) and Serialize drops the typed return.
type ControllerSession struct {
	s *Session
}

// NewControllerSession wraps a session for controller use.
func NewControllerSession(s *Session) *ControllerSession {
	return &ControllerSession{s: s}
}

// Session returns the underlying typed session.
func (cs *ControllerSession) Session() *Session { return cs.s }

// Serialize implements daq.EpochPersistor.
func (cs *ControllerSession) Serialize(e *daq.Epoch) error {
	_, err := cs.s.Serialize(e)
	return err
}

// BeginEpochGroup implements daq.EpochSession. The source is resolved
// by label among the experiment's top-level sources and created when
// absent.
func (cs *ControllerSession) BeginEpochGroup(label, source string, start time.Time) error {
	src, err := cs.findOrCreateSource(source)
	if err != nil {
		return err
	}
	_, err = cs.s.BeginEpochGroup(label, src, start)
	return err
}

func (cs *ControllerSession) findOrCreateSource(label string) (*Source, error) {
	sources, err := cs.s.Sources(nil)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		if src.Label() == label {
			return src, nil
		}
	}
	return cs.s.AddSource(label, nil)
}

// EndEpochGroup implements daq.EpochSession.
func (cs *ControllerSession) EndEpochGroup(end time.Time) error {
	return cs.s.EndEpochGroup(end)
}

// BeginEpochBlock implements daq.EpochSession.
func (cs *ControllerSession) BeginEpochBlock(protocolID string, start time.Time) error {
	_, err := cs.s.BeginEpochBlock(protocolID, start)
	return err
}

// EndEpochBlock implements daq.EpochSession.
func (cs *ControllerSession) EndEpochBlock(end time.Time) error {
	return cs.s.EndEpochBlock(end)
}

// Close implements daq.EpochSession.
func (cs *ControllerSession) Close(end time.Time) error {
	return cs.s.Close(end)
}

// SuffixFactory is a daq.PersistorFactory selecting the persistor
// backend by filename suffix: .h5 and .hdf5 map to the hierarchical
// persistor. The XML persistor is an external backend; its suffix is
// recognized but not served by this module.
func SuffixFactory(path, purpose string, start time.Time) (daq.EpochSession, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".h5", ".hdf5":
		s, err := Create(path, purpose, start)
		if err != nil {
			return nil, err
		}
		return NewControllerSession(s), nil
	case ".xml":
		return nil, fmt.Errorf("%w: the XML persistor is not linked into this build", ErrUnsupportedBackend)
	default:
		return nil, fmt.Errorf("%w: unrecognized suffix %q", ErrUnsupportedBackend, filepath.Ext(path))
	}
}
