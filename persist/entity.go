// Package persist implements the hierarchical experiment persistor: a
// write-through tree of experiment entities (Experiment → Sources,
// Devices, EpochGroups → EpochBlocks → Epochs) committed to a versioned
// container file as epochs complete.
package persist

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-daq/internal/constants"
	"github.com/ehrlich-b/go-daq/internal/container"
	"github.com/ehrlich-b/go-daq/measure"
)

// Fixed attribute keys of the persisted format.
const (
	attrUUID         = "uuid"
	attrVersion      = "version"
	attrPurpose      = "purpose"
	attrName         = "name"
	attrManufacturer = "manufacturer"
	attrLabel        = "label"
	attrProtocolID   = "protocolID"
	attrKeywords     = "keywords"

	attrStartTicks  = "startTimeDotNetDateTimeOffsetTicks"
	attrStartOffset = "startTimeOffsetHours"
	attrEndTicks    = "endTimeDotNetDateTimeOffsetTicks"
	attrEndOffset   = "endTimeOffsetHours"
)

// Fixed subgroup names of the persisted format.
const (
	groupDevices     = "devices"
	groupSources     = "sources"
	groupEpochGroups = "epochGroups"
	groupEpochBlocks = "epochBlocks"
	groupEpochs      = "epochs"
	groupBackgrounds = "backgrounds"
	groupProtoParams = "protocolParameters"
	groupResponses   = "responses"
	groupStimuli     = "stimuli"
	groupParameters  = "parameters"
	groupProperties  = "properties"
	groupSpans       = "dataConfigurationSpans"
	linkSource       = "source"
	linkDevice       = "device"
	datasetNotes     = "notes"
	datasetData      = "data"
)

// Note is one timestamped annotation on an entity.
type Note struct {
	Time time.Time
	Text string
}

// Entity is the surface shared by every persisted entity: identity,
// keywords, properties, and notes. Two entities are equal iff their
// UUIDs are equal.
type Entity interface {
	UUID() uuid.UUID

	AddKeyword(kw string) error
	RemoveKeyword(kw string) error
	Keywords() ([]string, error)

	AddProperty(key string, value any) error
	RemoveProperty(key string) error
	Properties() (map[string]any, error)

	AddNote(t time.Time, text string) error
	Notes() ([]Note, error)

	node() container.NodeID
	parentNode() container.NodeID
	linkName() string
}

// entity is the concrete base. parent and name locate the canonical
// link for deletion.
type entity struct {
	s      *Session
	id     uuid.UUID
	nodeID container.NodeID
	parent container.NodeID
	name   string
}

func (e *entity) UUID() uuid.UUID              { return e.id }
func (e *entity) node() container.NodeID       { return e.nodeID }
func (e *entity) parentNode() container.NodeID { return e.parent }
func (e *entity) linkName() string             { return e.name }

// Equal reports UUID equality.
func Equal(a, b Entity) bool {
	return a.UUID() == b.UUID()
}

// entityName forms the fixed "<prefix>-<uuid>" group name.
func entityName(prefix string, id uuid.UUID) string {
	return prefix + "-" + id.String()
}

// AddKeyword adds a keyword to the entity's comma-joined keyword set.
// Adding an existing keyword is idempotent.
func (e *entity) AddKeyword(kw string) error {
	kws, err := e.Keywords()
	if err != nil {
		return err
	}
	for _, existing := range kws {
		if existing == kw {
			return nil
		}
	}
	kws = append(kws, kw)
	sort.Strings(kws)
	return e.s.file().SetAttr(e.nodeID, attrKeywords, strings.Join(kws, ","))
}

// RemoveKeyword removes a keyword. Removing the last keyword removes
// the attribute entirely.
func (e *entity) RemoveKeyword(kw string) error {
	kws, err := e.Keywords()
	if err != nil {
		return err
	}
	kept := kws[:0]
	for _, existing := range kws {
		if existing != kw {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		return e.s.file().DelAttr(e.nodeID, attrKeywords)
	}
	return e.s.file().SetAttr(e.nodeID, attrKeywords, strings.Join(kept, ","))
}

// Keywords returns the sorted keyword set.
func (e *entity) Keywords() ([]string, error) {
	v, ok, err := e.s.file().Attr(e.nodeID, attrKeywords)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	joined, _ := v.(string)
	if joined == "" {
		return nil, nil
	}
	kws := strings.Split(joined, ",")
	sort.Strings(kws)
	return kws, nil
}

// propertiesNode returns the lazily-created properties subgroup. When
// create is false and the subgroup is absent, ok is false.
func (e *entity) propertiesNode(create bool) (container.NodeID, bool, error) {
	f := e.s.file()
	id, ok, err := f.Child(e.nodeID, groupProperties)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return id, true, nil
	}
	if !create {
		return 0, false, nil
	}
	id, err = f.CreateGroup(e.nodeID, groupProperties)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// AddProperty sets a property, creating the properties subgroup on
// first write.
func (e *entity) AddProperty(key string, value any) error {
	node, _, err := e.propertiesNode(true)
	if err != nil {
		return err
	}
	v, err := toAttrValue(value)
	if err != nil {
		return err
	}
	return e.s.file().SetAttr(node, key, v)
}

// RemoveProperty removes a property. The properties subgroup is never
// destroyed once created.
func (e *entity) RemoveProperty(key string) error {
	node, ok, err := e.propertiesNode(false)
	if err != nil || !ok {
		return err
	}
	return e.s.file().DelAttr(node, key)
}

// Properties returns the entity's property bag; empty if none was ever
// written.
func (e *entity) Properties() (map[string]any, error) {
	node, ok, err := e.propertiesNode(false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{}, nil
	}
	return e.s.file().Attrs(node)
}

// notesNode returns the lazily-created notes dataset.
func (e *entity) notesNode(create bool) (container.NodeID, bool, error) {
	f := e.s.file()
	id, ok, err := f.Child(e.nodeID, datasetNotes)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return id, true, nil
	}
	if !create {
		return 0, false, nil
	}
	id, err = f.CreateDataset(e.nodeID, datasetNotes, container.RowNote, true, constants.NoteChunkRows)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// AddNote appends a note; the dataset extends by one row at the tail.
func (e *entity) AddNote(t time.Time, text string) error {
	node, _, err := e.notesNode(true)
	if err != nil {
		return err
	}
	return e.s.file().AppendNotes(node, []container.NoteRow{{
		Ticks:       measure.DotNetTicks(t),
		OffsetHours: measure.OffsetHours(t),
		Text:        text,
	}})
}

// Notes returns the entity's notes in insertion order; empty if none
// was ever written.
func (e *entity) Notes() ([]Note, error) {
	node, ok, err := e.notesNode(false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	rows, err := e.s.file().ReadNotes(node)
	if err != nil {
		return nil, err
	}
	out := make([]Note, len(rows))
	for i, row := range rows {
		out[i] = Note{Time: measure.FromDotNetTicks(row.Ticks, row.OffsetHours), Text: row.Text}
	}
	return out, nil
}

// timelineEntity adds the start/end timestamps shared by Experiment,
// EpochGroup, EpochBlock, and Epoch.
type timelineEntity struct {
	entity
}

func (e *timelineEntity) stampStart(t time.Time) error {
	f := e.s.file()
	if err := f.SetAttr(e.nodeID, attrStartTicks, measure.DotNetTicks(t)); err != nil {
		return err
	}
	return f.SetAttr(e.nodeID, attrStartOffset, measure.OffsetHours(t))
}

// StartTime returns the entity's start time.
func (e *timelineEntity) StartTime() (time.Time, error) {
	return e.readTime(attrStartTicks, attrStartOffset)
}

// EndTime returns the entity's end time; ok is false until SetEndTime.
func (e *timelineEntity) EndTime() (time.Time, bool, error) {
	f := e.s.file()
	if _, ok, err := f.Attr(e.nodeID, attrEndTicks); err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := e.readTime(attrEndTicks, attrEndOffset)
	return t, err == nil, err
}

// SetEndTime stamps the entity's end time. It may be set exactly once.
func (e *timelineEntity) SetEndTime(t time.Time) error {
	f := e.s.file()
	if _, ok, err := f.Attr(e.nodeID, attrEndTicks); err != nil {
		return err
	} else if ok {
		return ErrEndTimeSet
	}
	if err := f.SetAttr(e.nodeID, attrEndTicks, measure.DotNetTicks(t)); err != nil {
		return err
	}
	return f.SetAttr(e.nodeID, attrEndOffset, measure.OffsetHours(t))
}

func (e *timelineEntity) readTime(ticksKey, offsetKey string) (time.Time, error) {
	f := e.s.file()
	tv, ok, err := f.Attr(e.nodeID, ticksKey)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, nil
	}
	ticks, _ := tv.(int64)
	ov, _, err := f.Attr(e.nodeID, offsetKey)
	if err != nil {
		return time.Time{}, err
	}
	hours, _ := ov.(float64)
	return measure.FromDotNetTicks(ticks, hours), nil
}

// toAttrValue coerces a scalar to a container attribute value.
func toAttrValue(v any) (any, error) {
	switch val := v.(type) {
	case string, int64, float64, bool, uint32:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint64:
		return int64(val), nil
	case float32:
		return float64(val), nil
	case time.Duration:
		return val.Seconds(), nil
	default:
		return nil, &StateError{Op: "property", Msg: "unsupported scalar type"}
	}
}
