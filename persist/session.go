package persist

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ehrlich-b/go-daq/internal/constants"
	"github.com/ehrlich-b/go-daq/internal/container"
	"github.com/ehrlich-b/go-daq/internal/logging"
)

// Experiment is the root entity of a persisted file.
type Experiment struct {
	timelineEntity
	purpose string
}

// Purpose returns the experiment's stated purpose.
func (x *Experiment) Purpose() string { return x.purpose }

// Device is a persisted device, unique by (name, manufacturer) within
// the experiment.
type Device struct {
	entity
	name         string
	manufacturer string
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Manufacturer returns the device manufacturer.
func (d *Device) Manufacturer() string { return d.manufacturer }

// Source is a hierarchical identifier for the origin of the data.
type Source struct {
	entity
	label string
}

// Label returns the source label.
func (s *Source) Label() string { return s.label }

// EpochGroup is a labeled logical block of epoch blocks or nested
// groups, bound to a source.
type EpochGroup struct {
	timelineEntity
	label string
}

// Label returns the group label.
func (g *EpochGroup) Label() string { return g.label }

// EpochBlock is a contiguous run of epochs sharing one protocol.
type EpochBlock struct {
	timelineEntity
	protocolID string
}

// ProtocolID returns the block's protocol id.
func (b *EpochBlock) ProtocolID() string { return b.protocolID }

// PersistedEpoch is a committed epoch snapshot.
type PersistedEpoch struct {
	timelineEntity
}

// Session is an open persistence session on one container file. A
// session tracks the stack of open epoch groups and the open epoch
// block; epochs serialize into the open block.
type Session struct {
	mu         sync.Mutex
	f          *container.File
	experiment *Experiment
	groupStack []*EpochGroup
	openBlock  *EpochBlock
	log        *log.Logger
	closed     bool
}

func (s *Session) file() *container.File { return s.f }

// Experiment returns the session's root entity.
func (s *Session) Experiment() *Experiment { return s.experiment }

// Create creates a new persisted experiment file. Fails if the path
// exists. The file carries version 2 and a single experiment group.
func Create(path, purpose string, start time.Time) (*Session, error) {
	f, err := container.Create(path)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		return nil, err
	}
	s := &Session{f: f, log: logging.Default()}

	if err := f.SetAttr(container.Root, attrVersion, uint32(constants.FileVersion)); err != nil {
		f.Close()
		return nil, err
	}

	id := uuid.New()
	node, err := f.CreateGroup(container.Root, entityName("experiment", id))
	if err != nil {
		f.Close()
		return nil, err
	}
	exp := &Experiment{purpose: purpose}
	exp.entity = entity{s: s, id: id, nodeID: node, parent: container.Root, name: entityName("experiment", id)}
	if err := s.initEntity(&exp.entity, map[string]any{attrPurpose: purpose}); err != nil {
		f.Close()
		return nil, err
	}
	if err := exp.stampStart(start); err != nil {
		f.Close()
		return nil, err
	}
	for _, sub := range []string{groupDevices, groupSources, groupEpochGroups} {
		if _, err := f.CreateGroup(node, sub); err != nil {
			f.Close()
			return nil, err
		}
	}
	s.experiment = exp

	s.log.WithFields(log.Fields{
		"path":    path,
		"purpose": purpose,
	}).Info("created experiment file")
	return s, nil
}

// Open opens an existing persisted experiment file. Fails if the file
// does not exist, lacks the version attribute, carries a different
// version, or does not hold exactly one top-level group.
func Open(path string) (*Session, error) {
	f, err := container.Open(path)
	if err != nil {
		return nil, err
	}

	v, ok, err := f.Attr(container.Root, attrVersion)
	if err != nil {
		f.Close()
		return nil, err
	}
	if !ok {
		f.Close()
		return nil, fmt.Errorf("%w: missing version attribute", ErrNotPersistedFile)
	}
	version, _ := v.(uint32)
	if version != constants.FileVersion {
		f.Close()
		return nil, fmt.Errorf("%w: file version %d, supported version %d", ErrVersionMismatch, version, constants.FileVersion)
	}

	tops, err := f.Children(container.Root)
	if err != nil {
		f.Close()
		return nil, err
	}
	if len(tops) != 1 || !strings.HasPrefix(tops[0], "experiment-") {
		f.Close()
		return nil, fmt.Errorf("%w: expected exactly one experiment group, found %d top-level groups", ErrNotPersistedFile, len(tops))
	}

	s := &Session{f: f, log: logging.Default()}
	node, _, err := f.Child(container.Root, tops[0])
	if err != nil {
		f.Close()
		return nil, err
	}
	ent, err := s.loadEntity(node, container.Root, tops[0])
	if err != nil {
		f.Close()
		return nil, err
	}
	purpose, _, err := f.Attr(node, attrPurpose)
	if err != nil {
		f.Close()
		return nil, err
	}
	p, _ := purpose.(string)
	exp := &Experiment{purpose: p}
	exp.entity = ent
	s.experiment = exp
	return s, nil
}

// initEntity writes the identity attributes of a fresh entity.
func (s *Session) initEntity(e *entity, attrs map[string]any) error {
	if err := s.f.SetAttr(e.nodeID, attrUUID, e.id.String()); err != nil {
		return err
	}
	for k, v := range attrs {
		if err := s.f.SetAttr(e.nodeID, k, v); err != nil {
			return err
		}
	}
	return nil
}

// loadEntity rebuilds an entity handle from its node.
func (s *Session) loadEntity(node, parent container.NodeID, name string) (entity, error) {
	v, ok, err := s.f.Attr(node, attrUUID)
	if err != nil {
		return entity{}, err
	}
	if !ok {
		return entity{}, fmt.Errorf("%w: node %q has no uuid", ErrNotPersistedFile, name)
	}
	raw, _ := v.(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return entity{}, fmt.Errorf("%w: node %q has invalid uuid", ErrNotPersistedFile, name)
	}
	return entity{s: s, id: id, nodeID: node, parent: parent, name: name}, nil
}

func (s *Session) guard() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// subgroup resolves a fixed child group of a node.
func (s *Session) subgroup(node container.NodeID, name string) (container.NodeID, error) {
	id, ok, err := s.f.Child(node, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: missing %q subgroup", ErrNotPersistedFile, name)
	}
	return id, nil
}

// AddDevice inserts a device. Fails if (name, manufacturer) already
// exists in the experiment.
func (s *Session) AddDevice(name, manufacturer string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.addDeviceLocked(name, manufacturer)
}

func (s *Session) addDeviceLocked(name, manufacturer string) (*Device, error) {
	if existing, err := s.deviceLocked(name, manufacturer); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: device (%s, %s)", ErrExists, name, manufacturer)
	}

	parent, err := s.subgroup(s.experiment.nodeID, groupDevices)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	gname := entityName(name, id)
	node, err := s.f.CreateGroup(parent, gname)
	if err != nil {
		return nil, err
	}
	d := &Device{name: name, manufacturer: manufacturer}
	d.entity = entity{s: s, id: id, nodeID: node, parent: parent, name: gname}
	if err := s.initEntity(&d.entity, map[string]any{attrName: name, attrManufacturer: manufacturer}); err != nil {
		return nil, err
	}
	return d, nil
}

// Device finds a device by (name, manufacturer); nil if absent.
func (s *Session) Device(name, manufacturer string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceLocked(name, manufacturer)
}

func (s *Session) deviceLocked(name, manufacturer string) (*Device, error) {
	devices, err := s.devicesLocked()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.name == name && d.manufacturer == manufacturer {
			return d, nil
		}
	}
	return nil, nil
}

// Devices returns the experiment's devices in insertion order.
func (s *Session) Devices() ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devicesLocked()
}

func (s *Session) devicesLocked() ([]*Device, error) {
	parent, err := s.subgroup(s.experiment.nodeID, groupDevices)
	if err != nil {
		return nil, err
	}
	names, err := s.f.Children(parent)
	if err != nil {
		return nil, err
	}
	out := make([]*Device, 0, len(names))
	for _, gname := range names {
		node, _, err := s.f.Child(parent, gname)
		if err != nil {
			return nil, err
		}
		ent, err := s.loadEntity(node, parent, gname)
		if err != nil {
			return nil, err
		}
		nv, _, err := s.f.Attr(node, attrName)
		if err != nil {
			return nil, err
		}
		mv, _, err := s.f.Attr(node, attrManufacturer)
		if err != nil {
			return nil, err
		}
		d := &Device{}
		d.entity = ent
		d.name, _ = nv.(string)
		d.manufacturer, _ = mv.(string)
		out = append(out, d)
	}
	return out, nil
}

// AddSource inserts a source under the given parent, or under the
// experiment when parent is nil.
func (s *Session) AddSource(label string, parent *Source) (*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	parentNode := s.experiment.nodeID
	if parent != nil {
		parentNode = parent.nodeID
	}
	parentGroup, err := s.subgroup(parentNode, groupSources)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	gname := entityName(label, id)
	node, err := s.f.CreateGroup(parentGroup, gname)
	if err != nil {
		return nil, err
	}
	src := &Source{label: label}
	src.entity = entity{s: s, id: id, nodeID: node, parent: parentGroup, name: gname}
	if err := s.initEntity(&src.entity, map[string]any{attrLabel: label}); err != nil {
		return nil, err
	}
	// Nested sources plus the back-reference container for epoch
	// groups recorded against this source.
	for _, sub := range []string{groupSources, groupEpochGroups} {
		if _, err := s.f.CreateGroup(node, sub); err != nil {
			return nil, err
		}
	}
	return src, nil
}

// Sources returns the immediate sources of the experiment, or of the
// given parent source.
func (s *Session) Sources(parent *Source) ([]*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.experiment.nodeID
	if parent != nil {
		node = parent.nodeID
	}
	return s.sourcesUnder(node)
}

func (s *Session) sourcesUnder(node container.NodeID) ([]*Source, error) {
	parent, err := s.subgroup(node, groupSources)
	if err != nil {
		return nil, err
	}
	names, err := s.f.Children(parent)
	if err != nil {
		return nil, err
	}
	out := make([]*Source, 0, len(names))
	for _, gname := range names {
		child, _, err := s.f.Child(parent, gname)
		if err != nil {
			return nil, err
		}
		ent, err := s.loadEntity(child, parent, gname)
		if err != nil {
			return nil, err
		}
		lv, _, err := s.f.Attr(child, attrLabel)
		if err != nil {
			return nil, err
		}
		src := &Source{}
		src.entity = ent
		src.label, _ = lv.(string)
		out = append(out, src)
	}
	return out, nil
}

// BeginEpochGroup inserts an epoch group under the top of the open
// stack (or the experiment when the stack is empty), pushes it, and
// hard-links it from the source's epochGroups back-reference container.
func (s *Session) BeginEpochGroup(label string, source *Source, start time.Time) (*EpochGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, &StateError{Op: "BeginEpochGroup", Msg: "a source is required"}
	}

	parentNode := s.experiment.nodeID
	if len(s.groupStack) > 0 {
		parentNode = s.groupStack[len(s.groupStack)-1].nodeID
	}
	parent, err := s.subgroup(parentNode, groupEpochGroups)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	gname := entityName(label, id)
	node, err := s.f.CreateGroup(parent, gname)
	if err != nil {
		return nil, err
	}
	g := &EpochGroup{label: label}
	g.entity = entity{s: s, id: id, nodeID: node, parent: parent, name: gname}
	if err := s.initEntity(&g.entity, map[string]any{attrLabel: label}); err != nil {
		return nil, err
	}
	if err := g.stampStart(start); err != nil {
		return nil, err
	}
	for _, sub := range []string{groupEpochGroups, groupEpochBlocks} {
		if _, err := s.f.CreateGroup(node, sub); err != nil {
			return nil, err
		}
	}

	// The group references its source, and the source back-references
	// the group. Both are hard links, not copies.
	if err := s.f.Link(node, linkSource, source.nodeID); err != nil {
		return nil, err
	}
	backrefs, err := s.subgroup(source.nodeID, groupEpochGroups)
	if err != nil {
		return nil, err
	}
	if err := s.f.Link(backrefs, gname, node); err != nil {
		return nil, err
	}

	s.groupStack = append(s.groupStack, g)
	return g, nil
}

// EndEpochGroup stamps the top group's end time and pops it. Fails if
// no group is open or a block is still open.
func (s *Session) EndEpochGroup(end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endEpochGroupLocked(end)
}

func (s *Session) endEpochGroupLocked(end time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(s.groupStack) == 0 {
		return stateErr("EndEpochGroup", ErrNoOpenGroup)
	}
	if s.openBlock != nil {
		return stateErr("EndEpochGroup", ErrBlockOpen)
	}
	g := s.groupStack[len(s.groupStack)-1]
	if err := g.SetEndTime(end); err != nil {
		return err
	}
	s.groupStack = s.groupStack[:len(s.groupStack)-1]
	return nil
}

// CurrentEpochGroup returns the top of the open group stack, or nil.
func (s *Session) CurrentEpochGroup() *EpochGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.groupStack) == 0 {
		return nil
	}
	return s.groupStack[len(s.groupStack)-1]
}

// BeginEpochBlock starts a block for one protocol inside the open
// group. Fails if no group is open or a block is already open.
func (s *Session) BeginEpochBlock(protocolID string, start time.Time) (*EpochBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	if len(s.groupStack) == 0 {
		return nil, stateErr("BeginEpochBlock", ErrNoOpenGroup)
	}
	if s.openBlock != nil {
		return nil, stateErr("BeginEpochBlock", ErrBlockOpen)
	}

	g := s.groupStack[len(s.groupStack)-1]
	parent, err := s.subgroup(g.nodeID, groupEpochBlocks)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	gname := entityName(protocolID, id)
	node, err := s.f.CreateGroup(parent, gname)
	if err != nil {
		return nil, err
	}
	b := &EpochBlock{protocolID: protocolID}
	b.entity = entity{s: s, id: id, nodeID: node, parent: parent, name: gname}
	if err := s.initEntity(&b.entity, map[string]any{attrProtocolID: protocolID}); err != nil {
		return nil, err
	}
	if err := b.stampStart(start); err != nil {
		return nil, err
	}
	if _, err := s.f.CreateGroup(node, groupEpochs); err != nil {
		return nil, err
	}

	s.openBlock = b
	return b, nil
}

// EndEpochBlock stamps the open block's end time. Fails if no block is
// open.
func (s *Session) EndEpochBlock(end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endEpochBlockLocked(end)
}

func (s *Session) endEpochBlockLocked(end time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	if s.openBlock == nil {
		return stateErr("EndEpochBlock", ErrNoOpenBlock)
	}
	if err := s.openBlock.SetEndTime(end); err != nil {
		return err
	}
	s.openBlock = nil
	return nil
}

// CurrentEpochBlock returns the open block, or nil.
func (s *Session) CurrentEpochBlock() *EpochBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openBlock
}

// EpochGroups returns the immediate epoch groups of the experiment or
// of the given parent group.
func (s *Session) EpochGroups(parent *EpochGroup) ([]*EpochGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.experiment.nodeID
	if parent != nil {
		node = parent.nodeID
	}
	return s.epochGroupsUnder(node)
}

func (s *Session) epochGroupsUnder(node container.NodeID) ([]*EpochGroup, error) {
	parent, err := s.subgroup(node, groupEpochGroups)
	if err != nil {
		return nil, err
	}
	names, err := s.f.Children(parent)
	if err != nil {
		return nil, err
	}
	out := make([]*EpochGroup, 0, len(names))
	for _, gname := range names {
		child, _, err := s.f.Child(parent, gname)
		if err != nil {
			return nil, err
		}
		ent, err := s.loadEntity(child, parent, gname)
		if err != nil {
			return nil, err
		}
		lv, _, err := s.f.Attr(child, attrLabel)
		if err != nil {
			return nil, err
		}
		g := &EpochGroup{}
		g.entity = ent
		g.label, _ = lv.(string)
		out = append(out, g)
	}
	return out, nil
}

// EpochBlocks returns a group's blocks in insertion order.
func (s *Session) EpochBlocks(g *EpochGroup) ([]*EpochBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, err := s.subgroup(g.nodeID, groupEpochBlocks)
	if err != nil {
		return nil, err
	}
	names, err := s.f.Children(parent)
	if err != nil {
		return nil, err
	}
	out := make([]*EpochBlock, 0, len(names))
	for _, gname := range names {
		child, _, err := s.f.Child(parent, gname)
		if err != nil {
			return nil, err
		}
		ent, err := s.loadEntity(child, parent, gname)
		if err != nil {
			return nil, err
		}
		pv, _, err := s.f.Attr(child, attrProtocolID)
		if err != nil {
			return nil, err
		}
		b := &EpochBlock{}
		b.entity = ent
		b.protocolID, _ = pv.(string)
		out = append(out, b)
	}
	return out, nil
}

// Epochs returns a block's persisted epochs in commit order.
func (s *Session) Epochs(b *EpochBlock) ([]*PersistedEpoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, err := s.subgroup(b.nodeID, groupEpochs)
	if err != nil {
		return nil, err
	}
	names, err := s.f.Children(parent)
	if err != nil {
		return nil, err
	}
	out := make([]*PersistedEpoch, 0, len(names))
	for _, gname := range names {
		child, _, err := s.f.Child(parent, gname)
		if err != nil {
			return nil, err
		}
		ent, err := s.loadEntity(child, parent, gname)
		if err != nil {
			return nil, err
		}
		pe := &PersistedEpoch{}
		pe.entity = ent
		out = append(out, pe)
	}
	return out, nil
}

// Delete removes an entity from the tree. It refuses to delete the
// experiment, any epoch group currently on the open stack, the open
// block, or a source still referenced by epoch groups (recursively
// through nested sources). Nodes still reachable through hard links
// survive until their last link disappears.
func (s *Session) Delete(ent Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	if ent.UUID() == s.experiment.UUID() {
		return fmt.Errorf("%w: the experiment", ErrUndeletable)
	}
	for _, g := range s.groupStack {
		if g.UUID() == ent.UUID() {
			return fmt.Errorf("%w: epoch group %q is open", ErrUndeletable, g.label)
		}
	}
	if s.openBlock != nil && s.openBlock.UUID() == ent.UUID() {
		return fmt.Errorf("%w: epoch block is open", ErrUndeletable)
	}
	if src, ok := ent.(*Source); ok {
		referenced, err := s.sourceReferenced(src)
		if err != nil {
			return err
		}
		if referenced {
			return fmt.Errorf("%w: source %q is referenced by epoch groups", ErrUndeletable, src.label)
		}
	}
	return s.f.Unlink(ent.parentNode(), ent.linkName())
}

// sourceReferenced reports whether the source, or any source nested
// beneath it, is still referenced by an epoch group.
func (s *Session) sourceReferenced(src *Source) (bool, error) {
	backrefs, err := s.subgroup(src.nodeID, groupEpochGroups)
	if err != nil {
		return false, err
	}
	names, err := s.f.Children(backrefs)
	if err != nil {
		return false, err
	}
	if len(names) > 0 {
		return true, nil
	}
	nested, err := s.sourcesUnder(src.nodeID)
	if err != nil {
		return false, err
	}
	for _, n := range nested {
		referenced, err := s.sourceReferenced(n)
		if err != nil {
			return false, err
		}
		if referenced {
			return true, nil
		}
	}
	return false, nil
}

// Close ends any open block, unwinds the open group stack, stamps the
// experiment's end time, and closes the file.
func (s *Session) Close(end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	if s.openBlock != nil {
		if err := s.endEpochBlockLocked(end); err != nil {
			return err
		}
	}
	for len(s.groupStack) > 0 {
		if err := s.endEpochGroupLocked(end); err != nil {
			return err
		}
	}
	if err := s.experiment.SetEndTime(end); err != nil && err != ErrEndTimeSet {
		return err
	}
	s.closed = true
	return s.f.Close()
}
