package container

import (
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/ehrlich-b/go-daq/internal/logging"
)

// Magic bytes at the start of every container file.
var fileMagic = [8]byte{'g', 'd', 'a', 'q', 'c', 'n', 't', 'r'}

// segCacheSize is the number of decoded dataset segments kept in the
// read cache.
const segCacheSize = 128

// Package errors.
var (
	ErrExists   = errors.New("container: name already exists")
	ErrNotFound = errors.New("container: not found")
	ErrBadKind  = errors.New("container: wrong node kind")
	ErrCorrupt  = errors.New("container: corrupt record stream")
	ErrClosed   = errors.New("container: file closed")
	ErrBadMagic = errors.New("container: not a container file")
)

// NodeID identifies a group or dataset within a file.
type NodeID uint32

// Root is the file-level node. It exists implicitly, carries the
// file-level attributes, and cannot be unlinked.
const Root NodeID = 0

// Kind distinguishes node types.
type Kind uint8

const (
	KindGroup Kind = iota
	KindDataset
)

type segment struct {
	off  int64 // payload offset in the backing store
	rows int
	size int // payload length in bytes
}

type node struct {
	id    NodeID
	kind  Kind
	refs  int
	attrs map[string]any

	// Group children in insertion order.
	childNames []string
	children   map[string]NodeID

	// Dataset layout.
	rowType    RowType
	extensible bool
	chunkRows  int
	rows       int
	segments   []segment
}

type segKey struct {
	ds  NodeID
	idx int
}

// File is an open container.
type File struct {
	mu     sync.Mutex
	b      Backing
	nodes  map[NodeID]*node
	nextID NodeID
	end    int64 // append offset
	closed bool

	segCache *lru.Cache[segKey, any]
	log      *log.Entry
}

func newFile(b Backing, path string) *File {
	cache, _ := lru.New[segKey, any](segCacheSize)
	f := &File{
		b:        b,
		nodes:    map[NodeID]*node{},
		nextID:   1,
		segCache: cache,
		log:      logging.Default().WithField("container", path),
	}
	f.nodes[Root] = &node{id: Root, kind: KindGroup, refs: 1, attrs: map[string]any{}, children: map[string]NodeID{}}
	return f
}

// Create creates a new container file. Fails if the path exists.
func Create(path string) (*File, error) {
	osf, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	f := newFile(&fileBacking{f: osf}, path)
	if _, err := f.b.WriteAt(fileMagic[:], 0); err != nil {
		osf.Close()
		os.Remove(path)
		return nil, err
	}
	f.end = int64(len(fileMagic))
	return f, nil
}

// CreateMemory creates an in-memory container for tests.
func CreateMemory() *File {
	f := newFile(&memoryBacking{}, "<memory>")
	f.b.WriteAt(fileMagic[:], 0)
	f.end = int64(len(fileMagic))
	return f
}

// Open opens an existing container file and replays its record stream.
// A torn record at the tail is tolerated; corruption anywhere before
// the tail fails the open.
func Open(path string) (*File, error) {
	osf, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	f := newFile(&fileBacking{f: osf}, path)
	if err := f.replay(); err != nil {
		osf.Close()
		return nil, err
	}
	return f, nil
}

func (f *File) replay() error {
	size := f.b.Size()
	var magic [8]byte
	if n, err := f.b.ReadAt(magic[:], 0); err != nil || n != len(magic) || magic != fileMagic {
		return ErrBadMagic
	}

	off := int64(len(fileMagic))
	var header [frameHeaderLen]byte
	for off+frameHeaderLen <= size {
		if _, err := f.b.ReadAt(header[:], off); err != nil {
			return err
		}
		bodyLen := int64(leU32(header[0:]))
		wantCRC := leU32(header[4:])
		if bodyLen > maxRecordLen || off+frameHeaderLen+bodyLen > size {
			// Torn tail: the final append did not finish.
			f.log.WithField("offset", off).Warn("ignoring torn record at tail")
			break
		}
		body := make([]byte, bodyLen)
		if _, err := f.b.ReadAt(body, off+frameHeaderLen); err != nil {
			return err
		}
		if crc32.ChecksumIEEE(body) != wantCRC {
			if off+frameHeaderLen+bodyLen == size {
				f.log.WithField("offset", off).Warn("ignoring torn record at tail")
				break
			}
			return fmt.Errorf("%w: bad CRC at offset %d", ErrCorrupt, off)
		}
		if err := f.apply(body, off+frameHeaderLen); err != nil {
			return err
		}
		off += frameHeaderLen + bodyLen
	}
	f.end = off
	return nil
}

// apply replays one record body into the index. bodyOff is the body's
// offset in the backing store, used to locate dataset payloads.
func (f *File) apply(body []byte, bodyOff int64) error {
	r := reader{buf: body}
	switch r.u8() {
	case recCreateGroup:
		id := NodeID(r.u32())
		parent := NodeID(r.u32())
		name := r.str()
		if r.err != nil {
			return r.err
		}
		if err := f.indexCreate(&node{id: id, kind: KindGroup, attrs: map[string]any{}, children: map[string]NodeID{}}, parent, name); err != nil {
			return err
		}
	case recCreateDataset:
		id := NodeID(r.u32())
		parent := NodeID(r.u32())
		name := r.str()
		rowType := RowType(r.u8())
		extensible := r.u8() != 0
		chunkRows := int(r.u32())
		if r.err != nil {
			return r.err
		}
		n := &node{id: id, kind: KindDataset, attrs: map[string]any{}, rowType: rowType, extensible: extensible, chunkRows: chunkRows}
		if err := f.indexCreate(n, parent, name); err != nil {
			return err
		}
	case recSetAttr:
		n, err := f.node(NodeID(r.u32()))
		if err != nil {
			return err
		}
		key := r.str()
		val := r.attrValue()
		if r.err != nil {
			return r.err
		}
		n.attrs[key] = val
	case recDelAttr:
		n, err := f.node(NodeID(r.u32()))
		if err != nil {
			return err
		}
		key := r.str()
		if r.err != nil {
			return r.err
		}
		delete(n.attrs, key)
	case recLink:
		parent, err := f.node(NodeID(r.u32()))
		if err != nil {
			return err
		}
		name := r.str()
		target, err := f.node(NodeID(r.u32()))
		if r.err != nil {
			return r.err
		}
		if err != nil {
			return err
		}
		f.indexLink(parent, name, target)
	case recUnlink:
		parent, err := f.node(NodeID(r.u32()))
		if err != nil {
			return err
		}
		name := r.str()
		if r.err != nil {
			return r.err
		}
		f.indexUnlink(parent, name)
	case recAppendRows:
		n, err := f.node(NodeID(r.u32()))
		if err != nil {
			return err
		}
		count := int(r.u32())
		if r.err != nil {
			return r.err
		}
		payloadOff := bodyOff + int64(r.off)
		n.segments = append(n.segments, segment{off: payloadOff, rows: count, size: len(body) - r.off})
		n.rows += count
	default:
		return fmt.Errorf("%w: unknown record type", ErrCorrupt)
	}
	return nil
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (f *File) node(id NodeID) (*node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: node %d", ErrNotFound, id)
	}
	return n, nil
}

func (f *File) indexCreate(n *node, parent NodeID, name string) error {
	p, err := f.node(parent)
	if err != nil {
		return err
	}
	if p.kind != KindGroup {
		return fmt.Errorf("%w: parent %d is not a group", ErrBadKind, parent)
	}
	if _, dup := p.children[name]; dup {
		return fmt.Errorf("%w: %q under node %d", ErrExists, name, parent)
	}
	n.refs = 1
	f.nodes[n.id] = n
	p.childNames = append(p.childNames, name)
	p.children[name] = n.id
	if n.id >= f.nextID {
		f.nextID = n.id + 1
	}
	return nil
}

func (f *File) indexLink(parent *node, name string, target *node) {
	if _, dup := parent.children[name]; dup {
		return
	}
	parent.childNames = append(parent.childNames, name)
	parent.children[name] = target.id
	target.refs++
}

func (f *File) indexUnlink(parent *node, name string) {
	id, ok := parent.children[name]
	if !ok {
		return
	}
	delete(parent.children, name)
	for i, cn := range parent.childNames {
		if cn == name {
			parent.childNames = append(parent.childNames[:i], parent.childNames[i+1:]...)
			break
		}
	}
	f.release(id)
}

// release drops one reference; at zero the node and the references it
// holds on its own children are freed.
func (f *File) release(id NodeID) {
	n, ok := f.nodes[id]
	if !ok {
		return
	}
	n.refs--
	if n.refs > 0 {
		return
	}
	delete(f.nodes, id)
	for _, name := range n.childNames {
		f.release(n.children[name])
	}
}

// appendRecord frames and writes a record body, returning the offset of
// the body in the backing store.
func (f *File) appendRecord(body []byte) (int64, error) {
	framed := frameRecord(body)
	if _, err := f.b.WriteAt(framed, f.end); err != nil {
		return 0, err
	}
	bodyOff := f.end + frameHeaderLen
	f.end += int64(len(framed))
	return bodyOff, nil
}

func (f *File) guard() error {
	if f.closed {
		return ErrClosed
	}
	return nil
}

// CreateGroup creates a group under parent. The name must be unique
// within the parent.
func (f *File) CreateGroup(parent NodeID, name string) (NodeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return 0, err
	}
	id := f.nextID

	buf := getEncodeBuf()
	defer putEncodeBuf(buf)
	b := append(*buf, recCreateGroup)
	b = appendU32(b, uint32(id))
	b = appendU32(b, uint32(parent))
	b = appendStr(b, name)

	n := &node{id: id, kind: KindGroup, attrs: map[string]any{}, children: map[string]NodeID{}}
	if err := f.indexCreate(n, parent, name); err != nil {
		return 0, err
	}
	if _, err := f.appendRecord(b); err != nil {
		return 0, err
	}
	return id, nil
}

// CreateDataset creates a dataset under parent. Extensible datasets
// grow by appends, each append stored as one segment of whatever rows it
// carries (chunkRows is recorded with the dataset and does not set the
// segment size); fixed datasets are written once.
func (f *File) CreateDataset(parent NodeID, name string, rowType RowType, extensible bool, chunkRows int) (NodeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return 0, err
	}
	id := f.nextID

	buf := getEncodeBuf()
	defer putEncodeBuf(buf)
	b := append(*buf, recCreateDataset)
	b = appendU32(b, uint32(id))
	b = appendU32(b, uint32(parent))
	b = appendStr(b, name)
	b = append(b, byte(rowType))
	if extensible {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = appendU32(b, uint32(chunkRows))

	n := &node{id: id, kind: KindDataset, attrs: map[string]any{}, rowType: rowType, extensible: extensible, chunkRows: chunkRows}
	if err := f.indexCreate(n, parent, name); err != nil {
		return 0, err
	}
	if _, err := f.appendRecord(b); err != nil {
		return 0, err
	}
	return id, nil
}

// SetAttr sets a typed attribute on a node. Supported value types:
// string, int64, float64, bool, uint32, TimeOffset.
func (f *File) SetAttr(id NodeID, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	n, err := f.node(id)
	if err != nil {
		return err
	}

	buf := getEncodeBuf()
	defer putEncodeBuf(buf)
	b := append(*buf, recSetAttr)
	b = appendU32(b, uint32(id))
	b = appendStr(b, key)
	b, err = appendAttrValue(b, value)
	if err != nil {
		return err
	}
	if _, err := f.appendRecord(b); err != nil {
		return err
	}
	n.attrs[key] = value
	return nil
}

// DelAttr removes an attribute. Removing an absent attribute is a no-op.
func (f *File) DelAttr(id NodeID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	n, err := f.node(id)
	if err != nil {
		return err
	}
	if _, ok := n.attrs[key]; !ok {
		return nil
	}

	buf := getEncodeBuf()
	defer putEncodeBuf(buf)
	b := append(*buf, recDelAttr)
	b = appendU32(b, uint32(id))
	b = appendStr(b, key)
	if _, err := f.appendRecord(b); err != nil {
		return err
	}
	delete(n.attrs, key)
	return nil
}

// Attr returns a node attribute and whether it is present.
func (f *File) Attr(id NodeID, key string) (any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.node(id)
	if err != nil {
		return nil, false, err
	}
	v, ok := n.attrs[key]
	return v, ok, nil
}

// Attrs returns a copy of a node's attribute map.
func (f *File) Attrs(id NodeID) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.node(id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(n.attrs))
	for k, v := range n.attrs {
		out[k] = v
	}
	return out, nil
}

// Link adds a hard link to target under parent. Linking a name that
// already exists is a no-op.
func (f *File) Link(parent NodeID, name string, target NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	p, err := f.node(parent)
	if err != nil {
		return err
	}
	if p.kind != KindGroup {
		return fmt.Errorf("%w: node %d is not a group", ErrBadKind, parent)
	}
	t, err := f.node(target)
	if err != nil {
		return err
	}

	buf := getEncodeBuf()
	defer putEncodeBuf(buf)
	b := append(*buf, recLink)
	b = appendU32(b, uint32(parent))
	b = appendStr(b, name)
	b = appendU32(b, uint32(target))
	if _, err := f.appendRecord(b); err != nil {
		return err
	}
	f.indexLink(p, name, t)
	return nil
}

// Unlink removes the named link from parent. When the target's last
// link disappears, the target and the subtree it solely owns are freed.
func (f *File) Unlink(parent NodeID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	p, err := f.node(parent)
	if err != nil {
		return err
	}
	if _, ok := p.children[name]; !ok {
		return fmt.Errorf("%w: %q under node %d", ErrNotFound, name, parent)
	}

	buf := getEncodeBuf()
	defer putEncodeBuf(buf)
	b := append(*buf, recUnlink)
	b = appendU32(b, uint32(parent))
	b = appendStr(b, name)
	if _, err := f.appendRecord(b); err != nil {
		return err
	}
	f.indexUnlink(p, name)
	return nil
}

// Children returns a group's child names in insertion order.
func (f *File) Children(id NodeID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.node(id)
	if err != nil {
		return nil, err
	}
	if n.kind != KindGroup {
		return nil, fmt.Errorf("%w: node %d is not a group", ErrBadKind, id)
	}
	return append([]string(nil), n.childNames...), nil
}

// Child resolves a named child of a group.
func (f *File) Child(id NodeID, name string) (NodeID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.node(id)
	if err != nil {
		return 0, false, err
	}
	c, ok := n.children[name]
	return c, ok, nil
}

// NodeKind returns a node's kind.
func (f *File) NodeKind(id NodeID) (Kind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.node(id)
	if err != nil {
		return 0, err
	}
	return n.kind, nil
}

// RefCount returns a node's hard-link count.
func (f *File) RefCount(id NodeID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.node(id)
	if err != nil {
		return 0, err
	}
	return n.refs, nil
}

func (f *File) appendRows(id NodeID, rowType RowType, count int, payload []byte) error {
	n, err := f.node(id)
	if err != nil {
		return err
	}
	if n.kind != KindDataset || n.rowType != rowType {
		return fmt.Errorf("%w: node %d does not hold row type %d", ErrBadKind, id, rowType)
	}
	if !n.extensible && n.rows > 0 {
		return fmt.Errorf("%w: dataset %d is fixed-length", ErrBadKind, id)
	}

	buf := getEncodeBuf()
	defer putEncodeBuf(buf)
	b := append(*buf, recAppendRows)
	b = appendU32(b, uint32(id))
	b = appendU32(b, uint32(count))
	headerLen := len(b)
	b = append(b, payload...)

	bodyOff, err := f.appendRecord(b)
	if err != nil {
		return err
	}
	n.segments = append(n.segments, segment{off: bodyOff + int64(headerLen), rows: count, size: len(payload)})
	n.rows += count
	return nil
}

// AppendMeasurements writes measurement rows to a dataset.
func (f *File) AppendMeasurements(id NodeID, rows []MeasurementRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	return f.appendRows(id, RowMeasurement, len(rows), encodeMeasurementRows(rows))
}

// AppendNotes extends a notes dataset by the given rows.
func (f *File) AppendNotes(id NodeID, rows []NoteRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	return f.appendRows(id, RowNote, len(rows), encodeNoteRows(rows))
}

// RowCount returns the number of rows in a dataset.
func (f *File) RowCount(id NodeID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.node(id)
	if err != nil {
		return 0, err
	}
	if n.kind != KindDataset {
		return 0, fmt.Errorf("%w: node %d is not a dataset", ErrBadKind, id)
	}
	return n.rows, nil
}

// segmentRows reads and decodes one segment, via the read cache.
func (f *File) segmentRows(n *node, idx int) (any, error) {
	key := segKey{ds: n.id, idx: idx}
	if rows, ok := f.segCache.Get(key); ok {
		return rows, nil
	}
	seg := n.segments[idx]
	payload := make([]byte, seg.size)
	if _, err := f.b.ReadAt(payload, seg.off); err != nil {
		return nil, err
	}
	var rows any
	var err error
	switch n.rowType {
	case RowMeasurement:
		rows, err = decodeMeasurementRows(payload, seg.rows)
	case RowNote:
		rows, err = decodeNoteRows(payload, seg.rows)
	default:
		err = fmt.Errorf("%w: unknown row type %d", ErrCorrupt, n.rowType)
	}
	if err != nil {
		return nil, err
	}
	f.segCache.Add(key, rows)
	return rows, nil
}

// ReadMeasurements returns all rows of a measurement dataset in order.
func (f *File) ReadMeasurements(id NodeID) ([]MeasurementRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.node(id)
	if err != nil {
		return nil, err
	}
	if n.kind != KindDataset || n.rowType != RowMeasurement {
		return nil, fmt.Errorf("%w: node %d is not a measurement dataset", ErrBadKind, id)
	}
	out := make([]MeasurementRow, 0, n.rows)
	for i := range n.segments {
		rows, err := f.segmentRows(n, i)
		if err != nil {
			return nil, err
		}
		out = append(out, rows.([]MeasurementRow)...)
	}
	return out, nil
}

// ReadNotes returns all rows of a notes dataset in insertion order.
func (f *File) ReadNotes(id NodeID) ([]NoteRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.node(id)
	if err != nil {
		return nil, err
	}
	if n.kind != KindDataset || n.rowType != RowNote {
		return nil, fmt.Errorf("%w: node %d is not a notes dataset", ErrBadKind, id)
	}
	out := make([]NoteRow, 0, n.rows)
	for i := range n.segments {
		rows, err := f.segmentRows(n, i)
		if err != nil {
			return nil, err
		}
		out = append(out, rows.([]NoteRow)...)
	}
	return out, nil
}

// Sync flushes written data to stable storage.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	return f.b.Sync()
}

// Close syncs and closes the backing store. Further operations fail
// with ErrClosed.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	syncErr := f.b.Sync()
	closeErr := f.b.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
