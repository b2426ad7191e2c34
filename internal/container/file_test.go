package container

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.h5")
}

func TestCreateFailsOnExistingPath(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Create(path)
	require.Error(t, err)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, os.WriteFile(path, []byte("definitely not a container"), 0o644))

	_, err := Open(path)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestGroupsAndAttrsRoundTrip(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path)
	require.NoError(t, err)

	require.NoError(t, f.SetAttr(Root, "version", uint32(2)))

	exp, err := f.CreateGroup(Root, "experiment-x")
	require.NoError(t, err)
	require.NoError(t, f.SetAttr(exp, "purpose", "testing"))
	require.NoError(t, f.SetAttr(exp, "count", int64(42)))
	require.NoError(t, f.SetAttr(exp, "gain", 1.5))
	require.NoError(t, f.SetAttr(exp, "active", true))
	require.NoError(t, f.SetAttr(exp, "start", TimeOffset{Ticks: 638000000000000000, OffsetHours: -5}))

	devs, err := f.CreateGroup(exp, "devices")
	require.NoError(t, err)
	_, err = f.CreateGroup(exp, "devices")
	require.ErrorIs(t, err, ErrExists)

	require.NoError(t, f.Close())

	// Everything replays on open
	f, err = Open(path)
	require.NoError(t, err)
	defer f.Close()

	v, ok, err := f.Attr(Root, "version")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(2), v)

	children, err := f.Children(Root)
	require.NoError(t, err)
	require.Equal(t, []string{"experiment-x"}, children)

	expID, ok, err := f.Child(Root, "experiment-x")
	require.NoError(t, err)
	require.True(t, ok)

	attrs, err := f.Attrs(expID)
	require.NoError(t, err)
	require.Equal(t, "testing", attrs["purpose"])
	require.Equal(t, int64(42), attrs["count"])
	require.Equal(t, 1.5, attrs["gain"])
	require.Equal(t, true, attrs["active"])
	require.Equal(t, TimeOffset{Ticks: 638000000000000000, OffsetHours: -5}, attrs["start"])

	_, ok, err = f.Child(expID, "devices")
	require.NoError(t, err)
	require.True(t, ok)
	_ = devs
}

func TestDelAttr(t *testing.T) {
	f := CreateMemory()
	defer f.Close()

	g, err := f.CreateGroup(Root, "g")
	require.NoError(t, err)
	require.NoError(t, f.SetAttr(g, "keywords", "a,b"))
	require.NoError(t, f.DelAttr(g, "keywords"))

	_, ok, err := f.Attr(g, "keywords")
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting an absent attribute is a no-op
	require.NoError(t, f.DelAttr(g, "keywords"))
}

func TestMeasurementDataset(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path)
	require.NoError(t, err)

	g, err := f.CreateGroup(Root, "resp")
	require.NoError(t, err)
	ds, err := f.CreateDataset(g, "data", RowMeasurement, false, 0)
	require.NoError(t, err)

	rows := []MeasurementRow{
		{Quantity: 1.5, Units: "mV"},
		{Quantity: -2, Units: "microsiemens"}, // truncated to 10 bytes
	}
	require.NoError(t, f.AppendMeasurements(ds, rows))

	// Fixed dataset: second write refused
	require.ErrorIs(t, f.AppendMeasurements(ds, rows), ErrBadKind)

	require.NoError(t, f.Close())

	f, err = Open(path)
	require.NoError(t, err)
	defer f.Close()

	ds, _, err = f.Child(g, "data")
	require.NoError(t, err)
	got, err := f.ReadMeasurements(ds)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 1.5, got[0].Quantity)
	require.Equal(t, "mV", got[0].Units)
	require.Equal(t, "microsieme", got[1].Units, "unit field truncates at 10 bytes")
}

func TestNotesDatasetAppendOnlyInOrder(t *testing.T) {
	f := CreateMemory()
	defer f.Close()

	g, err := f.CreateGroup(Root, "entity")
	require.NoError(t, err)
	ds, err := f.CreateDataset(g, "notes", RowNote, true, 64)
	require.NoError(t, err)

	require.NoError(t, f.AppendNotes(ds, []NoteRow{{Ticks: 1, Text: "first"}}))
	require.NoError(t, f.AppendNotes(ds, []NoteRow{{Ticks: 2, OffsetHours: 3, Text: "second"}}))

	rows, err := f.ReadNotes(ds)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "first", rows[0].Text)
	require.Equal(t, "second", rows[1].Text)
	require.Equal(t, 3.0, rows[1].OffsetHours)
}

func TestHardLinkRefCounting(t *testing.T) {
	f := CreateMemory()
	defer f.Close()

	groups, err := f.CreateGroup(Root, "groups")
	require.NoError(t, err)
	backrefs, err := f.CreateGroup(Root, "backrefs")
	require.NoError(t, err)

	g, err := f.CreateGroup(groups, "g1")
	require.NoError(t, err)
	require.NoError(t, f.Link(backrefs, "g1", g))

	refs, err := f.RefCount(g)
	require.NoError(t, err)
	require.Equal(t, 2, refs)

	// Unlinking the canonical name keeps the node alive via the back-link
	require.NoError(t, f.Unlink(groups, "g1"))
	refs, err = f.RefCount(g)
	require.NoError(t, err)
	require.Equal(t, 1, refs)

	// Last link frees the node
	require.NoError(t, f.Unlink(backrefs, "g1"))
	_, err = f.RefCount(g)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnlinkFreesSubtree(t *testing.T) {
	f := CreateMemory()
	defer f.Close()

	parent, err := f.CreateGroup(Root, "parent")
	require.NoError(t, err)
	child, err := f.CreateGroup(parent, "child")
	require.NoError(t, err)

	require.NoError(t, f.Unlink(Root, "parent"))
	_, err = f.RefCount(parent)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.RefCount(child)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTornTailIgnoredOnOpen(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path)
	require.NoError(t, err)
	_, err = f.CreateGroup(Root, "survivor")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Simulate a crash mid-append: a frame header promising more bytes
	// than the file holds.
	osf, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = osf.Write([]byte{0xff, 0x00, 0x00, 0x00, 0x12, 0x34, 0x56, 0x78, 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, osf.Close())

	f, err = Open(path)
	require.NoError(t, err)
	defer f.Close()

	children, err := f.Children(Root)
	require.NoError(t, err)
	require.Equal(t, []string{"survivor"}, children)

	// The torn tail was truncated away logically: new appends replay.
	_, err = f.CreateGroup(Root, "after-crash")
	require.NoError(t, err)
}

func TestChildrenOrderIsInsertionOrder(t *testing.T) {
	f := CreateMemory()
	defer f.Close()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := f.CreateGroup(Root, name)
		require.NoError(t, err)
	}
	children, err := f.Children(Root)
	require.NoError(t, err)
	require.Equal(t, []string{"zeta", "alpha", "mid"}, children)
}
