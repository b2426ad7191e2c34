package constants

import "time"

// Persisted file-format constants
//
// These values are on-disk invariants shared with every reader of the
// container format. None of them may change without a version bump.
const (
	// FileVersion is the container file version written at creation and
	// required at open.
	FileVersion = 2

	// UnitFieldWidth is the fixed width of the measurement unit field in
	// bytes. Longer units are truncated on write without NUL termination.
	UnitFieldWidth = 10

	// NoteChunkRows is the chunk length of the extensible notes dataset.
	NoteChunkRows = 64
)

// Runtime defaults
const (
	// DefaultPullDuration is the stimulus span a DAQ implementation
	// should request per pull when it has no native block size.
	DefaultPullDuration = 500 * time.Millisecond

	// PersistQueueDepth is the buffered capacity of the serial
	// persistence worker's task queue. One slot per completed epoch
	// awaiting commit; submission blocks only if this backlog fills.
	PersistQueueDepth = 16
)
