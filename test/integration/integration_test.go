package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	daq "github.com/ehrlich-b/go-daq"
	"github.com/ehrlich-b/go-daq/measure"
	"github.com/ehrlich-b/go-daq/persist"
)

// TestAcquireAndPersistSingleEpoch drives the full path end to end:
// create a file, describe the experiment, run one epoch against a
// scripted DAQ pushing misaligned chunks, and verify what landed on
// disk after reopening.
func TestAcquireAndPersistSingleEpoch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "E.h5")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rate := measure.New(1000, "Hz")

	mockClock := clock.NewMock()
	mockClock.Set(start)

	device := daq.NewTestDevice("D", "M")
	mock := &daq.MockDAQController{}
	ctrl := daq.NewController(mock, mockClock, &daq.Options{
		PersistorFactory: persist.SuffixFactory,
	})
	defer ctrl.Close()
	require.NoError(t, ctrl.AddDevice(device))

	session, err := ctrl.BeginEpochGroup(path, "p", "g", "src")
	require.NoError(t, err)
	require.NoError(t, session.BeginEpochBlock("proto", start))

	stimData, err := measure.ConstantIOData(measure.New(1, "V"), rate, 1000)
	require.NoError(t, err)
	epoch := daq.NewEpoch("proto", time.Second)
	epoch.AddStimulus(device, daq.NewRenderedStimulus("square", nil, stimData))
	epoch.RecordResponse(device, rate)

	// Two 600-sample chunks against a 1000-sample epoch.
	mock.OnRun = func(ctx context.Context, c *daq.Controller) error {
		for i := 0; i < 2; i++ {
			in, err := measure.ConstantIOData(measure.New(0, "V"), rate, 600)
			require.NoError(t, err)
			c.PushInputData(device, in)
		}
		<-ctx.Done()
		return nil
	}

	require.NoError(t, ctrl.RunEpoch(epoch, session))
	require.NoError(t, session.EndEpochBlock(mockClock.Now()))
	require.NoError(t, ctrl.EndEpochGroup(session))
	require.NoError(t, session.Close(mockClock.Now()))

	// Reopen and verify the tree.
	s, err := persist.Open(path)
	require.NoError(t, err)
	defer s.Close(time.Now())

	devices, err := s.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "D", devices[0].Name())

	groups, err := s.EpochGroups(nil)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "g", groups[0].Label())

	blocks, err := s.EpochBlocks(groups[0])
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, "proto", blocks[0].ProtocolID())

	epochs, err := s.Epochs(blocks[0])
	require.NoError(t, err)
	require.Len(t, epochs, 1, "exactly one epoch under the block")

	// The response kept the first 1000 of the 1200 pushed samples.
	r := epoch.Response(daq.DeviceRef{Name: "D", Manufacturer: "M"})
	require.Equal(t, 1000, len(r.Samples()))
}

// TestDiscardedEpochLeavesNoTrace runs the exceptional-stop scenario
// against a real file: nothing is persisted for a discarded epoch.
func TestDiscardedEpochLeavesNoTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "E.h5")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rate := measure.New(1000, "Hz")

	mockClock := clock.NewMock()
	mockClock.Set(start)

	device := daq.NewTestDevice("D", "M")
	mock := &daq.MockDAQController{}
	ctrl := daq.NewController(mock, mockClock, &daq.Options{
		PersistorFactory: persist.SuffixFactory,
	})
	defer ctrl.Close()
	require.NoError(t, ctrl.AddDevice(device))

	session, err := ctrl.BeginEpochGroup(path, "p", "g", "src")
	require.NoError(t, err)
	require.NoError(t, session.BeginEpochBlock("proto", start))

	stimData, err := measure.ConstantIOData(measure.New(1, "V"), rate, 1000)
	require.NoError(t, err)
	epoch := daq.NewEpoch("proto", time.Second)
	epoch.AddStimulus(device, daq.NewRenderedStimulus("square", nil, stimData))
	epoch.RecordResponse(device, rate)

	mock.OnRun = func(ctx context.Context, c *daq.Controller) error {
		in, err := measure.ConstantIOData(measure.New(0, "V"), rate, 400)
		require.NoError(t, err)
		c.PushInputData(device, in)
		return daq.NewError("Run", daq.ErrCodeDAQStop, "hardware fault")
	}

	require.Error(t, ctrl.RunEpoch(epoch, session))
	require.NoError(t, session.EndEpochBlock(mockClock.Now()))
	require.NoError(t, ctrl.EndEpochGroup(session))
	require.NoError(t, session.Close(mockClock.Now()))

	s, err := persist.Open(path)
	require.NoError(t, err)
	defer s.Close(time.Now())

	groups, err := s.EpochGroups(nil)
	require.NoError(t, err)
	blocks, err := s.EpochBlocks(groups[0])
	require.NoError(t, err)
	epochs, err := s.Epochs(blocks[0])
	require.NoError(t, err)
	require.Empty(t, epochs, "a discarded epoch is never persisted")
}

// TestSimulatedAcquisition exercises the software DAQ loop for several
// epochs back to back.
func TestSimulatedAcquisition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.h5")
	rate := measure.New(1000, "Hz")

	sim := &daq.SimulatedDAQ{
		ChunkDuration: 50 * time.Millisecond,
		SampleRate:    rate,
		InputValue:    measure.New(0, "V"),
	}
	ctrl := daq.NewController(sim, clock.New(), &daq.Options{
		PersistorFactory: persist.SuffixFactory,
	})
	defer ctrl.Close()

	device := daq.NewTestDevice("Amp", "SimCo")
	require.NoError(t, ctrl.AddDevice(device))

	session, err := ctrl.BeginEpochGroup(path, "sim", "g", "prep")
	require.NoError(t, err)
	require.NoError(t, session.BeginEpochBlock("proto", time.Now()))

	for i := 0; i < 3; i++ {
		stimData, err := measure.ConstantIOData(measure.New(1, "V"), rate, 200)
		require.NoError(t, err)
		e := daq.NewEpoch("proto", 200*time.Millisecond)
		e.AddStimulus(device, daq.NewRenderedStimulus("square", nil, stimData))
		e.RecordResponse(device, rate)
		require.NoError(t, ctrl.RunEpoch(e, session))
	}

	require.NoError(t, session.EndEpochBlock(time.Now()))
	require.NoError(t, ctrl.EndEpochGroup(session))
	require.NoError(t, session.Close(time.Now()))

	require.Equal(t, uint64(3), ctrl.Metrics().Snapshot().EpochsCompleted)

	s, err := persist.Open(path)
	require.NoError(t, err)
	defer s.Close(time.Now())
	groups, err := s.EpochGroups(nil)
	require.NoError(t, err)
	blocks, err := s.EpochBlocks(groups[0])
	require.NoError(t, err)
	epochs, err := s.Epochs(blocks[0])
	require.NoError(t, err)
	require.Len(t, epochs, 3)
}
