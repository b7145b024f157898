package enginesim

import (
	"testing"

	"github.com/miretskiy/flowgate/flowcontrol"
	"github.com/stretchr/testify/require"
)

func testEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.MemtableSizeBytes = 8 << 20
	cfg.LevelBaseBytes = 64 << 20
	cfg.EventBuffer = 1024
	return cfg
}

func drainEvents(e *Engine) []flowcontrol.Event {
	var out []flowcontrol.Event
	for {
		select {
		case ev := <-e.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEngineConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.CFs = nil
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.L0CompactionTrigger = 1
	require.Error(t, cfg.Validate())
}

func TestEngineWriteSealsMemtable(t *testing.T) {
	e, err := NewEngine(testEngineConfig())
	require.NoError(t, err)

	e.Write("default", 4<<20)
	n, ok := e.NumImmutableMemTables("default")
	require.True(t, ok)
	require.Equal(t, uint64(0), n)

	e.Write("default", 4<<20) // hits the 8 MiB seal point
	n, _ = e.NumImmutableMemTables("default")
	require.Equal(t, uint64(1), n)
}

func TestEngineFlushProducesL0AndEvent(t *testing.T) {
	e, err := NewEngine(testEngineConfig())
	require.NoError(t, err)

	e.Write("default", 8<<20)
	e.Tick(5.0) // plenty of virtual time for the flush IO

	n, _ := e.NumImmutableMemTables("default")
	require.Equal(t, uint64(0), n)
	files, ok := e.NumFilesAtLevel("default", 0)
	require.True(t, ok)
	require.Equal(t, uint64(1), files)

	events := drainEvents(e)
	require.Len(t, events, 1)
	require.Equal(t, flowcontrol.EventFlush, events[0].Type)
	require.Equal(t, "default", events[0].CF)
	require.Equal(t, uint64(8<<20), events[0].Bytes)
}

func TestEngineL0CompactionDrainsAndEmits(t *testing.T) {
	cfg := testEngineConfig()
	e, err := NewEngine(cfg)
	require.NoError(t, err)

	// flush enough memtables to hit the L0 trigger; short ticks so the
	// scheduled compaction has not completed yet
	for i := 0; i < cfg.L0CompactionTrigger; i++ {
		e.Write("default", 8<<20)
		e.Tick(0.5)
	}
	files, _ := e.NumFilesAtLevel("default", 0)
	require.Equal(t, uint64(cfg.L0CompactionTrigger), files)

	// the check at t=2s already scheduled L0->L1; now it completes
	e.Tick(10.0)
	files, _ = e.NumFilesAtLevel("default", 0)
	require.Equal(t, uint64(0), files)
	l1, _ := e.NumFilesAtLevel("default", 1)
	require.Equal(t, uint64(1), l1)

	var sawL0, sawCompaction bool
	for _, ev := range drainEvents(e) {
		switch ev.Type {
		case flowcontrol.EventL0:
			sawL0 = true
			require.Equal(t, uint64(4*8<<20), ev.Bytes)
		case flowcontrol.EventCompaction:
			sawCompaction = true
		}
	}
	require.True(t, sawL0)
	require.True(t, sawCompaction)
}

func TestEnginePendingBytesTracksBacklog(t *testing.T) {
	cfg := testEngineConfig()
	e, err := NewEngine(cfg)
	require.NoError(t, err)

	pending, ok := e.PendingCompactionBytes("default")
	require.True(t, ok)
	require.Equal(t, uint64(0), pending)

	// pile up L0 files without giving compaction any virtual time
	for i := 0; i < cfg.L0CompactionTrigger; i++ {
		e.Write("default", 8<<20)
		e.Tick(0.5)
	}
	pending, _ = e.PendingCompactionBytes("default")
	require.NotZero(t, pending)
}

func TestEngineUnknownCF(t *testing.T) {
	e, err := NewEngine(testEngineConfig())
	require.NoError(t, err)

	_, ok := e.NumImmutableMemTables("nope")
	require.False(t, ok)
	_, ok = e.NumFilesAtLevel("nope", 0)
	require.False(t, ok)
	_, ok = e.PendingCompactionBytes("nope")
	require.False(t, ok)
}

func TestEngineSnapshot(t *testing.T) {
	e, err := NewEngine(testEngineConfig())
	require.NoError(t, err)

	e.Write("default", 1<<20)
	snap := e.State()
	require.Contains(t, snap.CFs, "default")
	require.Equal(t, uint64(1<<20), snap.CFs["default"].MemtableBytes)
}
