// Package enginesim is a miniature discrete-event LSM engine used to
// exercise the flow controller without a real storage engine. It models
// per-CF memtables, leveled SST files, and a shared disk, and emits the
// background flow events a real engine's listener would.
package enginesim

import (
	"sync"

	"github.com/miretskiy/flowgate/flowcontrol"
)

// Engine is a synthetic LSM engine. Writes fill memtables; Tick advances
// virtual time, completing flushes and compactions and emitting flow events.
// It implements flowcontrol.Engine.
type Engine struct {
	mu            sync.Mutex
	config        Config
	cfs           map[string]*cfState
	queue         *eventQueue
	virtualTime   float64
	diskBusyUntil float64
	events        chan flowcontrol.Event
}

// NewEngine creates an engine from the config.
func NewEngine(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		config: config,
		cfs:    make(map[string]*cfState),
		queue:  newEventQueue(),
		events: make(chan flowcontrol.Event, config.EventBuffer),
	}
	for _, cf := range config.CFs {
		e.cfs[cf] = newCFState(cf, config.NumLevels)
	}
	// periodic compaction check, simulating background compaction threads
	e.queue.push(&bgEvent{at: 1.0, kind: bgCompactionCheck})
	return e, nil
}

// Events returns the flow-event stream consumed by the flow controller.
func (e *Engine) Events() <-chan flowcontrol.Event {
	return e.events
}

// VirtualTime returns the current virtual time in seconds.
func (e *Engine) VirtualTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.virtualTime
}

// Write adds bytes to the CF's active memtable, sealing it when full.
func (e *Engine) Write(cf string, bytes uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.cfs[cf]
	if !ok {
		return
	}
	state.memtableBytes += bytes
	if state.memtableBytes >= e.config.MemtableSizeBytes {
		// seal: the active memtable becomes immutable and a fresh one takes
		// over immediately
		state.immutableMemtables = append(state.immutableMemtables, state.memtableBytes)
		state.memtableBytes = 0
		e.maybeScheduleFlush(state)
	}
}

// Tick advances the simulation by dt virtual seconds, processing every
// background completion due in that span.
func (e *Engine) Tick(dt float64) {
	if dt <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	target := e.virtualTime + dt
	for !e.queue.isEmpty() && e.queue.peek().at <= target {
		ev := e.queue.pop()
		e.virtualTime = ev.at
		e.processBgEvent(ev)
	}
	e.virtualTime = target
}

func (e *Engine) processBgEvent(ev *bgEvent) {
	switch ev.kind {
	case bgFlushDone:
		e.processFlushDone(ev)
	case bgCompactionDone:
		e.processCompactionDone(ev)
	case bgCompactionCheck:
		for _, cf := range e.config.CFs {
			e.maybeScheduleCompaction(e.cfs[cf])
		}
		e.queue.push(&bgEvent{at: e.virtualTime + 1.0, kind: bgCompactionCheck})
	}
}

// ioDuration models the disk cost of moving the given bytes.
func (e *Engine) ioDuration(bytes uint64) float64 {
	return float64(bytes)/e.config.IOThroughputBps + e.config.IOLatencyMs/1000.0
}

// reserveDisk claims the disk from when it frees up and returns the
// completion time.
func (e *Engine) reserveDisk(duration float64) float64 {
	start := e.virtualTime
	if e.diskBusyUntil > start {
		start = e.diskBusyUntil
	}
	e.diskBusyUntil = start + duration
	return e.diskBusyUntil
}

func (e *Engine) maybeScheduleFlush(cf *cfState) {
	if cf.flushScheduled || len(cf.immutableMemtables) == 0 {
		return
	}
	cf.flushScheduled = true
	bytes := cf.immutableMemtables[0]
	done := e.reserveDisk(e.ioDuration(bytes))
	e.queue.push(&bgEvent{at: done, kind: bgFlushDone, cf: cf.name, bytes: bytes})
}

func (e *Engine) processFlushDone(ev *bgEvent) {
	cf := e.cfs[ev.cf]
	cf.flushScheduled = false
	if len(cf.immutableMemtables) == 0 {
		return
	}
	bytes := cf.immutableMemtables[0]
	cf.immutableMemtables = cf.immutableMemtables[1:]
	cf.levels[0].addBytes(bytes, e.virtualTime)
	e.emit(flowcontrol.FlushEvent(cf.name, bytes))
	e.maybeScheduleFlush(cf)
}

func (e *Engine) maybeScheduleCompaction(cf *cfState) {
	// L0 -> L1 when the trigger is reached
	if l0 := cf.levels[0]; !cf.compacting[0] && l0.fileCount() >= e.config.L0CompactionTrigger {
		cf.compacting[0] = true
		input := l0.totalBytes + cf.levels[1].totalBytes
		done := e.reserveDisk(e.ioDuration(2 * input))
		e.queue.push(&bgEvent{at: done, kind: bgCompactionDone, cf: cf.name, level: 0, bytes: input})
	}
	// deeper levels when they overflow their target
	for _, l := range cf.levels[1 : len(cf.levels)-1] {
		if cf.compacting[l.number] {
			continue
		}
		if l.totalBytes > levelTargetBytes(e.config, l.number) {
			cf.compacting[l.number] = true
			input := l.totalBytes
			done := e.reserveDisk(e.ioDuration(2 * input))
			e.queue.push(&bgEvent{at: done, kind: bgCompactionDone, cf: cf.name, level: l.number, bytes: input})
		}
	}
}

func (e *Engine) processCompactionDone(ev *bgEvent) {
	cf := e.cfs[ev.cf]
	delete(cf.compacting, ev.level)

	src := cf.levels[ev.level]
	dst := cf.levels[ev.level+1]
	_, srcBytes := src.drain()
	if ev.level == 0 {
		_, dstBytes := dst.drain()
		out := uint64(float64(srcBytes+dstBytes) * e.config.CompactionReductionFactor)
		dst.addBytes(out, e.virtualTime)
		e.emit(flowcontrol.L0Event(cf.name, srcBytes))
	} else {
		out := uint64(float64(srcBytes) * e.config.CompactionReductionFactor)
		dst.addBytes(out, e.virtualTime)
	}
	e.emit(flowcontrol.CompactionEvent(cf.name))
}

// emit sends without blocking: the engine must never stall behind a slow
// controller, and a dropped signal only delays the next sample.
func (e *Engine) emit(ev flowcontrol.Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// CFNames implements flowcontrol.Engine.
func (e *Engine) CFNames() []string {
	return e.config.CFs
}

// NumImmutableMemTables implements flowcontrol.Engine.
func (e *Engine) NumImmutableMemTables(cf string) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.cfs[cf]
	if !ok {
		return 0, false
	}
	return uint64(len(state.immutableMemtables)), true
}

// NumFilesAtLevel implements flowcontrol.Engine.
func (e *Engine) NumFilesAtLevel(cf string, level int) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.cfs[cf]
	if !ok || level < 0 || level >= len(state.levels) {
		return 0, false
	}
	return uint64(state.levels[level].fileCount()), true
}

// PendingCompactionBytes implements flowcontrol.Engine.
func (e *Engine) PendingCompactionBytes(cf string) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.cfs[cf]
	if !ok {
		return 0, false
	}
	return state.pendingCompactionBytes(e.config), true
}

// Snapshot summarizes the engine state for dashboards.
type Snapshot struct {
	VirtualTime float64             `json:"virtualTime"`
	CFs         map[string]CFStatus `json:"cfs"`
}

// CFStatus is the per-CF view in a Snapshot.
type CFStatus struct {
	MemtableBytes      uint64   `json:"memtableBytes"`
	ImmutableMemtables int      `json:"immutableMemtables"`
	LevelFiles         []int    `json:"levelFiles"`
	LevelBytes         []uint64 `json:"levelBytes"`
	PendingBytes       uint64   `json:"pendingBytes"`
}

// State returns a point-in-time snapshot of the engine.
func (e *Engine) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{VirtualTime: e.virtualTime, CFs: make(map[string]CFStatus)}
	for name, cf := range e.cfs {
		st := CFStatus{
			MemtableBytes:      cf.memtableBytes,
			ImmutableMemtables: len(cf.immutableMemtables),
			PendingBytes:       cf.pendingCompactionBytes(e.config),
		}
		for _, l := range cf.levels {
			st.LevelFiles = append(st.LevelFiles, l.fileCount())
			st.LevelBytes = append(st.LevelBytes, l.totalBytes)
		}
		snap.CFs[name] = st
	}
	return snap
}
