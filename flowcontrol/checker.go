package flowcontrol

import (
	"log"
	"math"
	"sync/atomic"
	"time"
)

const (
	spareTickInterval   = 1000 * time.Millisecond
	spareTicksThreshold = 10
	ratioScaleFactor    = 10000000.0
	limitUpPercent      = 0.04                    // 4%
	limitDownPercent    = 0.02                    // 2%
	minThrottleSpeed    = 16.0 * 1024.0           // 16KB
	maxThrottleSpeed    = 200.0 * 1024.0 * 1024.0 // 200MB

	emaFactor   = 0.6 // EMA stands for Exponential Moving Average
	pidKpFactor = 0.15
	pidKdFactor = 5.0
)

// cfFlowChecker records the statistics and states related to one CF. They
// fall into five categories: memtable, L0 files, L0 production flow (flush
// flow), L0 consumption flow, and pending compaction bytes. All of them are
// fed by the engine's background event stream.
type cfFlowChecker struct {
	// Memtable related
	lastNumMemtables *Smoother[uint64]
	memtableDebt     float64
	initSpeed        bool

	// L0 files related.
	// lastNumL0Files is the count right after the last flush or L0
	// compaction; lastNumL0FilesFromFlush right after the last flush only.
	// After a flush the count grows by one, whereas an L0 compaction removes
	// nearly a whole round of L0 files, so to evaluate accumulation the
	// long-term smoother records only post-compaction snapshots.
	lastNumL0Files          uint64
	lastNumL0FilesFromFlush uint64
	longTermNumL0Files      *Smoother[uint64]

	// L0 production flow related
	lastFlushBytesTime        time.Time
	lastFlushBytes            uint64
	shortTermL0ProductionFlow *Smoother[uint64]
	longTermL0ProductionFlow  *Smoother[uint64]

	// L0 consumption flow related
	lastL0Bytes                uint64
	lastL0BytesTime            time.Time
	shortTermL0ConsumptionFlow *Smoother[uint64]

	// Pending compaction bytes related
	longTermPendingBytes *Smoother[float64]

	// On-start markers. After a restart the memtable, L0 and pending
	// compaction backlog may be high before any fresh writes arrive, which
	// would seed a uselessly low speed from an empty write-flow recorder.
	// Each marker suppresses its signal until the backlog dips below the
	// threshold or is observed to still be accumulating.
	onStartMemtable     bool
	onStartL0Files      bool
	onStartPendingBytes bool
}

func newCFFlowChecker(now func() time.Time) *cfFlowChecker {
	return &cfFlowChecker{
		lastNumMemtables:           NewSmoother[uint64](20),
		longTermNumL0Files:         NewSmoother[uint64](20),
		lastFlushBytesTime:         now(),
		shortTermL0ProductionFlow:  NewSmoother[uint64](10),
		longTermL0ProductionFlow:   NewSmoother[uint64](60),
		lastL0BytesTime:            now(),
		shortTermL0ConsumptionFlow: NewSmoother[uint64](3),
		longTermPendingBytes:       NewSmoother[float64](60),
		onStartMemtable:            true,
		onStartL0Files:             true,
		onStartPendingBytes:        true,
	}
}

// checkerMsg is a command for the checker worker loop.
type checkerMsg int

const (
	msgClose checkerMsg = iota
	msgEnable
	msgDisable
)

// flowChecker is the control loop. It consumes engine events, maintains the
// per-CF statistics, chooses the throttle CF, and drives the limiter speed
// and the discard ratio. It is exclusively owned by the worker goroutine; no
// locking is needed on its state.
type flowChecker struct {
	softPendingCompactionBytesLimit uint64
	hardPendingCompactionBytesLimit uint64
	memtablesThreshold              uint64
	l0FilesThreshold                uint64

	cfCheckers map[string]*cfFlowChecker
	// throttleCF is the CF taking control of throttling; the speed is decided
	// from its statistics. Empty means none. When multiple CFs exceed the
	// threshold the larger one wins, with a hysteresis margin.
	throttleCF string
	// l0TargetFlow is the flush flow the algorithm tries to hold.
	l0TargetFlow float64
	// L0 file count at the last target-flow update. hasTargetFlow gates
	// first-time seeding; the count gates re-anchoring.
	numL0ForLastUpdateTargetFlow uint64
	hasTargetFlow                bool
	// discardRatio is the probability (scaled by 1e7) of randomly rejecting
	// a write, decided by pending compaction bytes.
	discardRatio *atomic.Uint32

	engine  Engine
	limiter *Limiter
	// writeFlowRecorder tracks the foreground write flow of the last few
	// spare ticks.
	writeFlowRecorder *Smoother[uint64]
	lastRecordTime    time.Time

	now  func() time.Time
	logf func(format string, args ...any)
}

func newFlowChecker(config Config, engine Engine, discardRatio *atomic.Uint32, limiter *Limiter) *flowChecker {
	c := &flowChecker{
		softPendingCompactionBytesLimit: config.SoftPendingCompactionBytesLimit,
		hardPendingCompactionBytesLimit: config.HardPendingCompactionBytesLimit,
		memtablesThreshold:              config.MemtablesThreshold,
		l0FilesThreshold:                config.L0FilesThreshold,
		cfCheckers:                      make(map[string]*cfFlowChecker),
		discardRatio:                    discardRatio,
		engine:                          engine,
		limiter:                         limiter,
		writeFlowRecorder:               NewSmoother[uint64](30),
		now:                             time.Now,
		logf:                            log.Printf,
	}
	c.lastRecordTime = c.now()
	for _, cf := range engine.CFNames() {
		c.cfCheckers[cf] = newCFFlowChecker(c.now)
	}
	return c
}

// setClock installs an alternate time source for tests. Must be called
// before the worker starts.
func (c *flowChecker) setClock(now func() time.Time) {
	c.now = now
	c.lastRecordTime = now()
	for _, ck := range c.cfCheckers {
		ck.lastFlushBytesTime = now()
		ck.lastL0BytesTime = now()
		ck.lastNumMemtables.now = now
		ck.longTermNumL0Files.now = now
		ck.shortTermL0ProductionFlow.now = now
		ck.longTermL0ProductionFlow.now = now
		ck.shortTermL0ConsumptionFlow.now = now
		ck.longTermPendingBytes.now = now
	}
	c.writeFlowRecorder.now = now
}

// run is the worker loop. Commands are polled without blocking at the top of
// each iteration; events are received with a deadline so idle periods still
// tick once a second.
func (c *flowChecker) run(cmds <-chan checkerMsg, events <-chan Event) {
	deadline := c.now()
	spareTicks := 0
	enabled := true

	handle := func(msg checkerMsg) bool {
		switch msg {
		case msgClose:
			return false
		case msgDisable:
			enabled = false
			c.resetStatistics()
		case msgEnable:
			enabled = true
		}
		return true
	}

	for {
		select {
		case msg := <-cmds:
			if !handle(msg) {
				return
			}
			continue
		default:
		}

		if !enabled {
			// do nothing, just consume the event channel
			select {
			case msg := <-cmds:
				if !handle(msg) {
					return
				}
			case _, ok := <-events:
				if !ok {
					c.logf("flow event channel closed")
					events = nil
				}
			}
			continue
		}

		timer := time.NewTimer(deadline.Sub(c.now()))
		select {
		case msg := <-cmds:
			timer.Stop()
			if !handle(msg) {
				return
			}
		case ev, ok := <-events:
			timer.Stop()
			if !ok {
				// Further iterations degrade to pure timeouts; the release
				// path via tickL0 keeps running.
				c.logf("flow event channel closed")
				events = nil
				continue
			}
			if c.throttleCF != "" && ev.CF == c.throttleCF {
				spareTicks = 0
			}
			switch ev.Type {
			case EventL0:
				c.onL0Decr(ev.CF, ev.Bytes)
			case EventL0Intra:
				if ev.Bytes > 0 {
					// an intra-L0 merge drops deletion records, so regard it
					// as an L0 compaction
					c.onL0Decr(ev.CF, ev.Bytes)
				}
			case EventFlush:
				c.onMemtableDecrs(ev.CF)
				c.onL0Incr(ev.CF, ev.Bytes)
			case EventCompaction:
				c.onPendingCompactionBytesChange(ev.CF)
			}
		case <-timer.C:
			spareTicks++
			if spareTicks == spareTicksThreshold {
				// no flush or compaction is happening; speed up if throttled
				c.tickL0()
				spareTicks = 0
			}
			c.updateStatistics()
			deadline = c.now().Add(spareTickInterval)
		}
	}
}

func (c *flowChecker) resetStatistics() {
	flowMetrics.l0TargetFlow.Set(0)
	for cf := range c.cfCheckers {
		flowMetrics.throttleCF.WithLabelValues(cf).Set(0)
		flowMetrics.pendingBytes.WithLabelValues(cf).Set(0)
		flowMetrics.memtables.WithLabelValues(cf).Set(0)
		flowMetrics.l0Files.WithLabelValues(cf).Set(0)
		flowMetrics.l0AvgFiles.WithLabelValues(cf).Set(0)
		flowMetrics.l0Flow.WithLabelValues(cf).Set(0)
		flowMetrics.flushL0Files.WithLabelValues(cf).Set(0)
		flowMetrics.flushFlow.WithLabelValues(cf).Set(0)
		flowMetrics.longTermFlushFlow.WithLabelValues(cf).Set(0)
	}
	flowMetrics.writeFlow.Set(0)
	flowMetrics.throttleFlow.Set(0)
	flowMetrics.upFlow.Set(0)
	flowMetrics.discardRatio.Set(0)

	c.throttleCF = ""
	c.hasTargetFlow = false
	c.l0TargetFlow = 0
	c.writeFlowRecorder = NewSmoother[uint64](30)
	c.writeFlowRecorder.now = c.now
	c.limiter.SetSpeedLimit(math.Inf(1))
	c.discardRatio.Store(0)
}

// updateStatistics records the foreground write flow since the last spare
// tick and refreshes the shared gauges.
func (c *flowChecker) updateStatistics() {
	if c.hasTargetFlow {
		flowMetrics.l0TargetFlow.Set(c.l0TargetFlow)
	} else {
		flowMetrics.l0TargetFlow.Set(0)
	}
	for cf := range c.cfCheckers {
		if cf == c.throttleCF {
			flowMetrics.throttleCF.WithLabelValues(cf).Set(1)
		} else {
			flowMetrics.throttleCF.WithLabelValues(cf).Set(0)
		}
	}

	elapsed := c.now().Sub(c.lastRecordTime).Seconds()
	consumed := c.limiter.TotalBytesConsumed()
	var rate float64
	if elapsed > 0 {
		rate = float64(consumed) / elapsed
	}
	// Don't record a write rate of 0. In a closed-loop system, if every
	// request is delayed past the tick the next second reads 0, which does
	// not reflect the real write rate.
	if consumed != 0 {
		c.writeFlowRecorder.Observe(uint64(rate))
	}
	flowMetrics.writeFlow.Set(rate)
	c.lastRecordTime = c.now()
	c.limiter.ResetStatistics()
}

// onPendingCompactionBytesChange resamples the compaction backlog and maps
// its log2-domain average from the soft limit to the hard limit as a 0..1
// discard ratio.
func (c *flowChecker) onPendingCompactionBytesChange(cf string) {
	checker, ok := c.cfCheckers[cf]
	if !ok {
		return
	}
	hard := math.Log2(float64(c.hardPendingCompactionBytesLimit))
	soft := math.Log2(float64(c.softPendingCompactionBytesLimit))

	// Pending compaction bytes changes dramatically, so use the logarithm to
	// bring the samples into a small range.
	pending, _ := c.engine.PendingCompactionBytes(cf)
	if pending == 0 {
		// log2(0) would poison the window total with -Inf
		pending = 1
	}
	num := math.Log2(float64(pending))
	checker.longTermPendingBytes.Observe(num)
	flowMetrics.pendingBytes.WithLabelValues(cf).Set(checker.longTermPendingBytes.Avg())

	// Inherited backlog must not throttle before fresh writes accumulate.
	if checker.onStartPendingBytes {
		if num < soft || checker.longTermPendingBytes.Trend() == TrendIncreasing {
			// the write is accumulating, still need to throttle
			checker.onStartPendingBytes = false
		} else {
			// still on start, should not throttle now
			return
		}
	}

	pendingCompactionBytes := checker.longTermPendingBytes.Avg()

	// Only the worst CF drives the ratio.
	for _, ck := range c.cfCheckers {
		if num < ck.longTermPendingBytes.Recent() {
			return
		}
	}

	var ratio uint32
	if pendingCompactionBytes >= soft {
		newRatio := (pendingCompactionBytes - soft) / (hard - soft)
		oldRatio := float64(c.discardRatio.Load())

		// Pending compaction bytes swings up and down, so smooth with an
		// exponential moving average. A fresh throttle enters gently at 0.01.
		var smoothed float64
		switch {
		case oldRatio != 0:
			smoothed = emaFactor*(oldRatio/ratioScaleFactor) + (1.0-emaFactor)*newRatio
		case newRatio > 0.01:
			smoothed = 0.01
		default:
			smoothed = newRatio
		}
		ratio = uint32(math.Round(smoothed * ratioScaleFactor))
	}
	flowMetrics.discardRatio.Set(float64(ratio))
	c.discardRatio.Store(ratio)
}

// onMemtableDecrs reacts to a flush by re-sampling the immutable-memtable
// count and nudging the speed limit to keep the backlog near the threshold.
func (c *flowChecker) onMemtableDecrs(cf string) {
	checker, ok := c.cfCheckers[cf]
	if !ok {
		return
	}
	numMemtables, _ := c.engine.NumImmutableMemTables(cf)
	flowMetrics.memtables.WithLabelValues(cf).Set(float64(numMemtables))
	prev := checker.lastNumMemtables.Recent()
	checker.lastNumMemtables.Observe(numMemtables)

	if checker.onStartMemtable {
		if numMemtables < c.memtablesThreshold || checker.lastNumMemtables.Trend() == TrendIncreasing {
			checker.onStartMemtable = false
		} else {
			return
		}
	}

	for _, ck := range c.cfCheckers {
		if numMemtables < ck.lastNumMemtables.Recent() {
			return
		}
	}

	isThrottled := !math.IsInf(c.limiter.SpeedLimit(), 1)
	shouldThrottle := checker.lastNumMemtables.Avg() > float64(c.memtablesThreshold)

	var throttle float64
	switch {
	case !isThrottled:
		if shouldThrottle {
			flowMetrics.throttleActions.WithLabelValues(cf, "memtable_init").Inc()
			checker.initSpeed = true
			throttle = c.initialSpeed()
		} else {
			throttle = math.Inf(1)
		}
	case !shouldThrottle || checker.lastNumMemtables.Recent() < c.memtablesThreshold:
		// should not throttle on memtables
		checker.memtableDebt = 0
		if checker.initSpeed {
			throttle = math.Inf(1)
		} else {
			throttle = c.limiter.SpeedLimit() + checker.memtableDebt*1024.0*1024.0
		}
	default:
		// should throttle; bias toward relief by tracking a debt
		var diff float64
		switch recent := checker.lastNumMemtables.Recent(); {
		case recent > prev:
			checker.memtableDebt += 1
			diff = -1
		case recent < prev:
			checker.memtableDebt -= 1
			diff = 1
		default:
			// keep, do nothing
		}
		throttle = c.limiter.SpeedLimit() + diff*1024.0*1024.0
	}

	c.updateSpeedLimit(throttle)
}

// tickL0 is the idle release path, invoked after ten consecutive spare
// ticks. When throttled and the L0 backlog has drained, it opens the valve
// briskly.
func (c *flowChecker) tickL0() {
	if math.IsInf(c.limiter.SpeedLimit(), 1) {
		return
	}
	checker, ok := c.cfCheckers[c.throttleCF]
	if !ok {
		// throttling was initiated by the memtable path without an
		// authoritative CF; nothing to release here
		return
	}
	if checker.lastNumL0Files > c.l0FilesThreshold {
		return
	}
	flowMetrics.throttleActions.WithLabelValues(c.throttleCF, "tick_spare").Inc()

	var throttle float64
	if checker.longTermNumL0Files.Avg() >= float64(c.l0FilesThreshold)*0.5 ||
		float64(checker.longTermNumL0Files.Recent()) >= float64(c.l0FilesThreshold)*0.5 ||
		checker.lastNumL0FilesFromFlush >= c.l0FilesThreshold {
		flowMetrics.throttleActions.WithLabelValues(c.throttleCF, "keep_spare").Inc()
		throttle = c.limiter.SpeedLimit()
	} else {
		flowMetrics.throttleActions.WithLabelValues(c.throttleCF, "up_spare").Inc()
		throttle = c.limiter.SpeedLimit() * (1.0 + 5.0*limitUpPercent)
	}
	c.updateSpeedLimit(throttle)
}

// onL0Decr reacts to an L0 compaction: L0 shrank, so decide whether to keep,
// raise, or release the throttle, and whether the target flow needs a
// refresh.
func (c *flowChecker) onL0Decr(cf string, l0Bytes uint64) {
	checker, ok := c.cfCheckers[cf]
	if !ok {
		return
	}
	numL0Files, _ := c.engine.NumFilesAtLevel(cf, 0)
	checker.lastL0Bytes += l0Bytes
	checker.longTermNumL0Files.Observe(numL0Files)
	checker.lastNumL0Files = numL0Files
	flowMetrics.l0Files.WithLabelValues(cf).Set(float64(numL0Files))
	flowMetrics.l0AvgFiles.WithLabelValues(cf).Set(checker.longTermNumL0Files.Avg())
	flowMetrics.throttleActions.WithLabelValues(cf, "tick").Inc()

	if checker.onStartL0Files {
		if numL0Files < c.l0FilesThreshold || checker.longTermNumL0Files.Trend() == TrendIncreasing {
			checker.onStartL0Files = false
		} else {
			return
		}
	}

	if c.throttleCF != "" && cf != c.throttleCF {
		// To avoid the throttle CF flapping back and forth, only take over
		// when this CF is much higher.
		if numL0Files > c.cfCheckers[c.throttleCF].longTermNumL0Files.Max()+4 {
			flowMetrics.throttleActions.WithLabelValues(cf, "change_throttle_cf").Inc()
			c.throttleCF = cf
			c.numL0ForLastUpdateTargetFlow = numL0Files
			c.hasTargetFlow = true
			c.l0TargetFlow = checker.shortTermL0ProductionFlow.Avg()
		} else {
			return
		}
	}

	isThrottled := !math.IsInf(c.limiter.SpeedLimit(), 1)
	shouldThrottle := checker.lastNumL0Files > c.l0FilesThreshold

	var throttle float64
	switch {
	case !isThrottled && shouldThrottle:
		flowMetrics.throttleActions.WithLabelValues(cf, "init").Inc()
		c.throttleCF = cf
		c.numL0ForLastUpdateTargetFlow = checker.lastNumL0Files
		c.hasTargetFlow = true
		c.l0TargetFlow = checker.shortTermL0ProductionFlow.Avg()
		throttle = c.initialSpeed()
	case isThrottled && shouldThrottle:
		// refresh the target flow downward if L0 keeps accumulating
		if c.hasTargetFlow {
			if checker.lastNumL0Files > c.numL0ForLastUpdateTargetFlow+3 &&
				c.l0TargetFlow > checker.shortTermL0ConsumptionFlow.Avg() {
				c.l0TargetFlow = checker.shortTermL0ConsumptionFlow.Avg()
				c.numL0ForLastUpdateTargetFlow = checker.lastNumL0Files
				flowMetrics.throttleActions.WithLabelValues(cf, "refresh_down_flow").Inc()
			}
		} else {
			c.numL0ForLastUpdateTargetFlow = checker.lastNumL0Files
			c.hasTargetFlow = true
			c.l0TargetFlow = checker.shortTermL0ProductionFlow.Avg()
		}
		throttle = c.limiter.SpeedLimit()
	case isThrottled && !shouldThrottle:
		if checker.longTermNumL0Files.Avg() >= float64(c.l0FilesThreshold)*0.5 ||
			checker.lastNumL0FilesFromFlush >= c.l0FilesThreshold {
			flowMetrics.throttleActions.WithLabelValues(cf, "keep").Inc()
			throttle = c.limiter.SpeedLimit()
		} else {
			if c.hasTargetFlow && checker.shortTermL0ConsumptionFlow.Avg() > c.l0TargetFlow {
				newTarget := 0.5*checker.shortTermL0ConsumptionFlow.Avg() + 0.5*c.l0TargetFlow
				if newTarget > c.l0TargetFlow {
					c.l0TargetFlow = newTarget
					flowMetrics.throttleActions.WithLabelValues(cf, "refresh_up_flow").Inc()
				}
			}
			flowMetrics.throttleActions.WithLabelValues(cf, "up").Inc()
			throttle = c.limiter.SpeedLimit() * (1.0 + limitUpPercent)
		}
	default:
		throttle = math.Inf(1)
	}

	c.updateSpeedLimit(throttle)
}

// onL0Incr reacts to a flush: accumulate flush bytes, and once the
// accumulator covers more than 5s, compare the observed flush flow against
// the target flow to decide whether to raise or lower the speed limit.
func (c *flowChecker) onL0Incr(cf string, flushBytes uint64) {
	checker, ok := c.cfCheckers[cf]
	if !ok {
		return
	}
	numL0Files, _ := c.engine.NumFilesAtLevel(cf, 0)
	checker.lastFlushBytes += flushBytes
	// not added to longTermNumL0Files, which records only post-compaction
	// snapshots
	checker.lastNumL0Files = numL0Files
	checker.lastNumL0FilesFromFlush = numL0Files
	flowMetrics.flushL0Files.WithLabelValues(cf).Set(float64(numL0Files))

	elapsed := c.now().Sub(checker.lastFlushBytesTime).Seconds()
	if elapsed <= 5.0 {
		return
	}

	flushFlow := float64(checker.lastFlushBytes) / elapsed
	checker.shortTermL0ProductionFlow.Observe(uint64(flushFlow))
	checker.longTermL0ProductionFlow.Observe(uint64(flushFlow))
	flowMetrics.flushFlow.WithLabelValues(cf).Set(checker.shortTermL0ProductionFlow.Avg())
	flowMetrics.longTermFlushFlow.WithLabelValues(cf).Set(checker.longTermL0ProductionFlow.Avg())

	if checker.lastL0Bytes != 0 {
		l0Flow := float64(checker.lastL0Bytes) / c.now().Sub(checker.lastL0BytesTime).Seconds()
		checker.lastL0BytesTime = c.now()
		checker.shortTermL0ConsumptionFlow.Observe(uint64(l0Flow))
		flowMetrics.l0Flow.WithLabelValues(cf).Set(checker.shortTermL0ConsumptionFlow.Avg())
	}

	checker.lastFlushBytesTime = c.now()
	checker.lastL0Bytes = 0
	checker.lastFlushBytes = 0

	if checker.onStartL0Files {
		if numL0Files < c.l0FilesThreshold || checker.longTermNumL0Files.Trend() == TrendIncreasing {
			checker.onStartL0Files = false
		} else {
			return
		}
	}

	if c.throttleCF != "" && cf != c.throttleCF {
		return
	}

	if !c.hasTargetFlow {
		flowMetrics.throttleActions.WithLabelValues(cf, "no_target_flow").Inc()
		return
	}

	// adjust the speed limit based on flush flow vs target flow
	if checker.longTermL0ProductionFlow.Avg() > c.l0TargetFlow &&
		float64(checker.shortTermL0ProductionFlow.Recent()) > c.l0TargetFlow {
		flowMetrics.throttleActions.WithLabelValues(cf, "down_flow").Inc()
		c.decreaseSpeedLimit(cf)
	} else if (checker.shortTermL0ProductionFlow.Avg() < c.l0TargetFlow ||
		float64(checker.shortTermL0ProductionFlow.Recent()) < c.l0TargetFlow) &&
		float64(c.writeFlowRecorder.Recent()) > c.limiter.SpeedLimit()*0.95 {
		// only raise the ceiling when the caller is actually pressing
		// against it
		flowMetrics.throttleActions.WithLabelValues(cf, "up_flow").Inc()
		c.increaseSpeedLimit(cf)
	} else {
		flowMetrics.throttleActions.WithLabelValues(cf, "keep_flow").Inc()
	}
}

// initialSpeed seeds the throttle from the 90th percentile of the recorded
// foreground write rate; with no recorded flow it stays unlimited.
func (c *flowChecker) initialSpeed() float64 {
	x := c.writeFlowRecorder.Percentile90()
	if x == 0 {
		return math.Inf(1)
	}
	return float64(x)
}

// increaseSpeedLimit raises the limit with a PID correction so the flow can
// recover quickly when the target is far above the observed flush flow. The
// derivative term damps the correction while production is still rising.
func (c *flowChecker) increaseSpeedLimit(cf string) {
	var throttle float64
	if math.IsInf(c.limiter.SpeedLimit(), 1) {
		c.throttleCF = cf
		throttle = c.initialSpeed()
	} else {
		checker := c.cfCheckers[cf]
		u := pidKpFactor * (c.l0TargetFlow - checker.shortTermL0ProductionFlow.Avg() +
			pidKdFactor*-checker.shortTermL0ProductionFlow.Slope())
		if u > c.limiter.SpeedLimit() {
			u = c.limiter.SpeedLimit()
		} else if u < 0 {
			u = 0
		}
		flowMetrics.upFlow.Set(u * ratioScaleFactor)
		throttle = c.limiter.SpeedLimit() + u
	}
	c.updateSpeedLimit(throttle)
}

func (c *flowChecker) decreaseSpeedLimit(cf string) {
	var throttle float64
	if math.IsInf(c.limiter.SpeedLimit(), 1) {
		c.throttleCF = cf
		throttle = c.initialSpeed()
	} else {
		throttle = c.limiter.SpeedLimit() * (1.0 - limitDownPercent)
	}
	c.updateSpeedLimit(throttle)
}

// updateSpeedLimit clamps the proposed limit to the throttle band and
// installs it; a proposal above the hard cap releases throttling entirely.
func (c *flowChecker) updateSpeedLimit(throttle float64) {
	if throttle < minThrottleSpeed {
		throttle = minThrottleSpeed
	}
	if throttle > maxThrottleSpeed {
		c.throttleCF = ""
		c.hasTargetFlow = false
		throttle = math.Inf(1)
	}
	if math.IsInf(throttle, 1) {
		flowMetrics.throttleFlow.Set(0)
	} else {
		flowMetrics.throttleFlow.Set(throttle)
	}
	c.limiter.SetSpeedLimit(throttle)
}
