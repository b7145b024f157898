// Package flowcontrol implements an adaptive write-rate flow controller for
// an LSM storage engine. It replaces the engine's own write-stall mechanism,
// which abruptly clamps throughput to a small fixed ceiling, with a smooth
// throttle driven by observed background throughput.
//
// The main idea is to throttle at a steady rate so the number of L0 files
// stays around the threshold. When the count falls back below the threshold
// the throttle state does not exit right away; it may keep or raise the
// speed depending on the statistics. The initial speed is the 90th
// percentile of the recent foreground write rate; from there the flush flow
// (L0 production) is steered toward a recorded target flow.
//
// Pending compaction bytes get a separate mechanism: the backlog is an
// approximate value that swings dramatically, so instead of mapping it to a
// speed it maps from the soft limit to the hard limit as a 0%..100%
// discardable ratio. There must then be a point where the foreground write
// rate equals the background consumption rate, keeping the backlog steady.
//
// The write path checks ShouldDrop (discard ratio), then waits on Consume
// (limiter) before issuing the write.
package flowcontrol

import (
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// RatioScale is the fixed-point scale of the discard ratio atomic.
const RatioScale = uint32(ratioScaleFactor)

// FlowController is the public surface used by the write path. It owns a
// background worker running the flow checker; callers touch only the shared
// atomics and the limiter.
type FlowController struct {
	discardRatio *atomic.Uint32
	limiter      *Limiter
	enabled      atomic.Bool
	cmds         chan checkerMsg
	done         chan struct{}
	closeOnce    sync.Once
}

// NewFlowController creates a controller and starts its worker. The events
// channel is the engine's background signal stream; the engine produces, the
// worker consumes.
func NewFlowController(config Config, engine Engine, events <-chan Event) (*FlowController, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	limiter := NewLimiter(math.Inf(1))
	discardRatio := &atomic.Uint32{}
	checker := newFlowChecker(config, engine, discardRatio, limiter)
	return startController(config, checker, events), nil
}

func startController(config Config, checker *flowChecker, events <-chan Event) *FlowController {
	fc := &FlowController{
		discardRatio: checker.discardRatio,
		limiter:      checker.limiter,
		cmds:         make(chan checkerMsg, 5),
		done:         make(chan struct{}),
	}
	fc.enabled.Store(config.Enable)
	if config.Enable {
		fc.cmds <- msgEnable
	} else {
		fc.cmds <- msgDisable
	}
	go func() {
		defer close(fc.done)
		checker.run(fc.cmds, events)
	}()
	return fc
}

// ShouldDrop draws a fresh uniform and returns true with probability
// discardRatio/RatioScale. Total: it never fails and never blocks.
func (fc *FlowController) ShouldDrop() bool {
	ratio := fc.discardRatio.Load()
	return rand.Uint32N(RatioScale) < ratio
}

// Consume forwards to the limiter and returns the scoped acquisition the
// caller awaits before issuing the write.
func (fc *FlowController) Consume(bytes uint64) *Acquisition {
	return fc.limiter.Consume(bytes)
}

// Enable switches throttling on or off. Disabling resets the worker's
// statistics, releasing any throttle in place.
func (fc *FlowController) Enable(enable bool) {
	fc.enabled.Store(enable)
	if enable {
		fc.cmds <- msgEnable
	} else {
		fc.cmds <- msgDisable
	}
}

// Enabled reports whether throttling is enabled.
func (fc *FlowController) Enabled() bool {
	return fc.enabled.Load()
}

// IsUnlimited reports whether the limiter currently admits at full speed.
func (fc *FlowController) IsUnlimited() bool {
	return math.IsInf(fc.limiter.SpeedLimit(), 1)
}

// SpeedLimit returns the current limit in bytes/sec (+Inf when unlimited).
func (fc *FlowController) SpeedLimit() float64 {
	return fc.limiter.SpeedLimit()
}

// DiscardRatio returns the current discard probability in [0, 1].
func (fc *FlowController) DiscardRatio() float64 {
	return float64(fc.discardRatio.Load()) / ratioScaleFactor
}

// Close stops the worker and waits for it to exit. Safe to call more than
// once.
func (fc *FlowController) Close() {
	fc.closeOnce.Do(func() {
		fc.cmds <- msgClose
		<-fc.done
	})
}
