package enginesim

import (
	"context"
	"testing"
	"time"

	"github.com/miretskiy/flowgate/flowcontrol"
	"github.com/stretchr/testify/require"
)

// TestControllerAgainstSimulatedEngine wires the controller to the engine's
// event stream and pushes a workload through both, verifying the loop stays
// healthy end to end.
func TestControllerAgainstSimulatedEngine(t *testing.T) {
	engineCfg := testEngineConfig()
	e, err := NewEngine(engineCfg)
	require.NoError(t, err)

	flowCfg := flowcontrol.DefaultConfig()
	flowCfg.L0FilesThreshold = 8
	flowCfg.SoftPendingCompactionBytesLimit = 1 << 28
	flowCfg.HardPendingCompactionBytesLimit = 1 << 34
	ctrl, err := flowcontrol.NewFlowController(flowCfg, e, e.Events())
	require.NoError(t, err)
	defer ctrl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	admitted := 0
	for i := 0; i < 200; i++ {
		if !ctrl.ShouldDrop() {
			acq := ctrl.Consume(1 << 20)
			require.NoError(t, acq.Wait(ctx))
			e.Write("default", 1<<20)
			admitted++
		}
		e.Tick(0.5)
	}
	require.NotZero(t, admitted)

	// the worker drains every event the engine emitted
	require.Eventually(t, func() bool {
		return len(e.Events()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// lifecycle still works after the run
	ctrl.Enable(false)
	require.Eventually(t, ctrl.IsUnlimited, 5*time.Second, 10*time.Millisecond)
}
