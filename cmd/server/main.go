package main

import (
	"context"
	"flag"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miretskiy/flowgate/enginesim"
	"github.com/miretskiy/flowgate/flowcontrol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

// ClientMessage is a command from the browser.
type ClientMessage struct {
	Type          string   `json:"type"` // start, pause, setRate, enable, disable
	WriteRateMBps *float64 `json:"writeRateMBps,omitempty"`
}

// Status is one streamed sample of the controller and engine state.
type Status struct {
	Running       bool               `json:"running"`
	WriteRateMBps float64            `json:"writeRateMBps"`
	Unlimited     bool               `json:"unlimited"`
	SpeedLimitBps float64            `json:"speedLimitBps"` // 0 when unlimited
	DiscardRatio  float64            `json:"discardRatio"`
	AdmittedMB    uint64             `json:"admittedMB"`
	DroppedWrites uint64             `json:"droppedWrites"`
	Engine        enginesim.Snapshot `json:"engine"`
}

// ServerMessage wraps everything sent over the websocket.
type ServerMessage struct {
	Type   string  `json:"type"`
	Status *Status `json:"status,omitempty"`
}

// demoState runs the synthetic workload against the engine and controller.
type demoState struct {
	engine *enginesim.Engine
	ctrl   *flowcontrol.FlowController

	mu        sync.Mutex
	running   bool
	writeRate float64 // bytes per second pushed by the workload

	admitted atomic.Uint64 // bytes admitted through the limiter
	dropped  atomic.Uint64 // writes rejected by the discard ratio

	stopCh chan struct{}
}

func newDemoState(engineCfg enginesim.Config, flowCfg flowcontrol.Config, writeRateMBps float64) (*demoState, error) {
	engine, err := enginesim.NewEngine(engineCfg)
	if err != nil {
		return nil, err
	}
	ctrl, err := flowcontrol.NewFlowController(flowCfg, engine, engine.Events())
	if err != nil {
		return nil, err
	}
	return &demoState{
		engine:    engine,
		ctrl:      ctrl,
		writeRate: writeRateMBps * float64(1<<20),
		stopCh:    make(chan struct{}),
	}, nil
}

func (d *demoState) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
}

func (d *demoState) pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
}

func (d *demoState) setWriteRate(mbps float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mbps > 0 {
		d.writeRate = mbps * float64(1<<20)
	}
}

func (d *demoState) snapshot() (running bool, rate float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running, d.writeRate
}

// runWorkload pushes writes through the controller: check the discard ratio,
// wait on the limiter, then write to the engine. When the limiter is open
// the loop self-paces at the configured rate.
func (d *demoState) runWorkload() {
	const chunk = 1 << 20
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		running, rate := d.snapshot()
		if !running {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if d.ctrl.ShouldDrop() {
			d.dropped.Add(1)
			time.Sleep(time.Duration(float64(chunk) / rate * float64(time.Second)))
			continue
		}

		acq := d.ctrl.Consume(chunk)
		if err := acq.Wait(context.Background()); err != nil {
			continue
		}
		d.engine.Write("default", chunk)
		d.admitted.Add(chunk)

		if d.ctrl.IsUnlimited() {
			time.Sleep(time.Duration(float64(chunk) / rate * float64(time.Second)))
		}
	}
}

// runEngine advances the simulated engine in real time.
func (d *demoState) runEngine(speedMultiplier float64) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if running, _ := d.snapshot(); running {
				d.engine.Tick(0.1 * speedMultiplier)
			}
		}
	}
}

func (d *demoState) status() *Status {
	running, rate := d.snapshot()
	st := &Status{
		Running:       running,
		WriteRateMBps: rate / float64(1<<20),
		Unlimited:     d.ctrl.IsUnlimited(),
		DiscardRatio:  d.ctrl.DiscardRatio(),
		AdmittedMB:    d.admitted.Load() >> 20,
		DroppedWrites: d.dropped.Load(),
		Engine:        d.engine.State(),
	}
	if !st.Unlimited {
		st.SpeedLimitBps = d.ctrl.SpeedLimit()
	}
	return st
}

func (d *demoState) close() {
	close(d.stopCh)
	d.ctrl.Close()
}

func handleWebSocket(d *demoState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		// reader: apply client commands
		go func() {
			for {
				var msg ClientMessage
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				switch msg.Type {
				case "start":
					d.start()
				case "pause":
					d.pause()
				case "setRate":
					if msg.WriteRateMBps != nil {
						d.setWriteRate(*msg.WriteRateMBps)
					}
				case "enable":
					d.ctrl.Enable(true)
				case "disable":
					d.ctrl.Enable(false)
				}
			}
		}()

		// writer: stream status samples
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			msg := ServerMessage{Type: "status", Status: d.status()}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>flowgate</title></head>
<body>
<h1>flowgate demo</h1>
<p>Write-rate flow controller in front of a simulated LSM engine.</p>
<button onclick="send('start')">Start</button>
<button onclick="send('pause')">Pause</button>
<button onclick="send('disable')">Disable throttle</button>
<button onclick="send('enable')">Enable throttle</button>
<pre id="status">connecting...</pre>
<script>
const ws = new WebSocket('ws://' + location.host + '/ws');
ws.onmessage = (e) => {
  document.getElementById('status').textContent =
    JSON.stringify(JSON.parse(e.data), null, 2);
};
function send(type) { ws.send(JSON.stringify({type})); }
</script>
</body>
</html>
`))

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	speed := flag.Float64("speed", 1.0, "Virtual seconds simulated per real second")
	writeRate := flag.Float64("write-rate", 50.0, "Workload write rate in MB/s")
	flag.Parse()

	flowcontrol.RegisterMetrics(prometheus.DefaultRegisterer)

	engineCfg := enginesim.DefaultConfig()
	flowCfg := flowcontrol.DefaultConfig()
	// thresholds scaled down so the demo shows throttling within minutes
	flowCfg.L0FilesThreshold = 8
	flowCfg.SoftPendingCompactionBytesLimit = 1 << 30
	flowCfg.HardPendingCompactionBytesLimit = 16 << 30

	demo, err := newDemoState(engineCfg, flowCfg, *writeRate)
	if err != nil {
		log.Fatalf("failed to create demo state: %v", err)
	}
	defer demo.close()

	go demo.runWorkload()
	go demo.runEngine(*speed)

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if err := indexTemplate.Execute(w, nil); err != nil {
			log.Printf("template execute failed: %v", err)
		}
	})
	http.HandleFunc("/ws", handleWebSocket(demo))
	http.Handle("/metrics", promhttp.Handler())

	fmt.Printf("flowgate demo listening on %s\n", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}
