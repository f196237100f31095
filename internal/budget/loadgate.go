// Package budget gates background work on system load. The dream cycle
// and other maintenance loops ask the gate before doing anything heavy.
package budget

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/aslishyi/anima/internal/logging"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultBusyThreshold = 70.0 // percent
	historySize          = 5
)

// sampleFunc returns total CPU utilization in percent
type sampleFunc func() (float64, error)

// LoadGate samples system CPU on a ticker and reports whether the host
// is too busy for background work. Decisions average the last few
// readings so a momentary spike does not flip the gate.
type LoadGate struct {
	mu            sync.Mutex
	sample        sampleFunc
	pollInterval  time.Duration
	busyThreshold float64
	history       []float64
	stopChan      chan struct{}
	running       bool
}

// NewLoadGate creates a gate with default thresholds
func NewLoadGate() *LoadGate {
	return &LoadGate{
		sample:        systemCPU,
		pollInterval:  defaultPollInterval,
		busyThreshold: defaultBusyThreshold,
		history:       make([]float64, 0, historySize),
	}
}

func systemCPU() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

// SetThreshold adjusts the busy cutoff in percent
func (g *LoadGate) SetThreshold(pct float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.busyThreshold = pct
}

// Start begins background sampling
func (g *LoadGate) Start() {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.stopChan = make(chan struct{})
	g.mu.Unlock()

	go g.watchLoop()
	logging.Info("budget", "load gate started (poll=%v, busy>%.0f%%)", g.pollInterval, g.busyThreshold)
}

// Stop ends background sampling
func (g *LoadGate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		close(g.stopChan)
		g.running = false
	}
}

func (g *LoadGate) watchLoop() {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopChan:
			return
		case <-ticker.C:
			g.poll()
		}
	}
}

func (g *LoadGate) poll() {
	pct, err := g.sample()
	if err != nil {
		logging.Debug("budget", "cpu sample failed: %v", err)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append(g.history, pct)
	if len(g.history) > historySize {
		g.history = g.history[1:]
	}
}

// Busy reports whether averaged CPU is above the threshold. With no
// samples yet the gate stays open.
func (g *LoadGate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.history) == 0 {
		return false
	}
	var sum float64
	for _, v := range g.history {
		sum += v
	}
	return sum/float64(len(g.history)) > g.busyThreshold
}
