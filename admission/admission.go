// Package admission watches system pressure and feeds the scheduling
// threshold: the busier the machine, the fewer queued scripts are admitted.
package admission

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c360/cartelemetry/errors"
)

// Priority thresholds fed to the scheduler per pressure level. High
// pressure admits only priority-0 system tasks; low pressure admits
// everything.
const (
	PriorityHigh   = 0
	PriorityMedium = 50
	PriorityLow    = 100
)

// Default tuning.
const (
	DefaultInterval       = 10 * time.Second
	DefaultLoadAvgPath    = "/proc/loadavg"
	DefaultMemInfoPath    = "/proc/meminfo"
	DefaultHighLoadPerCPU = 1.0
	DefaultMedLoadPerCPU  = 0.7

	highMemAvailablePct = 10.0
	medMemAvailablePct  = 20.0
)

// Sample is one system pressure reading.
type Sample struct {
	Load1           float64
	CPUCount        int
	MemAvailablePct float64
}

// SystemSource supplies pressure samples. The proc-file source is the
// production implementation.
type SystemSource interface {
	Sample(ctx context.Context) (Sample, error)
}

// Setter receives threshold updates. The broker satisfies it.
type Setter interface {
	SetAdmissionPriority(p int)
}

// Options tune a Monitor. Zero values pick defaults.
type Options struct {
	Source         SystemSource
	Interval       time.Duration
	HighLoadPerCPU float64
	MedLoadPerCPU  float64
	Logger         *slog.Logger
}

// Monitor periodically samples system pressure and pushes the mapped
// priority threshold to the setter whenever it changes.
type Monitor struct {
	source   SystemSource
	setter   Setter
	interval time.Duration
	highLoad float64
	medLoad  float64
	logger   *slog.Logger

	current atomic.Int32
	started atomic.Bool
	done    chan struct{}
	stopped chan struct{}
}

// NewMonitor creates a Monitor driving setter.
func NewMonitor(setter Setter, opts Options) (*Monitor, error) {
	if setter == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Monitor", "NewMonitor",
			"setter is required")
	}
	if opts.Source == nil {
		opts.Source = NewProcSource("", "")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.HighLoadPerCPU <= 0 {
		opts.HighLoadPerCPU = DefaultHighLoadPerCPU
	}
	if opts.MedLoadPerCPU <= 0 {
		opts.MedLoadPerCPU = DefaultMedLoadPerCPU
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Monitor{
		source:   opts.Source,
		setter:   setter,
		interval: opts.Interval,
		highLoad: opts.HighLoadPerCPU,
		medLoad:  opts.MedLoadPerCPU,
		logger:   opts.Logger.With("component", "admission"),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	m.current.Store(-1)
	return m, nil
}

// Start launches the sampling loop with an immediate first sample.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}
	go m.loop(ctx)
	return nil
}

// Stop terminates the sampling loop.
func (m *Monitor) Stop(timeout time.Duration) error {
	if !m.started.Load() {
		return nil
	}
	close(m.done)
	select {
	case <-m.stopped:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Monitor", "Stop",
			"sampling loop did not exit in time")
	}
}

// Current returns the last threshold pushed, or -1 before the first sample.
func (m *Monitor) Current() int { return int(m.current.Load()) }

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.stopped)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.evaluate(ctx)
		}
	}
}

// evaluate takes one sample and pushes the threshold on change. Sample
// failures keep the last threshold in place.
func (m *Monitor) evaluate(ctx context.Context) {
	sample, err := m.source.Sample(ctx)
	if err != nil {
		m.logger.Warn("pressure sample failed", "error", err)
		return
	}
	threshold := m.classify(sample)
	if int32(threshold) == m.current.Swap(int32(threshold)) {
		return
	}
	m.logger.Info("admission threshold changed", "threshold", threshold,
		"load1", sample.Load1, "cpus", sample.CPUCount,
		"mem_available_pct", sample.MemAvailablePct)
	m.setter.SetAdmissionPriority(threshold)
}

// classify maps one sample to a priority threshold.
func (m *Monitor) classify(s Sample) int {
	cpus := s.CPUCount
	if cpus < 1 {
		cpus = 1
	}
	perCPU := s.Load1 / float64(cpus)

	switch {
	case perCPU >= m.highLoad || s.MemAvailablePct < highMemAvailablePct:
		return PriorityHigh
	case perCPU >= m.medLoad || s.MemAvailablePct < medMemAvailablePct:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// procSource samples pressure from loadavg and meminfo format files.
type procSource struct {
	loadavgPath string
	meminfoPath string
}

// NewProcSource creates the proc-file pressure source. Empty paths pick
// the defaults.
func NewProcSource(loadavgPath, meminfoPath string) SystemSource {
	if loadavgPath == "" {
		loadavgPath = DefaultLoadAvgPath
	}
	if meminfoPath == "" {
		meminfoPath = DefaultMemInfoPath
	}
	return &procSource{loadavgPath: loadavgPath, meminfoPath: meminfoPath}
}

func (p *procSource) Sample(_ context.Context) (Sample, error) {
	load1, err := readLoad1(p.loadavgPath)
	if err != nil {
		return Sample{}, err
	}
	memPct, err := readMemAvailablePct(p.meminfoPath)
	if err != nil {
		return Sample{}, err
	}
	return Sample{
		Load1:           load1,
		CPUCount:        runtime.NumCPU(),
		MemAvailablePct: memPct,
	}, nil
}

func readLoad1(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.WrapTransient(err, "procSource", "readLoad1", "read "+path)
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, errors.WrapInvalid(errors.ErrInvalidData, "procSource", "readLoad1",
			"empty loadavg file "+path)
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, errors.WrapInvalid(err, "procSource", "readLoad1", "parse "+path)
	}
	return load1, nil
}

func readMemAvailablePct(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.WrapTransient(err, "procSource", "readMemAvailablePct", "read "+path)
	}

	var totalKB, availableKB int64
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		name, rest, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		kb, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		switch name {
		case "MemTotal":
			totalKB = kb
		case "MemAvailable":
			availableKB = kb
		}
	}
	if totalKB <= 0 {
		return 0, errors.WrapInvalid(errors.ErrInvalidData, "procSource", "readMemAvailablePct",
			"no MemTotal in "+path)
	}
	return 100 * float64(availableKB) / float64(totalKB), nil
}
