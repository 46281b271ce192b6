// Package doctor runs availability diagnostics over registered agent
// executors. Probes are pure filesystem heuristics, so checks are cheap
// enough for every UI refresh.
package doctor

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/coxswain-dev/coxswain/internal/events"
	"github.com/coxswain-dev/coxswain/internal/executor"
)

const defaultProbeInterval = 30 * time.Second

// Probe is the subset of the executor contract Doctor needs.
type Probe interface {
	Name() string
	Availability() executor.Availability
}

// EventBus publishes health check events.
type EventBus interface {
	Publish(event events.Event)
}

// Report captures one agent's availability at probe time.
type Report struct {
	Agent        string                `json:"agent"`
	Availability executor.Availability `json:"availability"`
	CheckedAt    time.Time             `json:"checked_at"`
}

// Config controls probe cadence for background monitoring.
type Config struct {
	ProbeInterval time.Duration
}

// Manager executes availability checks over registered probes.
type Manager struct {
	probes        []Probe
	bus           EventBus
	probeInterval time.Duration
	now           func() time.Time
	newTicker     func(time.Duration) *time.Ticker
}

// NewManager builds a diagnostics manager with sane defaults.
func NewManager(probes []Probe, bus EventBus, cfg Config) (*Manager, error) {
	if len(probes) == 0 {
		return nil, errors.New("at least one probe is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	return &Manager{
		probes:        probes,
		bus:           bus,
		probeInterval: cfg.ProbeInterval,
		now:           time.Now,
		newTicker:     time.NewTicker,
	}, nil
}

// RunOnce probes every registered agent and publishes one HealthCheck
// event per probe. Reports are returned in agent-name order.
func (m *Manager) RunOnce(ctx context.Context) ([]Report, error) {
	if m == nil {
		return nil, errors.New("manager is nil")
	}

	reports := make([]Report, 0, len(m.probes))
	for _, probe := range m.probes {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		report := Report{
			Agent:        probe.Name(),
			Availability: probe.Availability(),
			CheckedAt:    m.now().UTC(),
		}
		reports = append(reports, report)

		severity := events.SeverityInfo
		if report.Availability != executor.InstallationFound {
			severity = events.SeverityWarn
		}
		m.bus.Publish(events.Event{
			Type:      events.EventTypeHealthCheck,
			Timestamp: report.CheckedAt,
			Payload:   report,
			Severity:  severity,
		})
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Agent < reports[j].Agent
	})
	return reports, nil
}

// Start runs periodic probes until context cancellation.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.RunOnce(ctx)
		}
	}
}
