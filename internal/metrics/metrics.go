// Package metrics exposes a watchdog's counters in Prometheus format, either
// as a node_exporter textfile or over HTTP.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds the instruments of one watchdog.
type Metrics struct {
	registry     *prometheus.Registry
	detonations  *prometheus.CounterVec
	rare         prometheus.Counter
	wakeups      *prometheus.CounterVec
	phase        *prometheus.GaugeVec
	lastResetAge prometheus.Gauge
}

// New builds a registry for the watchdog guarding key.
func New(key string) *Metrics {
	labels := prometheus.Labels{"key": key}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detonations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "timebomb_detonations_total",
			Help:        "Detonation attempts by action and result",
			ConstLabels: labels,
		}, []string{"action", "result"}),
		rare: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "timebomb_rare_conditions_total",
			Help:        "Unexpected internal conditions the watchdog recovered from",
			ConstLabels: labels,
		}),
		wakeups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "timebomb_wakeups_total",
			Help:        "Watchdog wake-ups by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "timebomb_phase",
			Help:        "Current watchdog phase (1 for the active phase)",
			ConstLabels: labels,
		}, []string{"phase"}),
		lastResetAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "timebomb_last_reset_age_seconds",
			Help:        "Seconds since the record was last reset",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(m.detonations, m.rare, m.wakeups, m.phase, m.lastResetAge)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Detonation(action, result string) {
	if m == nil {
		return
	}
	m.detonations.WithLabelValues(action, result).Inc()
}

func (m *Metrics) RareCondition() {
	if m == nil {
		return
	}
	m.rare.Inc()
}

func (m *Metrics) Wakeup(reason string) {
	if m == nil {
		return
	}
	m.wakeups.WithLabelValues(reason).Inc()
}

// SetPhase marks phase as the active one.
func (m *Metrics) SetPhase(phase string) {
	if m == nil {
		return
	}
	m.phase.Reset()
	m.phase.WithLabelValues(phase).Set(1)
}

func (m *Metrics) SetLastResetAge(age time.Duration) {
	if m == nil {
		return
	}
	m.lastResetAge.Set(age.Seconds())
}

// Text renders the registry in the Prometheus text exposition format.
func (m *Metrics) Text() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return nil, fmt.Errorf("encoding metric %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// WriteTextfile writes the metrics to path through a temporary file and a
// rename, so a collector never reads a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	data, err := m.Text()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}

// TextfilePath is where the watchdog for key writes its metrics.
func TextfilePath(stateDir, key string) string {
	return filepath.Join(stateDir, "metrics", key+".prom")
}
