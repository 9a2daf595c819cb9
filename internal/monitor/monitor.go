// Package monitor tracks device liveness from pub/sub heartbeats and mirrors
// online/offline transitions into the realtime database.
//
// A device is online as soon as any message arrives on <topic><suffix> and
// goes offline once nothing has arrived for the offline threshold, checked on
// every tick. Only changes are written, in the order they happen.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sikesa/sikesa-backend/internal/config"
	"github.com/sikesa/sikesa-backend/internal/realtime"
	"github.com/sikesa/sikesa-backend/internal/telemetry"
)

// Subscriber is the pub/sub session the monitor listens on
type Subscriber interface {
	Subscribe(topic string, h func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
}

// DeviceState is one row of Snapshot
type DeviceState struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Topic    string     `json:"topic"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen"`
}

type transition struct {
	topic string
	name  string
	prev  string
	next  string
	at    time.Time
}

// Monitor holds the device list and per-topic liveness state
type Monitor struct {
	db  realtime.Database
	sub Subscriber
	cfg config.MonitorConfig
	now func() time.Time

	mu         sync.Mutex
	baseCtx    context.Context
	devices    []realtime.Device
	loaded     bool
	lastSeen   map[string]time.Time
	status     map[string]string
	subscribed map[string]bool

	// writeMu is taken before mu is released so writes leave in transition order
	writeMu sync.Mutex
	// subMu serializes subscription reconciliation
	subMu sync.Mutex
}

// New creates a monitor. sub may be nil when no broker is configured; the
// monitor then only reports devices as offline.
func New(db realtime.Database, sub Subscriber, cfg config.MonitorConfig) *Monitor {
	return &Monitor{
		db:         db,
		sub:        sub,
		cfg:        cfg,
		now:        time.Now,
		baseCtx:    context.Background(),
		lastSeen:   make(map[string]time.Time),
		status:     make(map[string]string),
		subscribed: make(map[string]bool),
	}
}

// Run refreshes the device list, then checks timeouts every tick and
// re-reads the registry every refresh interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	if err := m.RefreshDevices(ctx); err != nil {
		slog.Warn("initial device refresh failed", "error", err)
	}

	tick := time.NewTicker(m.cfg.TickInterval)
	defer tick.Stop()
	refresh := time.NewTicker(m.cfg.RefreshInterval)
	defer refresh.Stop()

	slog.Info("device monitor started",
		"tick", m.cfg.TickInterval, "offline_after", m.cfg.OfflineAfter, "refresh", m.cfg.RefreshInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("device monitor stopped")
			return nil
		case <-tick.C:
			m.CheckTimeouts(ctx)
		case <-refresh.C:
			if err := m.RefreshDevices(ctx); err != nil {
				slog.Warn("device refresh failed", "error", err)
			}
		}
	}
}

// RefreshDevices reloads the registry and reconciles subscriptions
func (m *Monitor) RefreshDevices(ctx context.Context) error {
	devs, err := m.db.Devices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}
	devs = realtime.ValidDevices(devs)

	m.mu.Lock()
	changed := !m.loaded || !slices.Equal(m.devices, devs)
	m.devices = devs
	m.loaded = true
	m.updateGaugesLocked()
	m.mu.Unlock()

	if changed {
		lines := make([]string, 0, len(devs))
		for _, d := range devs {
			lines = append(lines, fmt.Sprintf("%s (%s)", d.Name, d.Topic))
		}
		slog.Info("device list updated", "count", len(devs), "devices", lines)
	}

	m.reconcile()
	return nil
}

// HandleMessage records a heartbeat on a status topic
func (m *Monitor) HandleMessage(topic string, _ []byte) {
	telemetry.DeviceMessagesTotal.Inc()
	deviceTopic := strings.TrimSuffix(topic, m.cfg.TopicSuffix)

	m.mu.Lock()
	m.lastSeen[deviceTopic] = m.now()
	var ts []transition
	if t, ok := m.transitionLocked(deviceTopic, realtime.StatusOnline); ok {
		ts = append(ts, t)
	}
	m.commitLocked(ts)
}

// CheckTimeouts marks every device that has been silent too long as offline
func (m *Monitor) CheckTimeouts(_ context.Context) {
	m.mu.Lock()
	now := m.now()
	var ts []transition
	for _, d := range m.devices {
		last, seen := m.lastSeen[d.Topic]
		if seen && now.Sub(last) <= m.cfg.OfflineAfter {
			continue
		}
		if t, ok := m.transitionLocked(d.Topic, realtime.StatusOffline); ok {
			ts = append(ts, t)
		}
	}
	m.commitLocked(ts)
}

// Resubscribe forgets all subscriptions and subscribes again, for use after
// the broker session was re-established.
func (m *Monitor) Resubscribe() {
	if m.sub == nil {
		return
	}
	// Held across the reset so a reconcile in flight cannot mark topics it
	// subscribed on the dropped session
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	m.subscribed = make(map[string]bool)
	m.mu.Unlock()
	m.reconcileSubLocked()
}

// Flush waits for status and log writes already in progress. Call it after
// Run has returned and the subscriber is closed, before closing the database.
func (m *Monitor) Flush() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
}

// Snapshot returns the known devices with their current status, ordered by id
func (m *Monitor) Snapshot() []DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceState, 0, len(m.devices))
	for _, d := range m.devices {
		st := DeviceState{ID: d.ID, Name: d.Name, Topic: d.Topic, Status: m.statusLocked(d.Topic)}
		if last, ok := m.lastSeen[d.Topic]; ok {
			st.LastSeen = &last
		}
		out = append(out, st)
	}
	return out
}

// Subscribed returns the status topics currently subscribed, sorted
func (m *Monitor) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subscribed))
	for t := range m.subscribed {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (m *Monitor) statusLocked(topic string) string {
	if s, ok := m.status[topic]; ok {
		return s
	}
	return realtime.StatusUnknown
}

// transitionLocked records next as topic's status when it differs from the
// current one. The in-memory status changes even if the write later fails.
func (m *Monitor) transitionLocked(topic, next string) (transition, bool) {
	prev := m.statusLocked(topic)
	if prev == next {
		return transition{}, false
	}
	m.status[topic] = next
	name := topic
	for _, d := range m.devices {
		if d.Topic == topic {
			name = d.Name
			break
		}
	}
	return transition{topic: topic, name: name, prev: prev, next: next, at: m.now()}, true
}

// commitLocked releases mu and writes ts. Must be called with mu held.
func (m *Monitor) commitLocked(ts []transition) {
	if len(ts) == 0 {
		m.mu.Unlock()
		return
	}
	m.updateGaugesLocked()
	ctx := m.baseCtx
	m.writeMu.Lock()
	m.mu.Unlock()
	defer m.writeMu.Unlock()

	for _, t := range ts {
		m.write(ctx, t)
	}
}

func (m *Monitor) write(parent context.Context, t transition) {
	slog.Info(fmt.Sprintf("device \"%s\" (%s) changed from '%s' -> '%s'", t.name, t.topic, t.prev, t.next),
		"topic", t.topic, "status", t.next)
	telemetry.DeviceStatusTransitionsTotal.WithLabelValues(t.next).Inc()

	ctx, cancel := m.writeContext(parent)
	defer cancel()

	if err := m.db.SetDeviceStatus(ctx, t.topic, t.next); err != nil {
		telemetry.RealtimeWriteErrorsTotal.WithLabelValues("set_status").Inc()
		slog.Error("failed to write device status", "topic", t.topic, "status", t.next, "error", err)
	}
	entry := realtime.LogEntry{
		Timestamp: t.at,
		Message:   fmt.Sprintf("Device \"%s\" is now %s", t.name, t.next),
	}
	if err := m.db.AppendLog(ctx, entry); err != nil {
		telemetry.RealtimeWriteErrorsTotal.WithLabelValues("append_log").Inc()
		slog.Error("failed to append device log", "topic", t.topic, "error", err)
	}
}

func (m *Monitor) writeContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent.Err() != nil {
		// Keep recording the final transitions while shutting down
		parent = context.WithoutCancel(parent)
	}
	if m.cfg.WriteTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, m.cfg.WriteTimeout)
}

// reconcile unsubscribes topics no longer wanted and subscribes new ones.
// Failed calls are retried on the next refresh.
func (m *Monitor) reconcile() {
	if m.sub == nil {
		return
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.reconcileSubLocked()
}

// reconcileSubLocked does the work of reconcile. Callers hold subMu.
func (m *Monitor) reconcileSubLocked() {
	m.mu.Lock()
	wanted := make(map[string]bool, len(m.devices))
	for _, d := range m.devices {
		wanted[d.Topic+m.cfg.TopicSuffix] = true
	}
	var drop, add []string
	for t := range m.subscribed {
		if !wanted[t] {
			drop = append(drop, t)
		}
	}
	for t := range wanted {
		if !m.subscribed[t] {
			add = append(add, t)
		}
	}
	m.mu.Unlock()
	sort.Strings(drop)
	sort.Strings(add)

	for _, t := range drop {
		if err := m.sub.Unsubscribe(t); err != nil {
			slog.Warn("unsubscribe failed", "topic", t, "error", err)
			continue
		}
		m.mu.Lock()
		delete(m.subscribed, t)
		m.mu.Unlock()
		slog.Info("unsubscribed", "topic", t)
	}
	for _, t := range add {
		if err := m.sub.Subscribe(t, m.HandleMessage); err != nil {
			slog.Warn("subscribe failed", "topic", t, "error", err)
			continue
		}
		m.mu.Lock()
		m.subscribed[t] = true
		m.mu.Unlock()
		slog.Info("subscribed", "topic", t)
	}
}

func (m *Monitor) updateGaugesLocked() {
	online := 0
	for _, d := range m.devices {
		if m.status[d.Topic] == realtime.StatusOnline {
			online++
		}
	}
	telemetry.DevicesWatched.Set(float64(len(m.devices)))
	telemetry.DevicesOnline.Set(float64(online))
}
