// Package memory is an in-process realtime backend for local runs and tests.
// The registry is seeded from realtime.memory.devices.
package memory

import (
	"context"
	"sync"

	"github.com/sikesa/sikesa-backend/internal/config"
	"github.com/sikesa/sikesa-backend/internal/realtime"
)

func init() {
	realtime.Register("memory", func(_ context.Context, cfg *config.Config) (realtime.Database, error) {
		return New(cfg.Realtime.Memory.Devices), nil
	})
}

// Database keeps devices, statuses and log entries in memory
type Database struct {
	mu       sync.RWMutex
	devices  map[string]realtime.Device
	statuses map[string]string
	logs     []realtime.LogEntry
}

// New creates a database holding the seeded devices
func New(seeds []config.DeviceSeed) *Database {
	d := &Database{
		devices:  make(map[string]realtime.Device, len(seeds)),
		statuses: make(map[string]string),
	}
	for _, s := range seeds {
		d.devices[s.ID] = realtime.Device{ID: s.ID, Name: s.Name, Topic: s.Topic}
	}
	return d
}

// Devices returns the valid registered devices ordered by id
func (d *Database) Devices(_ context.Context) ([]realtime.Device, error) {
	d.mu.RLock()
	all := make([]realtime.Device, 0, len(d.devices))
	for _, dev := range d.devices {
		all = append(all, dev)
	}
	d.mu.RUnlock()
	return realtime.ValidDevices(all), nil
}

// PutDevice adds or replaces a registry entry
func (d *Database) PutDevice(dev realtime.Device) {
	d.mu.Lock()
	d.devices[dev.ID] = dev
	d.mu.Unlock()
}

// RemoveDevice deletes a registry entry
func (d *Database) RemoveDevice(id string) {
	d.mu.Lock()
	delete(d.devices, id)
	d.mu.Unlock()
}

// SetDeviceStatus records status for topic
func (d *Database) SetDeviceStatus(_ context.Context, topic, status string) error {
	d.mu.Lock()
	d.statuses[topic] = status
	d.mu.Unlock()
	return nil
}

// Status returns the last status written for topic
func (d *Database) Status(topic string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.statuses[topic]
	return s, ok
}

// AppendLog appends entry to the log
func (d *Database) AppendLog(_ context.Context, entry realtime.LogEntry) error {
	d.mu.Lock()
	d.logs = append(d.logs, entry)
	d.mu.Unlock()
	return nil
}

// Logs returns a copy of the log in append order
func (d *Database) Logs() []realtime.LogEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]realtime.LogEntry, len(d.logs))
	copy(out, d.logs)
	return out
}

// Close is a no-op
func (d *Database) Close() error { return nil }
