// Package realtime defines the shared database that holds the device registry
// and receives device status changes and log lines, plus the factory used to
// pick a backend from configuration.
//
// Backends register from an init() function in their own package, the same
// way storage backends do; cmd/server blank-imports them.
package realtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sikesa/sikesa-backend/internal/config"
)

// Device status values written to the database
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusUnknown = "unknown"
)

// Device is one registered device. Topic is the pub/sub topic stem the
// device reports on.
type Device struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Topic string `json:"topic"`
}

// LogEntry is one line of the shared activity log
type LogEntry struct {
	Timestamp time.Time
	Message   string
}

// Database is the realtime store the monitor mirrors device state into
type Database interface {
	// Devices returns the current registry, without entries lacking a name or topic
	Devices(ctx context.Context) ([]Device, error)

	// SetDeviceStatus records the status of the device reporting on topic
	SetDeviceStatus(ctx context.Context, topic, status string) error

	// AppendLog adds an entry to the activity log
	AppendLog(ctx context.Context, entry LogEntry) error

	// Close releases the backend's connections
	Close() error
}

// ValidDevices drops devices without a name or topic and orders the rest by id
func ValidDevices(in []Device) []Device {
	out := make([]Device, 0, len(in))
	for _, d := range in {
		if strings.TrimSpace(d.Name) == "" || strings.TrimSpace(d.Topic) == "" {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FactoryFunc builds a backend from the application configuration
type FactoryFunc func(ctx context.Context, cfg *config.Config) (Database, error)

var factories = make(map[string]FactoryFunc)

// Register registers a backend factory under name
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// Registered returns the names of all registered backends, sorted
func Registered() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDatabase creates the backend named by realtime.backend
func NewDatabase(ctx context.Context, cfg *config.Config) (Database, error) {
	factory, ok := factories[cfg.Realtime.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported realtime backend: %q (registered: %s)",
			cfg.Realtime.Backend, strings.Join(Registered(), ", "))
	}
	return factory(ctx, cfg)
}
