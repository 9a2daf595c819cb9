// Package firebase mirrors device state into a Firebase Realtime Database,
// using the layout the device dashboards read:
//
//	Device/<id>            {"name", "topic", ...}
//	Device/<topic>/status  "online" | "offline"
//	Log/<unix ms>          {"timestamp", "message"}
package firebase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"google.golang.org/api/option"

	"github.com/sikesa/sikesa-backend/internal/config"
	"github.com/sikesa/sikesa-backend/internal/realtime"
)

func init() {
	realtime.Register("firebase", func(ctx context.Context, cfg *config.Config) (realtime.Database, error) {
		return New(ctx, &cfg.Realtime.Firebase)
	})
}

// refStore reads and writes JSON values at database paths
type refStore interface {
	Get(ctx context.Context, path string, v any) error
	Set(ctx context.Context, path string, v any) error
}

type sdkStore struct {
	client *db.Client
}

func (s sdkStore) Get(ctx context.Context, path string, v any) error {
	return s.client.NewRef(path).Get(ctx, v)
}

func (s sdkStore) Set(ctx context.Context, path string, v any) error {
	return s.client.NewRef(path).Set(ctx, v)
}

// Database is the Firebase realtime backend
type Database struct {
	store refStore
}

type deviceNode struct {
	Name  string `json:"name"`
	Topic string `json:"topic"`
}

type logNode struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// New connects to the database at cfg.DatabaseURL. Credentials come from
// credentials_json, credentials_file, or application default credentials.
func New(ctx context.Context, cfg *config.FirebaseRealtimeConfig) (*Database, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("firebase database_url is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{
		DatabaseURL: cfg.DatabaseURL,
		ProjectID:   cfg.ProjectID,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create realtime database client: %w", err)
	}

	slog.Info("firebase realtime database configured", "url", cfg.DatabaseURL)
	return &Database{store: sdkStore{client: client}}, nil
}

// Devices reads the Device node. Children that are not device objects are skipped.
func (d *Database) Devices(ctx context.Context) ([]realtime.Device, error) {
	var raw map[string]json.RawMessage
	if err := d.store.Get(ctx, "Device", &raw); err != nil {
		return nil, fmt.Errorf("failed to read devices: %w", err)
	}
	devs := make([]realtime.Device, 0, len(raw))
	for id, v := range raw {
		var node deviceNode
		if err := json.Unmarshal(v, &node); err != nil {
			continue
		}
		devs = append(devs, realtime.Device{ID: id, Name: node.Name, Topic: node.Topic})
	}
	return realtime.ValidDevices(devs), nil
}

// SetDeviceStatus writes Device/<topic>/status
func (d *Database) SetDeviceStatus(ctx context.Context, topic, status string) error {
	if err := d.store.Set(ctx, "Device/"+topic+"/status", status); err != nil {
		return fmt.Errorf("failed to set status of %s: %w", topic, err)
	}
	return nil
}

// AppendLog writes Log/<unix ms>. Entries within the same millisecond
// overwrite each other.
func (d *Database) AppendLog(ctx context.Context, entry realtime.LogEntry) error {
	key := strconv.FormatInt(entry.Timestamp.UnixMilli(), 10)
	node := logNode{
		Timestamp: entry.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		Message:   entry.Message,
	}
	if err := d.store.Set(ctx, "Log/"+key, node); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no closable resources
func (d *Database) Close() error { return nil }
