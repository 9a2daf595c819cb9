// Package redis mirrors device state into Redis:
//
//	<prefix>:devices        hash   id -> {"name","topic"}
//	<prefix>:device_status  hash   topic -> status
//	<prefix>:log            stream entries with timestamp and message
//	<prefix>:status         channel, one {"topic","status","timestamp"} per change
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sikesa/sikesa-backend/internal/config"
	"github.com/sikesa/sikesa-backend/internal/realtime"
)

func init() {
	realtime.Register("redis", func(ctx context.Context, cfg *config.Config) (realtime.Database, error) {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return New(client, cfg.Realtime.Redis), nil
	})
}

// Database is the Redis realtime backend
type Database struct {
	client    redis.UniversalClient
	prefix    string
	logMaxLen int64
}

type deviceRecord struct {
	Name  string `json:"name"`
	Topic string `json:"topic"`
}

type statusEvent struct {
	Topic     string `json:"topic"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// New wraps an existing client. Close closes the client.
func New(client redis.UniversalClient, cfg config.RedisRealtimeConfig) *Database {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sikesa"
	}
	return &Database{client: client, prefix: prefix, logMaxLen: cfg.LogMaxLen}
}

func (d *Database) key(name string) string { return d.prefix + ":" + name }

// Devices reads the registry hash. Malformed entries are skipped.
func (d *Database) Devices(ctx context.Context) ([]realtime.Device, error) {
	raw, err := d.client.HGetAll(ctx, d.key("devices")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read devices: %w", err)
	}
	devs := make([]realtime.Device, 0, len(raw))
	for id, v := range raw {
		var rec deviceRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			slog.Warn("skipping malformed device entry", "id", id, "error", err)
			continue
		}
		devs = append(devs, realtime.Device{ID: id, Name: rec.Name, Topic: rec.Topic})
	}
	return realtime.ValidDevices(devs), nil
}

// PutDevice adds or replaces a registry entry
func (d *Database) PutDevice(ctx context.Context, dev realtime.Device) error {
	data, err := json.Marshal(deviceRecord{Name: dev.Name, Topic: dev.Topic})
	if err != nil {
		return err
	}
	if err := d.client.HSet(ctx, d.key("devices"), dev.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to store device %s: %w", dev.ID, err)
	}
	return nil
}

// SetDeviceStatus stores the status and publishes the change
func (d *Database) SetDeviceStatus(ctx context.Context, topic, status string) error {
	event, err := json.Marshal(statusEvent{
		Topic:     topic,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	_, err = d.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, d.key("device_status"), topic, status)
		p.Publish(ctx, d.key("status"), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set status of %s: %w", topic, err)
	}
	return nil
}

// AppendLog adds entry to the log stream, trimmed to about log_max_len entries
func (d *Database) AppendLog(ctx context.Context, entry realtime.LogEntry) error {
	args := &redis.XAddArgs{
		Stream: d.key("log"),
		Values: map[string]any{
			"timestamp": entry.Timestamp.UTC().Format(time.RFC3339Nano),
			"message":   entry.Message,
		},
	}
	if d.logMaxLen > 0 {
		args.MaxLen = d.logMaxLen
		args.Approx = true
	}
	if err := d.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// Close closes the underlying client
func (d *Database) Close() error {
	return d.client.Close()
}
