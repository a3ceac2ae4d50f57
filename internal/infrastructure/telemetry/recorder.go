package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/pulselink-core/internal/bus"
	"github.com/nerrad567/pulselink-core/internal/infrastructure/config"
)

// Timeouts and batching defaults.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 // seconds

	eventBuffer = 256

	msPerSecond = 1000
)

// Logger is the minimal logging interface the recorder needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder consumes device telemetry events from the bus and writes them to
// InfluxDB as line-protocol points.
//
// Writes are non-blocking and batched by the client; the bus delivery path
// is never stalled by a slow or unreachable server. Battery levels, step
// counts, angles, and strength changes all land in the device_metrics
// measurement tagged by device and kind.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	events   *bus.Bus
	logger   Logger

	mu        sync.RWMutex
	connected bool

	cancelSub func()
	done      chan struct{}
}

// Connect establishes the InfluxDB connection and verifies it with a ping.
//
// Returns ErrDisabled when telemetry is off in the configuration; callers
// treat that as "run without history", not a failure.
func Connect(cfg config.InfluxDBConfig, events *bus.Bus, logger Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = noopLogger{}
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*msPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	r := &Recorder{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		events:    events,
		logger:    logger,
		connected: true,
		done:      make(chan struct{}),
	}

	go r.handleWriteErrors(r.writeAPI.Errors())
	return r, nil
}

// Start subscribes to the bus and records telemetry until Close is called.
func (r *Recorder) Start() {
	ch, cancel := r.events.Subscribe(eventBuffer)
	r.cancelSub = cancel

	go func() {
		defer close(r.done)
		for evt := range ch {
			r.record(evt)
		}
	}()
}

// record writes one event if it carries telemetry.
func (r *Recorder) record(evt bus.Event) {
	if !r.IsConnected() {
		return
	}

	switch evt.Type {
	case bus.EventDeviceTelemetry:
		tags := map[string]string{
			"device_id": evt.DeviceID,
			"kind":      evt.Detail,
		}
		if evt.Channel != "" {
			tags["channel"] = evt.Channel
		}
		r.writeAPI.WritePoint(write.NewPoint(
			"device_metrics",
			tags,
			map[string]interface{}{"value": evt.Value},
			evt.Timestamp,
		))

	case bus.EventDeviceStatus:
		r.writeAPI.WritePoint(write.NewPoint(
			"device_status",
			map[string]string{"device_id": evt.DeviceID},
			map[string]interface{}{"status": evt.Detail},
			evt.Timestamp,
		))
	}
}

// handleWriteErrors logs async write failures from the batching API.
func (r *Recorder) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		r.logger.Warn("telemetry write failed", "error", err)
	}
}

// HealthCheck verifies the InfluxDB connection is alive.
func (r *Recorder) HealthCheck(ctx context.Context) error {
	if !r.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := r.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("telemetry health check: %w", err)
	}
	if !healthy {
		return fmt.Errorf("telemetry health check: server not healthy")
	}
	return nil
}

// IsConnected returns the last known connection state.
func (r *Recorder) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Close unsubscribes, flushes pending points, and closes the client.
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()

	if r.cancelSub != nil {
		r.cancelSub()
		<-r.done
	}

	r.writeAPI.Flush()
	r.client.Close()
	return nil
}
