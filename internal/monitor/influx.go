package monitor

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"risk-engine/internal/events"
	"risk-engine/pkg/db"
	"risk-engine/pkg/logger"
)

// InfluxConfig locates the time-series bucket.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxRecorder writes cycle reports and notifications as points. Writes are
// asynchronous; failures surface on the client's error channel and are logged.
type InfluxRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// NewInfluxRecorder connects and pings the server.
func NewInfluxRecorder(ctx context.Context, cfg InfluxConfig) (*InfluxRecorder, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(100).SetFlushInterval(5000))
	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx ping: %w", err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("influx at %s is not ready", cfg.URL)
	}
	w := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range w.Errors() {
			logger.Warn("influx write failed", zap.Error(err))
		}
	}()
	return &InfluxRecorder{client: client, writeAPI: w}, nil
}

// RecordCycle writes one cycle summary.
func (r *InfluxRecorder) RecordCycle(rep db.CycleReport) {
	fields := map[string]interface{}{
		"duration_ms": rep.Duration.Milliseconds(),
		"evaluated":   rep.Evaluated,
		"selected":    rep.Selected,
		"entries":     rep.Entries,
		"errors":      rep.Errors,
	}
	for reason, n := range rep.Rejections {
		fields["rejected_"+reason] = n
	}
	r.writeAPI.WritePoint(influxdb2.NewPoint("cycles",
		map[string]string{"date_key": rep.DateKey}, fields, rep.StartedAt))
}

func (r *InfluxRecorder) Name() string { return "influx" }

// Send records a notification as an event point.
func (r *InfluxRecorder) Send(_ context.Context, n events.Notification) error {
	tags := map[string]string{"type": string(n.Type), "level": n.Level.String()}
	if n.Symbol != "" {
		tags["symbol"] = n.Symbol
	}
	fields := map[string]interface{}{"message": n.Message}
	for k, v := range n.Fields {
		switch v.(type) {
		case float64, float32, int, int64, bool, string:
			fields[k] = v
		default:
			fields[k] = fmt.Sprint(v)
		}
	}
	r.writeAPI.WritePoint(influxdb2.NewPoint("events", tags, fields, n.At))
	return nil
}

// Close flushes pending points.
func (r *InfluxRecorder) Close() {
	r.writeAPI.Flush()
	r.client.Close()
}
