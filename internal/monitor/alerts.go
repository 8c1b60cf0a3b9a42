package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"risk-engine/internal/events"
	"risk-engine/pkg/logger"
)

// Sink delivers notifications to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, n events.Notification) error
}

// LogSink writes every notification to the structured log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, n events.Notification) error {
	fields := []zap.Field{
		zap.String("type", string(n.Type)),
		zap.String("level", n.Level.String()),
	}
	if n.Symbol != "" {
		fields = append(fields, zap.String("symbol", n.Symbol))
	}
	for k, v := range n.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch n.Level {
	case events.LevelAlert:
		logger.Error(n.Message, fields...)
	case events.LevelWarn:
		logger.Warn(n.Message, fields...)
	default:
		logger.Info(n.Message, fields...)
	}
	return nil
}

// Discord embed colors per level.
const (
	colorInfo  = 0x3498db
	colorWarn  = 0xf1c40f
	colorAlert = 0xe74c3c
)

// DiscordSink posts notifications to a Discord webhook.
type DiscordSink struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSink returns nil when url is empty.
func NewDiscordSink(url string) *DiscordSink {
	if url == "" {
		return nil
	}
	return &DiscordSink{webhookURL: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *DiscordSink) Name() string { return "discord" }

func (d *DiscordSink) Send(ctx context.Context, n events.Notification) error {
	color := colorInfo
	switch n.Level {
	case events.LevelWarn:
		color = colorWarn
	case events.LevelAlert:
		color = colorAlert
	}
	title := string(n.Type)
	if n.Symbol != "" {
		title += " " + n.Symbol
	}
	embed := map[string]any{
		"title":       title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.At.Format(time.RFC3339),
		"footer":      map[string]string{"text": "risk-engine"},
	}
	if len(n.Fields) > 0 {
		fields := make([]map[string]any, 0, len(n.Fields))
		for k, v := range n.Fields {
			fields = append(fields, map[string]any{"name": k, "value": fmt.Sprint(v), "inline": true})
		}
		embed["fields"] = fields
	}
	data, err := json.Marshal(map[string]any{"embeds": []any{embed}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord returned status: %d", resp.StatusCode)
	}
	return nil
}

// StreamPublisher is satisfied by the JetStream client.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// SubjectPrefix prefixes the notification type on the stream.
const SubjectPrefix = "riskengine.events."

// NATSSink publishes notifications as JSON to riskengine.events.<type>.
type NATSSink struct {
	pub StreamPublisher
}

func NewNATSSink(pub StreamPublisher) *NATSSink { return &NATSSink{pub: pub} }

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Send(ctx context.Context, n events.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, SubjectPrefix+string(n.Type), data)
}
