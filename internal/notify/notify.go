package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zsprackett/setupwatch/internal/events"
)

// Config holds notification settings.
type Config struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

// Notifier posts to a webhook and/or ntfy topic when a finished
// provisioning run reports failed enrollment actions.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New returns a Notifier with the given config.
func New(cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func (n *Notifier) Name() string { return "notify" }

// Handle notifies for ev if it is a finished run with failures. Other events
// are ignored.
func (n *Notifier) Handle(ctx context.Context, ev events.StoredEvent) error {
	if !n.cfg.Enabled || !ev.IsFinished() || ev.FailedActions() == 0 {
		return nil
	}
	var errs []error
	if n.cfg.Webhook != "" {
		if err := n.sendWebhook(ctx, ev); err != nil {
			n.logger.Warn("notify: webhook failed", "id", ev.ID, "err", err)
			errs = append(errs, err)
		}
	}
	if n.cfg.NtfyURL != "" {
		if err := n.sendNtfy(ctx, ev); err != nil {
			n.logger.Warn("notify: ntfy failed", "id", ev.ID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func failedLabels(ev events.StoredEvent) []string {
	var labels []string
	for _, a := range ev.EnrollmentActions {
		if a.Status == events.ActionFailed {
			labels = append(labels, a.Label)
		}
	}
	return labels
}

type webhookPayload struct {
	ID            string   `json:"id"`
	SerialNumber  string   `json:"serialNumber"`
	ComputerName  string   `json:"computerName,omitempty"`
	ModelName     string   `json:"modelName"`
	Duration      float64  `json:"duration"`
	FailedActions []string `json:"failedActions"`
	Timestamp     string   `json:"timestamp"`
}

func (n *Notifier) sendWebhook(ctx context.Context, ev events.StoredEvent) error {
	payload := webhookPayload{
		ID:            ev.ID,
		SerialNumber:  ev.SerialNumber,
		ComputerName:  ev.ComputerName,
		ModelName:     ev.ModelName,
		Duration:      ev.Duration,
		FailedActions: failedLabels(ev),
		Timestamp:     time.UnixMilli(ev.ReceivedAt).UTC().Format(time.RFC3339),
	}
	return n.post(ctx, n.cfg.Webhook, payload)
}

type ntfyPayload struct {
	Topic    string   `json:"topic,omitempty"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(ctx context.Context, ev events.StoredEvent) error {
	device := ev.SerialNumber
	if ev.ComputerName != "" {
		device = fmt.Sprintf("%s (%s)", ev.ComputerName, ev.SerialNumber)
	}
	labels := failedLabels(ev)
	payload := ntfyPayload{
		Title:    fmt.Sprintf("%s finished with %d failed action(s)", device, len(labels)),
		Message:  strings.Join(labels, " · "),
		Priority: 4,
		Tags:     []string{"rotating_light"},
	}
	return n.post(ctx, n.cfg.NtfyURL, payload)
}

func (n *Notifier) post(ctx context.Context, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
