package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/internal/httpclient"
)

// LogNotifier only logs deliveries. Used when no delivery channel is configured.
type LogNotifier struct {
	log *zap.SugaredLogger
}

// NewLogNotifier creates a notifier that writes one info line per delivery
func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{log: log}
}

// NotifyReady logs the delivery
func (n *LogNotifier) NotifyReady(_ context.Context, d Delivery) error {
	n.log.Infow("Episode ready",
		"job_id", d.JobID,
		"tenant_id", d.TenantID,
		"project_id", d.ProjectID,
		"delivery_at", d.ScheduledDeliveryAt,
		"result_ref", d.ResultRef)
	return nil
}

// WebhookNotifier POSTs deliveries as JSON to a fixed URL
type WebhookNotifier struct {
	url    string
	client *httpclient.SaferClient
}

// NewWebhookNotifier validates the target against the client's SSRF rules
func NewWebhookNotifier(target string, client *httpclient.SaferClient) (*WebhookNotifier, error) {
	if _, err := client.ValidateURL(target); err != nil {
		return nil, errors.Wrapf(err, "invalid delivery webhook %q", target)
	}
	return &WebhookNotifier{url: target, client: client}, nil
}

// NotifyReady posts the delivery; any non-2xx answer is an error
func (n *WebhookNotifier) NotifyReady(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "failed to encode delivery")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build delivery request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Episodic-Job", d.JobID)

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "delivery webhook failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Newf("delivery webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// RedisNotifier publishes deliveries as JSON on a Redis channel
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisNotifier creates a notifier publishing on channel
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

// NotifyReady publishes the delivery
func (n *RedisNotifier) NotifyReady(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "failed to encode delivery")
	}
	if err := n.client.Publish(ctx, n.channel, body).Err(); err != nil {
		return errors.Wrapf(err, "failed to publish delivery on %s", n.channel)
	}
	return nil
}

// MultiNotifier delivers to every notifier and joins their errors
type MultiNotifier []Notifier

// NotifyReady calls each notifier in order; one failing does not stop the rest
func (m MultiNotifier) NotifyReady(ctx context.Context, d Delivery) error {
	var errs error
	for _, n := range m {
		if err := n.NotifyReady(ctx, d); err != nil {
			if errs == nil {
				errs = err
			} else {
				errs = errors.WithSecondaryError(errs, err)
			}
		}
	}
	return errs
}
