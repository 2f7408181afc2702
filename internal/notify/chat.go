// Package notify holds the outbound chat-notifier port. Notifications are
// strictly best-effort: the stored decision is authoritative and a failed
// send is logged and forgotten.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/hitl"
)

// ChatNotifier is the outbound contract to the operator chat channel.
type ChatNotifier interface {
	// SendRequest announces a new pending approval with its deep-link token.
	SendRequest(ctx context.Context, record hitl.ApprovalRequest, token hitl.DeepLinkToken) error

	// SendDecision announces a decided approval.
	SendDecision(ctx context.Context, record hitl.ApprovalRequest) error

	// SendTimeout announces an expiry auto-reject.
	SendTimeout(ctx context.Context, record hitl.ApprovalRequest) error
}

// WebhookConfig configures the chat webhook adapter.
type WebhookConfig struct {
	URL         string        `yaml:"url"`
	DeepLinkURL string        `yaml:"deeplink_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultWebhookConfig keeps sends inside the 2 s outbound budget.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{Timeout: 2 * time.Second}
}

// WebhookNotifier posts JSON messages to a chat webhook (Discord-compatible
// payload shape).
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
	log    zerolog.Logger
}

// NewWebhookNotifier creates the adapter.
func NewWebhookNotifier(cfg WebhookConfig, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger.With().Str("component", "notify").Logger(),
	}
}

func (n *WebhookNotifier) SendRequest(ctx context.Context, record hitl.ApprovalRequest, token hitl.DeepLinkToken) error {
	msg := fmt.Sprintf(
		"Approval requested: %s %s %s @ %s (risk %s%%, confidence %s). Decide: %s/%s",
		record.TradeID, record.Side, record.Instrument,
		record.RequestPrice.StringFixedBank(8),
		record.RiskPct.StringFixedBank(2),
		record.Confidence.StringFixedBank(2),
		n.cfg.DeepLinkURL, token.Token,
	)
	return n.post(ctx, record.CorrelationID, msg)
}

func (n *WebhookNotifier) SendDecision(ctx context.Context, record hitl.ApprovalRequest) error {
	reason := ""
	if record.DecisionReason != nil {
		reason = *record.DecisionReason
	}
	by := ""
	if record.DecidedBy != nil {
		by = *record.DecidedBy
	}
	msg := fmt.Sprintf("Approval %s: %s by %s (%s)", record.TradeID, record.Status, by, reason)
	return n.post(ctx, record.CorrelationID, msg)
}

func (n *WebhookNotifier) SendTimeout(ctx context.Context, record hitl.ApprovalRequest) error {
	msg := fmt.Sprintf("Approval %s expired without a decision and was auto-rejected", record.TradeID)
	return n.post(ctx, record.CorrelationID, msg)
}

func (n *WebhookNotifier) post(ctx context.Context, correlationID, content string) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn().Err(err).Str("correlation_id", correlationID).Msg("chat send failed")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("chat webhook returned %d", resp.StatusCode)
		n.log.Warn().Err(err).Str("correlation_id", correlationID).Msg("chat send failed")
		return err
	}
	return nil
}

// NopNotifier drops all notifications. Used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) SendRequest(context.Context, hitl.ApprovalRequest, hitl.DeepLinkToken) error {
	return nil
}
func (NopNotifier) SendDecision(context.Context, hitl.ApprovalRequest) error { return nil }
func (NopNotifier) SendTimeout(context.Context, hitl.ApprovalRequest) error  { return nil }
