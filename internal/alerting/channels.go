package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
)

// Notification kinds.
const (
	KindTrigger    = "trigger"
	KindEscalation = "escalation"
)

// Notification is what a channel delivers for one alert.
type Notification struct {
	Alert models.Alert           `json:"alert"`
	Kind  string                 `json:"kind"`
	Level models.EscalationLevel `json:"level"`
}

// Channel delivers notifications to one destination.
type Channel interface {
	Notify(ctx context.Context, n Notification) error
}

// ChannelFunc adapts a function to the Channel interface.
type ChannelFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f ChannelFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogChannel writes every notification as a warning log record.
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a LogChannel.
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

// Notify logs the alert.
func (c *LogChannel) Notify(_ context.Context, n Notification) error {
	c.logger.Warn("alert notification",
		zap.String("alert_id", n.Alert.AlertID),
		zap.String("rule_id", n.Alert.RuleID),
		zap.String("severity", string(n.Alert.Severity)),
		zap.String("service", n.Alert.ServiceName),
		zap.String("title", n.Alert.Title),
		zap.String("kind", n.Kind),
		zap.String("level", n.Level.String()),
	)
	return nil
}

// SlackChannel posts Block Kit messages to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

// NewSlackChannel creates a SlackChannel for the given webhook URL.
func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{},
	}
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Notify sends the alert to the configured Slack webhook.
func (s *SlackChannel) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(buildSlackMessage(n))
	if err != nil {
		return fmt.Errorf("marshaling slack message: %w", err)
	}
	return postJSON(ctx, s.client, s.webhookURL, body, "slack webhook")
}

func buildSlackMessage(n Notification) slackMessage {
	header := "Alert triggered"
	if n.Kind == KindEscalation {
		header = "Alert escalated to " + n.Level.String()
	}
	a := n.Alert
	text := fmt.Sprintf("%s *[%s]* %s\n%s\n_service: %s (%s) | %s_",
		severityEmoji(a.Severity),
		strings.ToUpper(string(a.Severity)),
		a.Title,
		a.Description,
		a.ServiceName,
		a.ServiceRole,
		a.TriggeredAt.Format("2006-01-02 15:04 UTC"),
	)
	return slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: header}},
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: text}},
		{Type: "divider"},
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("alert `%s` | correlation `%s`", a.AlertID, a.CorrelationID)}},
	}}
}

func severityEmoji(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "\U0001f6a8"
	case models.SeverityHigh:
		return "\U0001f534"
	case models.SeverityMedium:
		return "\U0001f7e1"
	case models.SeverityLow:
		return "\U0001f535"
	case models.SeverityInfo:
		return "\u2139\ufe0f"
	default:
		return "\u2753"
	}
}

// WebhookChannel POSTs the notification as JSON to a URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a WebhookChannel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{url: url, client: &http.Client{}}
}

// Notify posts n to the webhook.
func (w *WebhookChannel) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}
	return postJSON(ctx, w.client, w.url, body, "webhook")
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, what string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", what, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s returned status %d", what, resp.StatusCode)
	}
	return nil
}

// Publisher is the subset of *nats.Conn used by NATSChannel.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSChannel publishes notifications as JSON to a NATS subject.
type NATSChannel struct {
	pub     Publisher
	subject string
}

// NewNATSChannel creates a NATSChannel over an existing connection.
func NewNATSChannel(pub Publisher, subject string) *NATSChannel {
	return &NATSChannel{pub: pub, subject: subject}
}

// DialNATS connects to a NATS server for the alert channel.
func DialNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("obscore-alerts"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return nc, nil
}

// Notify publishes n to the subject.
func (c *NATSChannel) Notify(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling nats payload: %w", err)
	}
	if err := c.pub.Publish(c.subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", c.subject, err)
	}
	return nil
}

// MessageWriter is the subset of *kafka.Writer used by KafkaChannel.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaChannel writes notifications to a Kafka topic keyed by alert id.
type KafkaChannel struct {
	writer MessageWriter
	topic  string
}

// NewKafkaChannel creates a KafkaChannel with its own writer.
func NewKafkaChannel(brokers []string, topic string) *KafkaChannel {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
	}
	return &KafkaChannel{writer: w, topic: topic}
}

// NewKafkaChannelWithWriter creates a KafkaChannel over a caller-supplied
// writer. The writer's topic must already be set.
func NewKafkaChannelWithWriter(w MessageWriter, topic string) *KafkaChannel {
	return &KafkaChannel{writer: w, topic: topic}
}

// Notify writes n to the topic.
func (c *KafkaChannel) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling kafka payload: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(n.Alert.AlertID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
			{Key: "severity", Value: []byte(n.Alert.Severity)},
		},
	}
	if err := c.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing to kafka topic %s: %w", c.topic, err)
	}
	return nil
}

// Close closes the underlying writer.
func (c *KafkaChannel) Close() error {
	return c.writer.Close()
}
