package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valter-silva-au/obscore/pkg/models"
)

// Error is a non-2xx answer from the server.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client calls a running obscore server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for baseURL (e.g. http://localhost:8080).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &Error{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// ActiveAlerts lists triggered, acknowledged and investigating alerts.
func (c *Client) ActiveAlerts(ctx context.Context, severity, service string) ([]models.Alert, error) {
	q := url.Values{"status": {
		string(models.AlertTriggered), string(models.AlertAcknowledged), string(models.AlertInvestigating),
	}}
	if severity != "" {
		q.Set("severity", severity)
	}
	if service != "" {
		q.Set("service", service)
	}
	var out []models.Alert
	err := c.do(ctx, http.MethodGet, "/api/v1/alerts", q, nil, &out)
	return out, err
}

// AlertAction applies acknowledge, investigate, resolve or suppress to an
// alert. minutes is only used by suppress.
func (c *Client) AlertAction(ctx context.Context, alertID, action, by string, minutes int) (models.Alert, error) {
	var out models.Alert
	body := actionRequest{By: by, Minutes: minutes}
	err := c.do(ctx, http.MethodPost, "/api/v1/alerts/"+url.PathEscape(alertID)+"/"+action, nil, body, &out)
	return out, err
}

// AlertSummary returns alert counts.
func (c *Client) AlertSummary(ctx context.Context) (models.AlertSummary, error) {
	var out models.AlertSummary
	err := c.do(ctx, http.MethodGet, "/api/v1/alerts/summary", nil, nil, &out)
	return out, err
}

// AggregateRequest selects what Aggregate computes.
type AggregateRequest struct {
	Name     string
	Methods  []string
	Role     string
	Services []string
	Minutes  int
}

// Aggregate aggregates a metric on the server.
func (c *Client) Aggregate(ctx context.Context, r AggregateRequest) ([]models.AggregatedMetric, error) {
	q := url.Values{"name": {r.Name}}
	for _, m := range r.Methods {
		q.Add("method", m)
	}
	for _, s := range r.Services {
		q.Add("service", s)
	}
	if r.Role != "" {
		q.Set("role", r.Role)
	}
	if r.Minutes > 0 {
		q.Set("minutes", strconv.Itoa(r.Minutes))
	}
	var out []models.AggregatedMetric
	err := c.do(ctx, http.MethodGet, "/api/v1/metrics/aggregate", q, nil, &out)
	return out, err
}

// PlatformHealth returns the platform health overview.
func (c *Client) PlatformHealth(ctx context.Context) (models.PlatformHealth, error) {
	var out models.PlatformHealth
	err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil, &out)
	return out, err
}

// LogStatistics returns log statistics over the last hours.
func (c *Client) LogStatistics(ctx context.Context, hours int) (models.LogStatistics, error) {
	var out models.LogStatistics
	err := c.do(ctx, http.MethodGet, "/api/v1/logs/stats", url.Values{"hours": {strconv.Itoa(hours)}}, nil, &out)
	return out, err
}
