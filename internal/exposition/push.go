package exposition

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/valter-silva-au/obscore/internal/lifecycle"
	"github.com/valter-silva-au/obscore/internal/logging"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
)

// Pusher periodically pushes a registry to a Prometheus push gateway.
type Pusher struct {
	pusher   *push.Pusher
	interval time.Duration
	logger   *zap.Logger
	group    *lifecycle.Group
}

// NewPusher returns nil when no push gateway is configured.
func NewPusher(cfg models.ExpositionConfig, g prometheus.Gatherer, logger *zap.Logger) *Pusher {
	if cfg.PushGatewayURL == "" {
		return nil
	}
	job := cfg.JobName
	if job == "" {
		job = "obscore"
	}
	interval := time.Duration(cfg.PushIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Pusher{
		pusher:   push.New(cfg.PushGatewayURL, job).Gatherer(g),
		interval: interval,
		logger:   logging.OrNop(logger).Named("exposition"),
		group:    lifecycle.NewGroup("metrics pusher"),
	}
}

// Push sends the current state once.
func (p *Pusher) Push(ctx context.Context) error {
	if err := p.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics: %w", err)
	}
	return nil
}

// Start pushes on every interval until Stop.
func (p *Pusher) Start(ctx context.Context) error {
	return p.group.Start(ctx, func(ctx context.Context) {
		lifecycle.Every(ctx, p.interval, p.logger, "metrics push", func(ctx context.Context) {
			if err := p.Push(ctx); err != nil {
				p.logger.Warn("push gateway unreachable", zap.Error(err))
			}
		})
	})
}

// Stop cancels the loop and makes a final push.
func (p *Pusher) Stop() error {
	if err := p.group.Stop(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Push(ctx); err != nil {
		p.logger.Warn("final metrics push failed", zap.Error(err))
	}
	return nil
}
