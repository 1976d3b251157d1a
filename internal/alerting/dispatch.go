package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valter-silva-au/obscore/internal/lifecycle"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
)

var (
	errChannelNotConfigured = errors.New("channel not configured")
	errRateLimited          = errors.New("rate limit exceeded")
)

const queueOverflow = "queue_overflow"

func (m *Manager) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-m.queue.C():
			lifecycle.SafeCall(m.logger, "alert dispatch", func() { m.dispatch(ctx, item) })
		}
	}
}

// DispatchPending delivers everything currently queued on the calling
// goroutine and returns the number of items processed.
func (m *Manager) DispatchPending(ctx context.Context) int {
	items := m.queue.Drain()
	for _, item := range items {
		lifecycle.SafeCall(m.logger, "alert dispatch", func() { m.dispatch(ctx, item) })
	}
	return len(items)
}

func (m *Manager) dispatch(ctx context.Context, item dispatchItem) {
	m.mu.RLock()
	a, ok := m.alerts[item.alertID]
	var snapshot models.Alert
	if ok {
		snapshot = a.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return
	}

	n := Notification{Alert: snapshot, Kind: item.kind, Level: item.level}
	records := make([]models.NotificationRecord, 0, len(item.channels))
	for _, name := range item.channels {
		err := m.deliver(ctx, name, n)
		rec := models.NotificationRecord{
			Channel:   name,
			Timestamp: m.clock.Now(),
			Success:   err == nil,
			Level:     item.level,
			Kind:      item.kind,
		}
		if err != nil {
			rec.Error = err.Error()
			m.notifyFailed.Add(1)
			m.logger.Warn("alert notification failed",
				zap.String("alert_id", item.alertID),
				zap.String("channel", name),
				zap.Error(err),
			)
		} else {
			m.notifySent.Add(1)
		}
		records = append(records, rec)
	}
	m.appendHistory(item.alertID, records)
}

func (m *Manager) deliver(ctx context.Context, name string, n Notification) (err error) {
	m.chanMu.RLock()
	ch, ok := m.channels[name]
	limiter := m.limiters[name]
	m.chanMu.RUnlock()
	if !ok {
		return errChannelNotConfigured
	}
	if limiter != nil && !limiter.Allow() {
		return errRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.NotificationTimeoutSeconds)*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var notifyErr error
		if lifecycle.SafeCall(m.logger, "notification channel "+name, func() { notifyErr = ch.Notify(ctx, n) }) {
			notifyErr = fmt.Errorf("channel %s panicked", name)
		}
		done <- notifyErr
	}()
	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("notifying %s: %w", name, ctx.Err())
	}
}

func (m *Manager) appendHistory(alertID string, records []models.NotificationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.alerts[alertID]; ok {
		a.NotificationHistory = append(a.NotificationHistory, records...)
	}
}

// onQueueOverflow records a failed attempt on every channel of a dropped
// dispatch item so the loss is visible in the alert's history.
func (m *Manager) onQueueOverflow(item dispatchItem) {
	now := m.clock.Now()
	records := make([]models.NotificationRecord, 0, len(item.channels))
	for _, name := range item.channels {
		records = append(records, models.NotificationRecord{
			Channel:   name,
			Timestamp: now,
			Error:     queueOverflow,
			Level:     item.level,
			Kind:      item.kind,
		})
	}
	m.notifyFailed.Add(int64(len(records)))
	m.appendHistory(item.alertID, records)
	m.logger.Warn("alert dispatch queue overflow", zap.String("alert_id", item.alertID))
}
