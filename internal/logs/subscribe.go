package logs

import (
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
)

// SubscribeFilter narrows a live tail. Zero fields match everything.
type SubscribeFilter struct {
	ServiceName string
	MinLevel    models.LogLevel
}

func (f SubscribeFilter) matches(e models.LogEntry) bool {
	if f.ServiceName != "" && e.ServiceName != f.ServiceName {
		return false
	}
	if f.MinLevel != "" && e.Level.Rank() < f.MinLevel.Rank() {
		return false
	}
	return true
}

type subscriber struct {
	filter  SubscribeFilter
	ch      chan models.LogEntry
	dropped int64
}

// Subscribe returns a channel that receives newly ingested entries matching
// filter, and a cancel function that closes it. A subscriber that falls more
// than buffer entries behind loses entries rather than blocking ingestion.
func (a *Aggregator) Subscribe(filter SubscribeFilter, buffer int) (<-chan models.LogEntry, func()) {
	if buffer < 1 {
		buffer = 256
	}
	sub := &subscriber{filter: filter, ch: make(chan models.LogEntry, buffer)}

	a.subMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = sub
	a.subMu.Unlock()

	cancel := func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		if s, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(s.ch)
			if s.dropped > 0 {
				a.logger.Debug("log subscriber closed", zap.Int64("dropped", s.dropped))
			}
		}
	}
	return sub.ch, cancel
}

func (a *Aggregator) publish(e models.LogEntry) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, s := range a.subs {
		if !s.filter.matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped++
		}
	}
}

func (a *Aggregator) closeSubscribers() {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for id, s := range a.subs {
		delete(a.subs, id)
		close(s.ch)
	}
}
