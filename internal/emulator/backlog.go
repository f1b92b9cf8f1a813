package emulator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/fngate/internal/logging"
	"github.com/austindbirch/fngate/internal/metrics"
)

// NSQStats is the subset of nsqd's /stats?format=json the monitor reads
type NSQStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Depth    int64  `json:"depth"`
		Channels []struct {
			Name     string `json:"channel_name"`
			Depth    int64  `json:"depth"`
			InFlight int64  `json:"in_flight_count"`
			Deferred int64  `json:"deferred_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// BacklogMonitor polls nsqd and exports the depth of the tasks channel
type BacklogMonitor struct {
	Client    *http.Client
	NsqdHTTP  string // e.g. http://nsqd:4151
	Topic     string
	Channel   string
	Interval  time.Duration
	Threshold int64 // warn above this backlog, zero disables
}

func (m *BacklogMonitor) client() *http.Client {
	if m.Client != nil {
		return m.Client
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (m *BacklogMonitor) base() string {
	base := strings.TrimRight(m.NsqdHTTP, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return base
}

// Run polls until ctx is cancelled
func (m *BacklogMonitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			logging.Plain().WithError(err).Error("Failed to get NSQ stats")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads nsqd stats once and returns the backlog of the watched channel,
// counting ready and deferred messages
func (m *BacklogMonitor) Poll(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.base()+"/stats?format=json", nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("nsqd stats: unexpected status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("decode nsqd stats: %w", err)
	}

	var backlog int64
	for _, topic := range stats.Topics {
		if topic.Name != m.Topic {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateNSQTopicDepth(topic.Name, ch.Name, ch.Depth)
			if ch.Name == m.Channel {
				backlog = ch.Depth + ch.Deferred
			}
		}
	}
	metrics.UpdateBacklog(backlog)

	if m.Threshold > 0 && backlog > m.Threshold {
		logging.Plain().WithFields(map[string]any{
			"topic":     m.Topic,
			"channel":   m.Channel,
			"backlog":   backlog,
			"threshold": m.Threshold,
		}).Warn("task backlog above threshold")
	}
	return backlog, nil
}

// Check pings nsqd, for health reporting
func (m *BacklogMonitor) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.base()+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := m.client().Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd ping: status %d", resp.StatusCode)
	}
	return nil
}
