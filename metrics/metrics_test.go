package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryCollector(t *testing.T) {
	t.Run("counts per agent", func(t *testing.T) {
		c := NewInMemoryCollector()
		c.RecordSend("codex", "task")
		c.RecordSend("codex", "event")
		c.RecordDelivery("codex")
		c.RecordSettlement("codex", SettlementRetry)
		c.RecordSettlement("codex", SettlementAck)
		c.SetBacklog("codex", 4, 1)

		s := c.Summary()
		assert.Equal(t, int64(2), s.Sent["codex"])
		assert.Equal(t, int64(1), s.Delivered["codex"])
		assert.Equal(t, int64(1), s.Settlements["codex"][SettlementAck])
		assert.Equal(t, int64(1), s.Settlements["codex"][SettlementRetry])
		assert.Equal(t, Backlog{Pending: 4, InFlight: 1}, s.Backlog["codex"])
	})

	t.Run("tracks handler timings", func(t *testing.T) {
		c := NewInMemoryCollector()
		for i := 1; i <= 10; i++ {
			var err error
			if i%5 == 0 {
				err = errors.New("handler failed")
			}
			c.RecordHandling("gemini", "task", time.Duration(i*10)*time.Millisecond, err)
		}

		s := c.Summary()
		stats := s.ProcessingStats["gemini"]
		assert.Equal(t, int64(10), stats.Count)
		assert.Equal(t, int64(10), stats.MinMs)
		assert.Equal(t, int64(100), stats.MaxMs)
		assert.Equal(t, int64(55), stats.AvgMs)
		assert.Equal(t, int64(50), stats.P50Ms)
		assert.Equal(t, int64(2), s.HandlerErrors["gemini"])
	})

	t.Run("keeps a bounded sample window", func(t *testing.T) {
		c := NewInMemoryCollector()
		for i := 0; i < 3*maxSamples; i++ {
			c.RecordHandling("codex", "task", time.Millisecond, nil)
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		assert.Len(t, c.timings["codex"].samples, maxSamples)
	})

	t.Run("summary is a copy", func(t *testing.T) {
		c := NewInMemoryCollector()
		c.RecordSend("codex", "task")
		s := c.Summary()
		s.Sent["codex"] = 99
		assert.Equal(t, int64(1), c.Summary().Sent["codex"])
	})

	t.Run("reset clears everything", func(t *testing.T) {
		c := NewInMemoryCollector()
		c.RecordSend("codex", "task")
		c.Reset()
		assert.Empty(t, c.Summary().Sent)
	})
}

func TestPrometheusCollector(t *testing.T) {
	t.Run("exposes bus metrics", func(t *testing.T) {
		c, err := NewPrometheusCollector(nil)
		require.NoError(t, err)

		c.RecordSend("codex", "task")
		c.RecordDelivery("codex")
		c.RecordSettlement("codex", SettlementDeadLetter)
		c.RecordHandling("codex", "task", 20*time.Millisecond, errors.New("boom"))
		c.SetBacklog("codex", 3, 1)

		server := httptest.NewServer(c.Handler())
		defer server.Close()

		resp, err := http.Get(server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		text := string(body)
		assert.Contains(t, text, `agentbus_messages_sent_total{agent="codex",type="task"} 1`)
		assert.Contains(t, text, `agentbus_messages_delivered_total{agent="codex"} 1`)
		assert.Contains(t, text, `agentbus_settlements_total{agent="codex",outcome="dead_letter"} 1`)
		assert.Contains(t, text, `agentbus_handler_errors_total{agent="codex",type="task"} 1`)
		assert.Contains(t, text, `agentbus_queue_pending{agent="codex"} 3`)
		assert.Contains(t, text, `agentbus_queue_in_flight{agent="codex"} 1`)
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		_, err := NewPrometheusCollector(registry)
		require.NoError(t, err)

		_, err = NewPrometheusCollector(registry)
		assert.Error(t, err)
	})
}
