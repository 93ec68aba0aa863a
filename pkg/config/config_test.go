package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 60*time.Minute, cfg.Speed.RetentionWindow)
	assert.Equal(t, 60*time.Minute, cfg.Serving.RealtimeThreshold)
	assert.Equal(t, 10, cfg.Serving.FreshnessQuorum)
	assert.Equal(t, 100, cfg.Serving.PageSize)
	assert.Equal(t, 15*time.Second, cfg.Sampler.PollInterval)
	assert.Equal(t, 5, cfg.Batch.HourlyMinute)
	assert.Equal(t, "02:00", cfg.Batch.DailyTime)
	assert.Equal(t, "03:00", cfg.Batch.PeakTime)
	assert.Equal(t, 10, cfg.Connect.Attempts)
	assert.Equal(t, 100, cfg.Serving.MaxClients)
	assert.Equal(t, 9100, cfg.MetricsPort)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REALTIME_RETENTION", "30")
	t.Setenv("POLL_INTERVAL", "5")
	t.Setenv("FRESHNESS_QUORUM", "3")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REALTIME_THRESHOLD", "2h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Speed.RetentionWindow)
	assert.Equal(t, 5*time.Second, cfg.Sampler.PollInterval)
	assert.Equal(t, 3, cfg.Serving.FreshnessQuorum)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 2*time.Hour, cfg.Serving.RealtimeThreshold)
}

func TestLoad_RejectsBadSchedule(t *testing.T) {
	t.Setenv("BATCH_DAILY_TIME", "25:00")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MetricsPort(t *testing.T) {
	t.Setenv("METRICS_PORT", "0")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.MetricsPort)

	t.Setenv("METRICS_PORT", "70000")
	_, err = Load()
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("03:30")
	require.NoError(t, err)
	assert.Equal(t, 3, h)
	assert.Equal(t, 30, m)

	_, _, err = ParseClock("noon")
	assert.Error(t, err)
}
