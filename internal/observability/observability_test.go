package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryMetrics(t *testing.T) {
	m := NewInMemoryMetrics()

	m.IncEnqueued()
	m.IncEnqueued()
	m.IncClaimed()
	m.IncDeliveryFailed()
	m.IncRetried()
	m.IncSentToDLQ()

	assert.Equal(t, int64(2), m.GetEnqueued())
	assert.Equal(t, int64(1), m.GetClaimed())
	assert.Equal(t, int64(0), m.GetDelivered())
	assert.Equal(t, int64(1), m.GetDeliveryFailed())
	assert.Equal(t, int64(1), m.GetRetried())
	assert.Equal(t, int64(1), m.GetSentToDLQ())

	fields := m.Fields()
	assert.Equal(t, int64(2), fields["enqueued"])
	assert.Equal(t, int64(1), fields["dead_lettered"])
}

func TestInitLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	log := InitLogger(LoggerConfig{Level: "debug", File: path, MaxSize: 1})
	t.Cleanup(func() {
		InitLogger(LoggerConfig{Level: "info"})
	})

	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	log.WithField("key", "abc.json").Info("processed")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, `msg=processed`), line)
	assert.True(t, strings.Contains(line, `key=abc.json`), line)
	assert.True(t, strings.Contains(line, `time="`), line)
}

func TestInitLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	log := InitLogger(LoggerConfig{Level: "loud"})
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}
