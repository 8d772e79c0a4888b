package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTickIntervalsMatchDocumentedHz(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 20*time.Millisecond, cfg.AnalyzeTick())
	assert.Equal(t, 20*time.Millisecond, cfg.SendTick())
	assert.Equal(t, time.Second, cfg.PersistTick())
}

func TestHzToIntervalFallsBackOnNonPositive(t *testing.T) {
	cfg := Default()
	cfg.AnalyzeTickHz = 0
	assert.Equal(t, time.Second, cfg.AnalyzeTick())
}

func TestDurationHelpersConvertSecondsAndMillis(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 300*time.Second, cfg.IncomingMaxAge())
	assert.Equal(t, 60*time.Second, cfg.ProcessingMaxTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.SendHTTPTimeout())
	assert.Equal(t, 10*time.Second, cfg.StoppingDeadline())
}
