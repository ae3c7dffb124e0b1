package fabric

import (
	"testing"

	"github.com/brainbox/orchestrator/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return log
}
