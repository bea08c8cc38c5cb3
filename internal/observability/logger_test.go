package observability_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/cwedge/cwedge/internal/observability"
)

func TestInitCLILogger(t *testing.T) {
	observability.InitCLILogger("cwedge-test", false)

	if observability.CLILogger == nil {
		t.Fatal("CLI logger should not be nil after initialization")
	}

	observability.CLILogger.Info("cli logger smoke test",
		zap.String("test", "value"))
}

func TestInitServerLogger(t *testing.T) {
	observability.InitServerLogger("cwedge-test", "info", "test")

	if observability.ServerLogger == nil {
		t.Fatal("Server logger should not be nil after initialization")
	}

	observability.ServerLogger.Info("structured logger smoke test",
		zap.String("route", "/v1/ingest/messages"),
		zap.Int("status", 200))
}

func TestInitServerLoggerDefaultsLevel(t *testing.T) {
	// Unknown levels fall back to INFO rather than failing startup.
	observability.InitServerLogger("cwedge-test", "chatty", "")

	if observability.ServerLogger == nil {
		t.Fatal("Server logger should survive an unknown level string")
	}
}
