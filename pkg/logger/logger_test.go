package logger_test

import (
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/classroom-assistant/backend/pkg/logger"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	err := logger.Init("loud", "json", "stdout")
	gt.Error(t, err)
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	gt.NoError(t, logger.Init("debug", "console", path))
	logger.Info("indexed course")
	logger.Sync()
	gt.NotNil(t, logger.GetLogger())
	gt.NotNil(t, logger.Named("rag"))
}
