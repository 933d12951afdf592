package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/classroom-assistant/backend/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	gt.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	cfg, err := config.LoadFile(writeConfig(t, "server:\n  port: 9090\n"))
	gt.NoError(t, err)

	gt.Equal(t, cfg.Server.Port, 9090)
	gt.Equal(t, cfg.Vector.Provider, "milvus")
	gt.Equal(t, cfg.Vector.VectorDim, 384)
	gt.Equal(t, cfg.Embedding.BatchSize, 32)
	gt.Equal(t, cfg.Chunking.ChunkSize, 500)
	gt.Equal(t, cfg.Chunking.ChunkOverlap, 50)
	gt.Equal(t, cfg.Chunking.MinChunkSize, 100)
	gt.Equal(t, cfg.RAG.NResults, 5)
	gt.False(t, cfg.Redis.Enabled)
}

func TestLoadFileRejectsUnknownProvider(t *testing.T) {
	_, err := config.LoadFile(writeConfig(t, "vector:\n  provider: faiss\n"))
	gt.Error(t, err)
}

func TestLoadFileRejectsDimensionMismatch(t *testing.T) {
	_, err := config.LoadFile(writeConfig(t, "embedding:\n  dimension: 768\n"))
	gt.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CLASSROOM_VECTOR_PROVIDER", "memory")
	cfg, err := config.LoadFile(writeConfig(t, "vector:\n  provider: milvus\n"))
	gt.NoError(t, err)
	gt.Equal(t, cfg.Vector.Provider, "memory")
}
