package config

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Vector    VectorConfig
	Embedding EmbeddingConfig
	Chunking  ChunkingConfig
	RAG       RAGConfig
	Scoring   ScoringConfig
	Redis     RedisConfig
	Neo4j     Neo4jConfig
	Jobs      JobsConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	AllowOrigins string
}

type SQLiteConfig struct {
	Path string
}

// VectorConfig selects the similarity store. Provider is "milvus" or "memory".
type VectorConfig struct {
	Provider       string
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	NList          int
	NProbe         int
}

type EmbeddingConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimension  int
	BatchSize  int
	TimeoutSec int
}

type ChunkingConfig struct {
	ChunkSize    int
	ChunkOverlap int
	MinChunkSize int
}

type RAGConfig struct {
	NResults int
}

type ScoringConfig struct {
	OverviewConcurrency int
}

type RedisConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Password        string
	DB              int
	EmbeddingTTLMin int
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type JobsConfig struct {
	Workers   int
	QueueSize int
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/classroom-assistant")

	v.SetEnvPrefix("CLASSROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, goerr.Wrap(err, "failed to read config file")
		}
	}

	return decode(v)
}

// LoadFile reads a specific YAML file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CLASSROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Vector.Provider {
	case "milvus", "memory":
	default:
		return goerr.New("unknown vector provider", goerr.V("provider", c.Vector.Provider))
	}
	if c.Vector.VectorDim <= 0 {
		return goerr.New("vector dimension must be positive", goerr.V("dim", c.Vector.VectorDim))
	}
	if c.Embedding.Dimension != c.Vector.VectorDim {
		return goerr.New("embedding dimension does not match vector dimension",
			goerr.V("embedding", c.Embedding.Dimension),
			goerr.V("vector", c.Vector.VectorDim),
		)
	}
	if c.Embedding.BatchSize <= 0 {
		return goerr.New("embedding batch size must be positive", goerr.V("batchSize", c.Embedding.BatchSize))
	}
	if c.Chunking.ChunkSize <= 0 || c.Chunking.MinChunkSize < 0 || c.Chunking.MinChunkSize > c.Chunking.ChunkSize {
		return goerr.New("invalid chunking settings",
			goerr.V("chunkSize", c.Chunking.ChunkSize),
			goerr.V("minChunkSize", c.Chunking.MinChunkSize),
		)
	}
	if c.RAG.NResults <= 0 {
		return goerr.New("rag.nResults must be positive", goerr.V("nResults", c.RAG.NResults))
	}
	if c.Jobs.Workers <= 0 || c.Jobs.QueueSize <= 0 {
		return goerr.New("jobs need at least one worker and queue slot")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.allowOrigins", "*")

	v.SetDefault("sqlite.path", "./data/classroom.db")

	v.SetDefault("vector.provider", "milvus")
	v.SetDefault("vector.endpoint", "localhost:19530")
	v.SetDefault("vector.collectionName", "classroom_content")
	v.SetDefault("vector.vectorDim", 384)
	v.SetDefault("vector.nList", 128)
	v.SetDefault("vector.nProbe", 16)

	v.SetDefault("embedding.baseURL", "http://localhost:8000/v1")
	v.SetDefault("embedding.model", "all-MiniLM-L6-v2")
	v.SetDefault("embedding.dimension", 384)
	v.SetDefault("embedding.batchSize", 32)
	v.SetDefault("embedding.timeoutSec", 30)

	v.SetDefault("chunking.chunkSize", 500)
	v.SetDefault("chunking.chunkOverlap", 50)
	v.SetDefault("chunking.minChunkSize", 100)

	v.SetDefault("rag.nResults", 5)

	v.SetDefault("scoring.overviewConcurrency", 4)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTTLMin", 1440)

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.queueSize", 64)

	v.SetDefault("rateLimit.requestsPerMinute", 60)
	v.SetDefault("rateLimit.burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
