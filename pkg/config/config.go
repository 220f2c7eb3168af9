package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Knowledge KnowledgeConfig
	Agent     AgentConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type MilvusConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	Username       string
	Password       string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	// Enabled false keeps sessions and settings in process memory.
	Enabled bool
	Path    string
}

type RedisConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Password        string
	DB              int
	EmbeddingTTLSec int
}

type LLMConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	Temperature    float32
	MaxTokens      int
	EmbeddingModel string
}

// KnowledgeConfig holds the startup defaults of the retrieval settings. The
// live values are owned by knowledge.ConfigStore and may be changed at runtime.
type KnowledgeConfig struct {
	MaxDocuments        int
	SimilarityThreshold float64
	MaxContextLength    int
}

type AgentConfig struct {
	DefaultMode   string
	HistoryWindow int
	RouterWindow  int
	Keywords      []string
	Apology       string
}

type RateLimitConfig struct {
	Enabled              bool
	MaxRequestsPerMinute int
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
	v.AddConfigPath("/etc/kb-agent")

	v.SetEnvPrefix("KB_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("milvus.enabled", true)
	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.collectionName", "knowledge")
	v.SetDefault("milvus.vectorDim", 1536)

	v.SetDefault("sqlite.enabled", true)
	v.SetDefault("sqlite.path", "./data/kb-agent.db")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTTLSec", 86400)

	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")

	v.SetDefault("knowledge.maxDocuments", 5)
	v.SetDefault("knowledge.similarityThreshold", 0.3)
	v.SetDefault("knowledge.maxContextLength", 4000)

	v.SetDefault("agent.defaultMode", "thinking")
	v.SetDefault("agent.historyWindow", 10)
	v.SetDefault("agent.routerWindow", 4)
	v.SetDefault("agent.keywords", []string{"knowledge base", "documentation", "document"})
	v.SetDefault("agent.apology", "Sorry, something went wrong while generating the answer. Please try again.")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.maxRequestsPerMinute", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
