package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LLMプロバイダ
const (
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
)

// 生成物の保存先
const (
	ArtifactBackendFilesystem = "filesystem"
	ArtifactBackendPostgres   = "postgres"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// LLMプロバイダ（"openai" or "bedrock"）
	LLMProvider string

	OpenAI    OpenAIConfig
	Bedrock   BedrockConfig
	Atlassian AtlassianConfig

	// 生成物の保存設定
	Artifact ArtifactConfig

	// Database設定（ARTIFACT_BACKEND=postgres の場合のみ使用）
	Database DatabaseConfig

	Pipeline PipelineConfig

	// SessionTTL はセッションを保持する期間（0以下で破棄しない）
	SessionTTL time.Duration

	Server ServerConfig
	Log    LogConfig
}

// OpenAIConfig はOpenAI API設定
type OpenAIConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// BedrockConfig はAWS Bedrock設定
type BedrockConfig struct {
	Region      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// AtlassianConfig はConfluence/Jira接続設定
type AtlassianConfig struct {
	URL       string
	UserEmail string
	APIToken  string
	Timeout   time.Duration
}

// ArtifactConfig は生成物の保存設定
type ArtifactConfig struct {
	Backend string
	Dir     string
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PipelineConfig は見積もりパイプラインの並行度設定
type PipelineConfig struct {
	// MaxInFlight はバッチあたりの同時実行項目数（0で無制限）
	MaxInFlight int
	// GenerationConcurrency は同時に実行する生成呼び出しの上限
	GenerationConcurrency int
	// GenerationRPM は1分あたりの生成呼び出し数の上限（0で無制限）
	GenerationRPM int
	// MaxContentTokens はプロンプトに含めるソースコンテンツの最大トークン数
	MaxContentTokens int
}

// ServerConfig はHTTPサーバー設定
type ServerConfig struct {
	Port int
}

// LogConfig はログ設定
type LogConfig struct {
	Level  string
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		LLMProvider: strings.ToLower(getEnv("LLM_PROVIDER", ProviderOpenAI)),
		OpenAI: OpenAIConfig{
			APIKey:      getEnv("OPENAI_API_KEY", ""),
			Model:       getEnv("OPENAI_MODEL", "gpt-4o"),
			Temperature: getEnvAsFloat("OPENAI_TEMPERATURE", 0.2),
			MaxTokens:   getEnvAsInt("OPENAI_MAX_TOKENS", 0),
			Timeout:     getEnvAsDuration("OPENAI_TIMEOUT", 5*time.Minute),
		},
		Bedrock: BedrockConfig{
			Region:      getEnv("AWS_REGION", "us-east-1"),
			Model:       getEnv("BEDROCK_MODEL", "anthropic.claude-3-5-sonnet-20240620-v1:0"),
			Temperature: getEnvAsFloat("BEDROCK_TEMPERATURE", 0.2),
			MaxTokens:   getEnvAsInt("BEDROCK_MAX_TOKENS", 4096),
		},
		Atlassian: AtlassianConfig{
			URL:       getEnv("ATLASSIAN_URL", ""),
			UserEmail: getEnv("ATLASSIAN_USER_EMAIL", ""),
			APIToken:  getEnv("ATLASSIAN_API_TOKEN", ""),
			Timeout:   getEnvAsDuration("ATLASSIAN_TIMEOUT", 30*time.Second),
		},
		Artifact: ArtifactConfig{
			Backend: strings.ToLower(getEnv("ARTIFACT_BACKEND", ArtifactBackendFilesystem)),
			Dir:     getEnv("ARTIFACT_DIR", os.TempDir()),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "estimator"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "estimator"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Pipeline: PipelineConfig{
			MaxInFlight:           getEnvAsInt("PIPELINE_MAX_IN_FLIGHT", 0),
			GenerationConcurrency: getEnvAsInt("PIPELINE_GENERATION_CONCURRENCY", 8),
			GenerationRPM:         getEnvAsInt("PIPELINE_GENERATION_RPM", 0),
			MaxContentTokens:      getEnvAsInt("PIPELINE_MAX_CONTENT_TOKENS", 24000),
		},
		SessionTTL: getEnvAsDuration("SESSION_TTL", 24*time.Hour),
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8000),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

// Validate は起動に必要な設定が揃っているかを検証します
func (c *Config) Validate() error {
	var errs []error

	switch c.LLMProvider {
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when LLM_PROVIDER=openai"))
		}
	case ProviderBedrock:
		if c.Bedrock.Region == "" {
			errs = append(errs, errors.New("AWS_REGION is required when LLM_PROVIDER=bedrock"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM_PROVIDER: %q", c.LLMProvider))
	}

	if c.Atlassian.URL == "" || c.Atlassian.UserEmail == "" || c.Atlassian.APIToken == "" {
		errs = append(errs, errors.New("ATLASSIAN_URL, ATLASSIAN_USER_EMAIL and ATLASSIAN_API_TOKEN are required"))
	}

	switch c.Artifact.Backend {
	case ArtifactBackendFilesystem:
		if c.Artifact.Dir == "" {
			errs = append(errs, errors.New("ARTIFACT_DIR is required when ARTIFACT_BACKEND=filesystem"))
		}
	case ArtifactBackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("unsupported ARTIFACT_BACKEND: %q", c.Artifact.Backend))
	}

	if c.Pipeline.GenerationConcurrency < 1 {
		errs = append(errs, errors.New("PIPELINE_GENERATION_CONCURRENCY must be at least 1"))
	}

	return errors.Join(errs...)
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（"30s" 形式または秒数）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
