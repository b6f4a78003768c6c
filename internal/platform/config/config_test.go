package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("SESSION_TTL", "")
	t.Setenv("SERVER_PORT", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, cfg.LLMProvider)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Pipeline.GenerationConcurrency)
}

func TestLoad_FromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "LLM_PROVIDER=Bedrock\n" +
		"BEDROCK_TEMPERATURE=0.7\n" +
		"ATLASSIAN_TIMEOUT=45\n" +
		"SESSION_TTL=90m\n" +
		"PIPELINE_MAX_IN_FLIGHT=not-a-number\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))

	// godotenv は既存の環境変数を上書きしないため、空にしてから読み込む
	for _, key := range []string{"LLM_PROVIDER", "BEDROCK_TEMPERATURE", "ATLASSIAN_TIMEOUT", "SESSION_TTL", "PIPELINE_MAX_IN_FLIGHT"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, ProviderBedrock, cfg.LLMProvider)
	assert.InDelta(t, 0.7, cfg.Bedrock.Temperature, 1e-9)
	assert.Equal(t, 45*time.Second, cfg.Atlassian.Timeout)
	assert.Equal(t, 90*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 0, cfg.Pipeline.MaxInFlight)
}

func validConfig() *Config {
	return &Config{
		LLMProvider: ProviderOpenAI,
		OpenAI:      OpenAIConfig{APIKey: "sk-test"},
		Atlassian:   AtlassianConfig{URL: "https://example.atlassian.net", UserEmail: "a@example.com", APIToken: "t"},
		Artifact:    ArtifactConfig{Backend: ArtifactBackendFilesystem, Dir: "/tmp"},
		Pipeline:    PipelineConfig{GenerationConcurrency: 1},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing openai key", mutate: func(c *Config) { c.OpenAI.APIKey = "" }, wantErr: "OPENAI_API_KEY"},
		{name: "bedrock without key is fine", mutate: func(c *Config) {
			c.LLMProvider = ProviderBedrock
			c.OpenAI.APIKey = ""
			c.Bedrock.Region = "us-west-2"
		}},
		{name: "unknown provider", mutate: func(c *Config) { c.LLMProvider = "gemini" }, wantErr: "unsupported LLM_PROVIDER"},
		{name: "missing atlassian", mutate: func(c *Config) { c.Atlassian.APIToken = "" }, wantErr: "ATLASSIAN_URL"},
		{name: "unknown backend", mutate: func(c *Config) { c.Artifact.Backend = "s3" }, wantErr: "unsupported ARTIFACT_BACKEND"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Pipeline.GenerationConcurrency = 0 }, wantErr: "PIPELINE_GENERATION_CONCURRENCY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
