// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/poiesic/docingest/ai"
	"github.com/poiesic/docingest/blob"
	"github.com/poiesic/docingest/chunker"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/embedding"
)

// FileName is the config file looked up in the data directory.
const FileName = "docingest.toml"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration that reads and writes as "30s" in TOML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the complete runtime configuration.
type Config struct {
	Chunking  chunker.Config  `toml:"chunking"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Queue     QueueConfig     `toml:"queue"`
	Worker    WorkerConfig    `toml:"worker"`
	Storage   StorageConfig   `toml:"storage"`
	AI        AIConfig        `toml:"ai"`
	Sources   SourcesConfig   `toml:"sources"`
	Submit    SubmitConfig    `toml:"submit"`
}

// EmbeddingConfig controls batching and backoff against the embedding service.
type EmbeddingConfig struct {
	BatchMaxItems         int      `toml:"embed_batch_max_items"`
	BatchMaxTokens        int      `toml:"embed_batch_max_tokens"`
	BaseDelay             Duration `toml:"base_delay"`
	RateLimitBackoffCapMs int      `toml:"rate_limit_backoff_cap_ms"`
	Jitter                float64  `toml:"jitter"`
	Concurrency           int      `toml:"concurrency"`

	// RequestsPerSecond enables a client-side limiter when positive.
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// BackoffCap returns the backoff cap as a duration.
func (c EmbeddingConfig) BackoffCap() time.Duration {
	return time.Duration(c.RateLimitBackoffCapMs) * time.Millisecond
}

// QueueConfig controls leasing and admission.
type QueueConfig struct {
	LeaseDuration               Duration `toml:"lease_duration"`
	PollInterval                Duration `toml:"poll_interval"`
	QueueDepthThrottleThreshold int      `toml:"queue_depth_throttle_threshold"`
}

// StageTimeouts bounds each pipeline stage. Zero disables the bound.
type StageTimeouts struct {
	Parse Duration `toml:"parse"`
	Chunk Duration `toml:"chunk"`
	Embed Duration `toml:"embed"`
	Store Duration `toml:"store"`
}

// For returns the timeout of a stage.
func (t StageTimeouts) For(stage core.Stage) time.Duration {
	switch stage {
	case core.StageParse:
		return t.Parse.Std()
	case core.StageChunk:
		return t.Chunk.Std()
	case core.StageEmbed:
		return t.Embed.Std()
	case core.StageStore:
		return t.Store.Std()
	}
	return 0
}

// WorkerConfig controls the worker pool.
type WorkerConfig struct {
	Count       int           `toml:"count"`
	MaxAttempts int           `toml:"max_attempts"`
	Timeouts    StageTimeouts `toml:"stage_timeouts"`
}

// StorageConfig locates the on-disk stores.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// AIConfig mirrors ai.Config for the config file.
type AIConfig struct {
	EmbeddingHost  string   `toml:"embedding_host"`
	EmbeddingModel string   `toml:"embedding_model"`
	APIToken       string   `toml:"api_token"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// Client returns the embedding client configuration.
func (c AIConfig) Client() *ai.Config {
	return ai.NewConfig(
		ai.WithEmbeddingHost(c.EmbeddingHost),
		ai.WithEmbeddingModel(c.EmbeddingModel),
		ai.WithAPIToken(c.APIToken),
		ai.WithRequestTimeout(c.RequestTimeout.Std()),
	)
}

// SourcesConfig enables the blob sources documents are read from.
type SourcesConfig struct {
	// FileRoot confines relative file references. Empty means the working directory.
	FileRoot string         `toml:"file_root"`
	GCS      bool           `toml:"gcs"`
	S3       *blob.S3Config `toml:"s3,omitempty"`
}

// SubmitConfig holds the shallow checks applied at submission. A zero
// MaxSizeBytes disables the size check; parsing still stops at the
// parser's default bound.
type SubmitConfig struct {
	AllowedFormats []core.Format `toml:"allowed_formats"`
	MaxSizeBytes   int64         `toml:"max_size_bytes"`
}

// Allows reports whether a declared format may be submitted.
// FormatUnknown is always accepted and resolved by detection.
func (c SubmitConfig) Allows(f core.Format) bool {
	if f == core.FormatUnknown || len(c.AllowedFormats) == 0 {
		return true
	}
	return slices.Contains(c.AllowedFormats, f)
}

// Option adjusts a Config.
type Option func(*Config)

// WithDataDir sets where the stores live.
func WithDataDir(dir string) Option {
	return func(c *Config) {
		c.Storage.DataDir = dir
	}
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(c *Config) {
		c.Worker.Count = n
	}
}

// WithMaxAttempts sets the job and embed batch attempt bound.
func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		c.Worker.MaxAttempts = n
	}
}

// WithLeaseDuration sets how long a claim stays valid without renewal.
func WithLeaseDuration(d time.Duration) Option {
	return func(c *Config) {
		c.Queue.LeaseDuration = Duration(d)
	}
}

// WithThrottleThreshold sets the queue depth at which submissions are refused.
func WithThrottleThreshold(n int) Option {
	return func(c *Config) {
		c.Queue.QueueDepthThrottleThreshold = n
	}
}

// WithChunking replaces the chunker settings.
func WithChunking(cc chunker.Config) Option {
	return func(c *Config) {
		c.Chunking = cc
	}
}

// WithEmbeddingModel sets the embedding model.
func WithEmbeddingModel(model string) Option {
	return func(c *Config) {
		c.AI.EmbeddingModel = model
	}
}

// Default returns the configuration used when no file is present.
func Default(opts ...Option) *Config {
	aiDefaults := ai.DefaultConfig()
	cfg := &Config{
		Chunking: chunker.DefaultConfig(),
		Embedding: EmbeddingConfig{
			BatchMaxItems:         embedding.DefaultMaxBatchItems,
			BatchMaxTokens:        embedding.DefaultMaxBatchTokens,
			BaseDelay:             Duration(embedding.DefaultBaseDelay),
			RateLimitBackoffCapMs: int(embedding.DefaultBackoffCap / time.Millisecond),
			Jitter:                embedding.DefaultJitter,
			Concurrency:           embedding.DefaultConcurrency,
		},
		Queue: QueueConfig{
			LeaseDuration:               Duration(2 * time.Minute),
			PollInterval:                Duration(500 * time.Millisecond),
			QueueDepthThrottleThreshold: 10000,
		},
		Worker: WorkerConfig{
			Count:       4,
			MaxAttempts: embedding.DefaultMaxAttempts,
			Timeouts: StageTimeouts{
				Parse: Duration(2 * time.Minute),
				Chunk: Duration(30 * time.Second),
				Embed: Duration(10 * time.Minute),
				Store: Duration(2 * time.Minute),
			},
		},
		Storage: StorageConfig{DataDir: "data"},
		AI: AIConfig{
			EmbeddingHost:  aiDefaults.EmbeddingHost,
			EmbeddingModel: aiDefaults.EmbeddingModel,
			APIToken:       aiDefaults.APIToken,
			RequestTimeout: Duration(aiDefaults.RequestTimeout),
		},
		Submit: SubmitConfig{
			AllowedFormats: slices.Clone(core.KnownFormats),
			MaxSizeBytes:   64 << 20,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Chunking.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.AI.Client().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}
	check(c.Embedding.BatchMaxItems > 0, "embed_batch_max_items must be positive")
	check(c.Embedding.BatchMaxTokens > 0, "embed_batch_max_tokens must be positive")
	check(c.Embedding.BaseDelay >= 0, "base_delay must not be negative")
	check(c.Embedding.RateLimitBackoffCapMs > 0, "rate_limit_backoff_cap_ms must be positive")
	check(c.Embedding.Jitter >= 0 && c.Embedding.Jitter <= 1, "jitter must be within [0, 1], got %v", c.Embedding.Jitter)
	check(c.Embedding.Concurrency > 0, "embedding concurrency must be positive")
	check(c.Embedding.RequestsPerSecond >= 0, "requests_per_second must not be negative")
	check(c.Queue.LeaseDuration > 0, "lease_duration must be positive")
	check(c.Queue.PollInterval > 0, "poll_interval must be positive")
	check(c.Queue.QueueDepthThrottleThreshold >= 0, "queue_depth_throttle_threshold must not be negative")
	check(c.Worker.Count > 0, "worker count must be positive")
	check(c.Worker.MaxAttempts > 0, "max_attempts must be positive")
	for _, stage := range []core.Stage{core.StageParse, core.StageChunk, core.StageEmbed, core.StageStore} {
		check(c.Worker.Timeouts.For(stage) >= 0, "%s timeout must not be negative", stage)
	}
	check(c.Storage.DataDir != "", "data_dir is required")
	check(c.Submit.MaxSizeBytes >= 0, "max_size_bytes must not be negative")
	for _, f := range c.Submit.AllowedFormats {
		check(slices.Contains(core.KnownFormats, f), "unknown format %q in allowed_formats", f)
	}
	if c.Sources.S3 != nil {
		check(c.Sources.S3.Endpoint != "", "s3 endpoint is required when [sources.s3] is present")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
	}
	return nil
}

// Load reads a TOML file over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// Save writes the configuration as TOML, creating the directory if needed.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
