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

package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/docingest/config"
	"github.com/poiesic/docingest/core"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "docingest",
		Usage: "Document ingestion pipeline: parse, chunk, embed and store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log output format (text, json)",
				Value: "text",
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Aliases: []string{"d"},
				Usage:   "Directory holding the queue, vectors and metadata",
				Value:   "data",
				EnvVars: []string{"DOCINGEST_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the TOML config file (default: <data-dir>/" + config.FileName + ")",
				EnvVars: []string{"DOCINGEST_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "embedding-host",
				Usage:   "Embedding service host URL (overrides the config file)",
				EnvVars: []string{"DOCINGEST_EMBEDDING_HOST"},
			},
			&cli.StringFlag{
				Name:    "embedding-model",
				Usage:   "Embedding model name (overrides the config file)",
				EnvVars: []string{"DOCINGEST_EMBEDDING_MODEL"},
			},
			&cli.StringFlag{
				Name:    "api-token",
				Usage:   "Embedding service API token",
				EnvVars: []string{"DOCINGEST_API_TOKEN"},
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "worker",
				Usage:  "Run workers until interrupted",
				Action: workerCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "workers",
						Aliases: []string{"w"},
						Usage:   "Number of concurrent workers (overrides the config file)",
					},
				},
			},
			{
				Name:      "submit",
				Usage:     "Submit documents for ingestion",
				ArgsUsage: "<source-ref>...",
				Action:    submitCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "Declared format (text, markdown, html, docx, pdf); detected when empty",
					},
				},
			},
			{
				Name:      "status",
				Usage:     "Show the status of a job",
				ArgsUsage: "<job-id>",
				Action:    statusCommand,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a queued or running job",
				ArgsUsage: "<job-id>",
				Action:    cancelCommand,
			},
			{
				Name:  "deadletters",
				Usage: "Inspect and replay permanently failed jobs",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List dead-lettered jobs",
						Action: deadLettersListCommand,
					},
					{
						Name:      "show",
						Usage:     "Show the failure history of a job",
						ArgsUsage: "<job-id>",
						Action:    deadLettersShowCommand,
					},
					{
						Name:      "replay",
						Usage:     "Re-enqueue a dead-lettered job with its attempt count reset",
						ArgsUsage: "<job-id>",
						Action:    deadLettersReplayCommand,
						Flags: []cli.Flag{
							&cli.BoolFlag{
								Name:  "force",
								Usage: "Replay even if the failure would recur on the same content",
							},
						},
					},
				},
			},
			{
				Name:      "watch",
				Usage:     "Submit files as they appear in a directory",
				ArgsUsage: "<dir>",
				Action:    watchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "Declared format for every file; detected when empty",
					},
					&cli.DurationFlag{
						Name:  "settle",
						Usage: "Quiet period after the last write before a file is submitted",
						Value: 500 * time.Millisecond,
					},
				},
			},
			{
				Name:   "stats",
				Usage:  "Summarize the ingestion audit log",
				Action: statsCommand,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "since",
						Usage: "Only count ingestions finished within this window",
						Value: 24 * time.Hour,
					},
				},
			},
			{
				Name:   "health",
				Usage:  "Check that the stores are reachable",
				Action: healthCommand,
			},
			{
				Name:      "search",
				Usage:     "Find stored chunks similar to a query",
				ArgsUsage: "<query>",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "hits",
						Aliases: []string{"n"},
						Usage:   "Maximum number of results",
						Value:   10,
					},
				},
			},
			{
				Name:   "reembed",
				Usage:  "Re-embed vectors produced by a different model",
				Action: reembedCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of vectors to embed per request",
						Value: 64,
					},
					&cli.IntFlag{
						Name:  "report-interval",
						Usage: "Report progress every N vectors",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Maximum attempts per batch",
						Value: 3,
					},
					&cli.DurationFlag{
						Name:  "retry-delay",
						Usage: "Base delay for exponential backoff",
						Value: 1 * time.Second,
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Re-embed every vector, not only stale ones",
					},
				},
			},
			{
				Name:  "config",
				Usage: "Manage the config file",
				Subcommands: []*cli.Command{
					{
						Name:   "init",
						Usage:  "Write the default configuration",
						Action: configInitCommand,
						Flags: []cli.Flag{
							&cli.BoolFlag{
								Name:  "overwrite",
								Usage: "Replace an existing file",
							},
						},
					},
				},
			},
		},
	}
}

// loadConfig reads the config file and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := configPath(c)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if c.IsSet("data-dir") || c.String("config") == "" {
		cfg.Storage.DataDir = c.String("data-dir")
	}
	if host := c.String("embedding-host"); host != "" {
		cfg.AI.EmbeddingHost = host
	}
	if model := c.String("embedding-model"); model != "" {
		cfg.AI.EmbeddingModel = model
	}
	if token := c.String("api-token"); token != "" {
		cfg.AI.APIToken = token
	}
	slog.Debug("configuration loaded", "path", path, "data_dir", cfg.Storage.DataDir)
	return cfg, nil
}

func configPath(c *cli.Context) string {
	if path := c.String("config"); path != "" {
		return path
	}
	return filepath.Join(c.String("data-dir"), config.FileName)
}

func parseFormat(name string) (core.Format, error) {
	f := core.Format(strings.ToLower(strings.TrimSpace(name)))
	if f == core.FormatUnknown {
		return f, nil
	}
	for _, known := range core.KnownFormats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown format %q", name)
}

func requireArg(c *cli.Context, name string) (string, error) {
	arg := c.Args().First()
	if arg == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return arg, nil
}

func setupLogger(c *cli.Context) error {
	logger, err := newLogger(c.App.ErrWriter, c.String("log-level"), c.String("log-format"))
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func newLogger(w io.Writer, levelName, format string) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	levelStr := strings.ToLower(levelName)

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, errors.New("invalid log format: must be text or json")
	}
}
