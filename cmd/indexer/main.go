package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/kamkaz1/mini-rag-reranker/internal/bootstrap"
	"github.com/kamkaz1/mini-rag-reranker/internal/config"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
	"github.com/kamkaz1/mini-rag-reranker/internal/observability/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(cfg).RunContext(ctx, os.Args); err != nil {
		slog.Error("indexer failed", "error", err)
		os.Exit(1)
	}
}

func newApp(cfg config.Config) *cli.App {
	return &cli.App{
		Name:  "indexer",
		Usage: "Build and publish retrieval index snapshots",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   cfg.LogLevel,
			},
		},
		Before: func(c *cli.Context) error {
			slog.SetDefault(logging.New(os.Stderr, "indexer", c.String("log-level"), cfg.LogFormat))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "build",
				Usage:  "Extract, chunk and embed the corpus into a new published snapshot",
				Action: func(c *cli.Context) error { return buildCommand(c, cfg) },
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "docs",
						Usage: "Directory holding the source documents",
						Value: cfg.DocsDir,
					},
					&cli.StringFlag{
						Name:  "sources",
						Usage: "Source manifest (YAML or JSON)",
						Value: cfg.SourcesFile,
					},
					&cli.IntFlag{
						Name:  "chunk-words",
						Usage: "Words per chunk",
						Value: cfg.ChunkWords,
					},
					&cli.IntFlag{
						Name:  "overlap-words",
						Usage: "Words shared by consecutive chunks",
						Value: cfg.ChunkOverlapWords,
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Chunks per embedding request",
						Value: cfg.EmbedBatchSize,
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent document extractions",
						Value: cfg.ExtractWorkers,
					},
					&cli.StringFlag{
						Name:  "pushgateway",
						Usage: "Pushgateway URL for build metrics (empty disables)",
						Value: cfg.PushgatewayURL,
					},
				},
			},
			{
				Name:   "publish",
				Usage:  "Serve an existing snapshot again",
				Action: func(c *cli.Context) error { return publishCommand(c, cfg) },
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "version",
						Usage:    "Snapshot version to publish",
						Required: true,
					},
				},
			},
			{
				Name:   "stats",
				Usage:  "Show the latest published snapshot",
				Action: func(c *cli.Context) error { return statsCommand(c, cfg) },
			},
			{
				Name:   "list",
				Usage:  "List recent snapshots",
				Action: func(c *cli.Context) error { return listCommand(c, cfg) },
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of snapshots",
						Value: 20,
					},
				},
			},
			{
				Name:   "compare",
				Usage:  "Ask the same questions in baseline and reranked mode and report the difference",
				Action: func(c *cli.Context) error { return compareCommand(c, cfg) },
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "question",
						Aliases: []string{"q"},
						Usage:   "Question to ask (repeatable, defaults to the built-in safety questions)",
					},
					&cli.IntFlag{
						Name:  "k",
						Usage: "Contexts per answer",
						Value: 10,
					},
					&cli.StringFlag{
						Name:  "format",
						Usage: "Output format (text or json)",
						Value: "text",
					},
				},
			},
		},
	}
}

func buildCommand(c *cli.Context, cfg config.Config) error {
	cfg.DocsDir = c.String("docs")
	cfg.SourcesFile = c.String("sources")
	cfg.ChunkWords = c.Int("chunk-words")
	cfg.ChunkOverlapWords = c.Int("overlap-words")
	cfg.EmbedBatchSize = c.Int("batch-size")
	cfg.ExtractWorkers = c.Int("workers")

	app, err := bootstrap.NewIndexer(c.Context, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer app.Close()

	start := time.Now()
	info, buildErr := app.BuildUC.Build(c.Context)
	chunks := 0
	if info != nil {
		chunks = info.ChunkCount
	}
	app.Metrics.RecordBuild(time.Since(start), chunks, buildErr)

	if gateway := c.String("pushgateway"); gateway != "" {
		if err := app.Metrics.Push(c.Context, gateway, "mini_rag_indexer"); err != nil {
			slog.Warn("push build metrics failed", "error", err)
		}
	}
	if buildErr != nil {
		return buildErr
	}
	return printJSON(c.App.Writer, info)
}

func publishCommand(c *cli.Context, cfg config.Config) error {
	app, err := bootstrap.NewIndexer(c.Context, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer app.Close()

	info, err := app.BuildUC.Publish(c.Context, c.String("version"))
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, info)
}

func statsCommand(c *cli.Context, cfg config.Config) error {
	app, err := bootstrap.NewIndexer(c.Context, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer app.Close()

	info, err := app.Repo.LatestPublished(c.Context)
	if err != nil {
		return fmt.Errorf("latest snapshot: %w", err)
	}
	return printJSON(c.App.Writer, info)
}

func listCommand(c *cli.Context, cfg config.Config) error {
	app, err := bootstrap.NewIndexer(c.Context, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer app.Close()

	infos, err := app.Repo.ListSnapshots(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	if infos == nil {
		infos = []domain.SnapshotInfo{}
	}
	return printJSON(c.App.Writer, infos)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
