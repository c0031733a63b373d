package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/docingest"
	"github.com/poiesic/docingest/config"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/ingestion"
	"github.com/poiesic/docingest/reembed"
)

func openSystem(c *cli.Context) (*docingest.System, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	sys, err := docingest.Open(c.Context, cfg, docingest.WithLogger(slog.Default()))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Storage.DataDir, err)
	}
	return sys, nil
}

func workerCommand(c *cli.Context) error {
	sys, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	ctx, stop := interruptible(c.Context)
	defer stop()

	var opts []ingestion.Option
	if c.IsSet("workers") {
		opts = append(opts, ingestion.WithWorkers(c.Int("workers")))
	}

	err = sys.Run(ctx, opts...)
	if errors.Is(err, ingestion.ErrInfrastructureLost) {
		slog.Error("workers stopped", "err", err)
		return cli.Exit(err.Error(), 2)
	}
	return err
}

func submitCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("at least one source reference is required")
	}
	format, err := parseFormat(c.String("format"))
	if err != nil {
		return err
	}

	sys, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	var failed int
	for _, ref := range c.Args().Slice() {
		receipt, err := sys.Submit(c.Context, ref, format)
		if err != nil {
			failed++
			fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", ref, err)
			continue
		}
		note := ""
		if receipt.Duplicate {
			note = " (already queued)"
		}
		fmt.Fprintf(c.App.Writer, "%s\tjob=%s\tdocument=%s%s\n", ref, receipt.JobID, receipt.DocumentID, note)
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d submissions failed", failed, c.NArg()), 1)
	}
	return nil
}

func statusCommand(c *cli.Context) error {
	jobID, err := requireArg(c, "job id")
	if err != nil {
		return err
	}
	sys, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	report, err := sys.JobStatus(c.Context, jobID)
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, report)
}

func cancelCommand(c *cli.Context) error {
	jobID, err := requireArg(c, "job id")
	if err != nil {
		return err
	}
	sys, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	report, err := sys.Cancel(c.Context, jobID)
	if err != nil {
		return err
	}
	if report.Status == core.StatusCancelled {
		fmt.Fprintf(c.App.Writer, "%s cancelled\n", jobID)
	} else if report.Status.Terminal() {
		fmt.Fprintf(c.App.Writer, "%s already %s\n", jobID, report.Status)
	} else {
		fmt.Fprintf(c.App.Writer, "%s is %s; it stops at the next stage boundary\n", jobID, report.Status)
	}
	return nil
}

func deadLettersListCommand(c *cli.Context) error {
	sys, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	records, err := sys.DeadLetters(c.Context)
	if err != nil {
		return err
	}
	return writeDeadLetters(c.App.Writer, records)
}

func writeDeadLetters(w io.Writer, records []*core.DeadLetterRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No dead letters")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tDOCUMENT\tATTEMPTS\tLAST FAILURE\tREPLAYABLE\tDEAD-LETTERED")
	for _, rec := range records {
		last := "-"
		if n := len(rec.Failures); n > 0 {
			f := rec.Failures[n-1]
			last = fmt.Sprintf("%s/%s", f.Stage, f.Kind)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\t%s\n",
			rec.Job.ID, rec.Job.SourceRef, rec.Job.AttemptCount, last, rec.CanReplay,
			rec.DeadLetteredAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func deadLettersShowCommand(c *cli.Context) error {
	jobID, err := requireArg(c, "job id")
	if err != nil {
		return err
	}
	sys, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	rec, err := sys.DeadLetter(c.Context, jobID)
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Job:        %s\n", rec.Job.ID)
	fmt.Fprintf(w, "Document:   %s\n", rec.Job.DocumentID)
	fmt.Fprintf(w, "Source:     %s\n", rec.Job.SourceRef)
	fmt.Fprintf(w, "Attempts:   %d\n", rec.Job.AttemptCount)
	fmt.Fprintf(w, "Replayable: %t\n", rec.CanReplay)
	fmt.Fprintf(w, "Failures:\n")
	for _, f := range rec.Failures {
		fmt.Fprintf(w, "  #%d %s %s %s: %s\n", f.Attempt, f.Timestamp.Format(time.RFC3339), f.Stage, f.Kind, f.Message)
	}
	return nil
}

func deadLettersReplayCommand(c *cli.Context) error {
	jobID, err := requireArg(c, "job id")
	if err != nil {
		return err
	}
	sys, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	report, err := sys.Replay(c.Context, jobID, c.Bool("force"))
	if errors.Is(err, docingest.ErrNotReplayable) {
		return fmt.Errorf("%w (use --force to replay anyway)", err)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s requeued (%s)\n", jobID, report.Status)
	return nil
}

func statsCommand(c *cli.Context) error {
	sys, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	stats, err := sys.Stats(c.Context, time.Now().Add(-c.Duration("since")))
	if err != nil {
		return err
	}
	depth, err := sys.QueueDepth(c.Context)
	if err != nil {
		return err
	}
	writeStats(c.App.Writer, stats, depth)
	return nil
}

func writeStats(w io.Writer, stats *core.IngestionStats, depth int) {
	fmt.Fprintf(w, "Since:           %s\n", stats.Since.Format(time.RFC3339))
	fmt.Fprintf(w, "Queue depth:     %d\n", depth)
	fmt.Fprintf(w, "Ingestions:      %d\n", stats.TotalIngestions)
	fmt.Fprintf(w, "  completed:     %d\n", stats.Completed)
	fmt.Fprintf(w, "  dead-lettered: %d\n", stats.DeadLettered)
	fmt.Fprintf(w, "  cancelled:     %d\n", stats.Cancelled)
	fmt.Fprintf(w, "Success rate:    %.1f%%\n", stats.SuccessRate())
	fmt.Fprintf(w, "Chunks:          %d\n", stats.TotalChunks)
	fmt.Fprintf(w, "Vectors:         %d\n", stats.TotalVectors)
	fmt.Fprintf(w, "Avg processing:  %s\n", stats.AvgProcessingTime.Round(time.Millisecond))
}

func healthCommand(c *cli.Context) error {
	sys, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	checks := sys.Health(c.Context)
	for _, h := range checks {
		state := "ok"
		if !h.Healthy {
			state = "FAIL " + h.Error
		}
		fmt.Fprintf(c.App.Writer, "%-10s %-6s %s\n", h.Name, h.Latency.Round(time.Microsecond), state)
	}
	if !docingest.Healthy(checks) {
		return cli.Exit("unhealthy", 1)
	}
	return nil
}

func searchCommand(c *cli.Context) error {
	query, err := requireArg(c, "query")
	if err != nil {
		return err
	}
	sys, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	results, err := sys.Search(c.Context, query, c.Int("hits"))
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(c.App.Writer, "No results found")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(c.App.Writer, "%d. [%.3f] %s #%d\n   %s\n\n",
			i+1, r.Score, r.Chunk.DocumentID, r.Chunk.Position, r.Chunk.Text)
	}
	return nil
}

func reembedCommand(c *cli.Context) error {
	rc := &reembed.Config{
		BatchSize:      c.Int("batch-size"),
		ReportInterval: c.Int("report-interval"),
		MaxRetries:     c.Int("max-retries"),
		RetryDelay:     c.Duration("retry-delay"),
		Force:          c.Bool("force"),
	}
	if rc.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	if rc.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be greater than 0")
	}
	if rc.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be greater than 0")
	}

	sys, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	ctx, stop := interruptible(c.Context)
	defer stop()

	fmt.Fprintf(c.App.ErrWriter, "Data directory: %s\n", sys.Config().Storage.DataDir)
	fmt.Fprintf(c.App.ErrWriter, "Embedding model: %s\n\n", sys.Embedder().Model())

	if _, err := sys.Reembed(ctx, rc, c.App.ErrWriter); err != nil {
		return fmt.Errorf("reembedding failed: %w", err)
	}
	return nil
}

func configInitCommand(c *cli.Context) error {
	path := configPath(c)
	if _, err := os.Stat(path); err == nil && !c.Bool("overwrite") {
		return fmt.Errorf("%s exists (use --overwrite to replace it)", path)
	}
	cfg := config.Default(config.WithDataDir(c.String("data-dir")))
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// interruptible returns ctx cancelled on SIGINT or SIGTERM.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
