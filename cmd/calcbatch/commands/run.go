package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"batch-calc-engine/internal/config"
	"batch-calc-engine/internal/database"
	"batch-calc-engine/internal/export"
	"batch-calc-engine/internal/logger"
	"batch-calc-engine/internal/models"
)

type runOptions struct {
	calculatorType string
	inputPath      string
	outputPath     string
	format         string
	locale         string
	poolSize       int
	includeFailed  bool
	verbose        bool
}

func newRunCommand() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch locally from a JSON array of input records and export the results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			log := logger.NewWriter(cfg.AppEnv, cmd.ErrOrStderr())
			if !opts.verbose {
				log = log.Level(zerolog.WarnLevel)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if opts.outputPath != "" && opts.outputPath != "-" {
				f, err := os.Create(opts.outputPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return runBatch(ctx, cfg, log, opts, out, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.calculatorType, "calculator", "c", "compound-interest", "calculator type")
	cmd.Flags().StringVarP(&opts.inputPath, "input", "i", "", "path to a JSON array of input records")
	cmd.Flags().StringVarP(&opts.outputPath, "output", "o", "-", "export destination, - for stdout")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "csv", "export format (csv, json)")
	cmd.Flags().StringVar(&opts.locale, "locale", "de", "number locale for the export")
	cmd.Flags().IntVarP(&opts.poolSize, "pool-size", "p", 0, "concurrent records (0 for the default)")
	cmd.Flags().BoolVar(&opts.includeFailed, "include-failed", true, "include failed records in the export")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log engine activity")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func runBatch(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts runOptions, out, status io.Writer) error {
	tag, err := language.Parse(opts.locale)
	if err != nil {
		return fmt.Errorf("invalid locale %q: %w", opts.locale, err)
	}
	raw, err := os.ReadFile(opts.inputPath)
	if err != nil {
		return err
	}
	var inputs []json.RawMessage
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return fmt.Errorf("decode %s: expected a JSON array: %w", opts.inputPath, err)
	}

	controller := newController(database.NewMemoryStore(), cfg, log)
	defer controller.Shutdown(context.Background())

	id, err := controller.CreateJob(ctx, models.JobCreateRequest{
		OrganizationID: "local",
		Name:           opts.inputPath,
		CalculatorType: opts.calculatorType,
		PoolSize:       opts.poolSize,
		InputData:      inputs,
	})
	if err != nil {
		return err
	}

	finished := make(chan models.Status, 1)
	var once sync.Once
	stopWatch, err := controller.Watch(ctx, id,
		func(p models.JobProgress) {
			fmt.Fprintf(status, "\r%d/%d (%.1f%%)", p.Completed, p.Total, p.Percentage)
		},
		func(s models.Status) {
			if s.IsTerminal() {
				once.Do(func() { finished <- s })
			}
		})
	if err != nil {
		return err
	}
	defer stopWatch()

	if _, err := controller.StartJob(ctx, id); err != nil {
		return err
	}

	var final models.Status
	select {
	case final = <-finished:
	case <-ctx.Done():
		if _, err := controller.CancelJob(context.Background(), id); err != nil {
			return err
		}
		final = models.StatusCancelled
	}
	fmt.Fprintln(status)

	job, err := controller.GetJob(context.Background(), id)
	if err != nil {
		return err
	}
	doc, err := controller.ExportResults(context.Background(), id, opts.format, export.Options{Locale: tag, IncludeFailed: opts.includeFailed})
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, doc); err != nil {
		return err
	}
	fmt.Fprintf(status, "job %s %s: %d/%d records\n", id, final, job.Progress.Completed, job.Progress.Total)
	if final == models.StatusFailed {
		return fmt.Errorf("job failed: %s", job.ErrorMessage)
	}
	return nil
}
