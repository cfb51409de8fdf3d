package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/publisher"
	"github.com/JakeFAU/polite-fetch/internal/publisher/jsonl"
	"github.com/JakeFAU/polite-fetch/internal/server"
)

const stdoutTopic = "stdout"

// newFetchCmd creates the 'fetch' subcommand.
func newFetchCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "fetch [url...]",
		Short: "Fetches a list of URLs and exits",
		Long: `Fetches every URL given as an argument or listed in --file, one per
line, and prints one JSON result per URL to stdout. Use "-" as the file to
read from stdin. Exits once every request has finished.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), args, file, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one URL per line (- for stdin)")
	return cmd
}

func runFetch(ctx context.Context, args []string, file string, stdin io.Reader, stdout io.Writer) error {
	cfg, logger, err := resolve(ctx)
	if err != nil {
		return err
	}
	urls, err := collectURLs(args, file, stdin)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return errors.New("no urls given")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg, logger, server.Options{StopWhenDone: true})
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("failed to close application", zap.Error(cerr))
		}
	}()

	out := jsonl.New(stdout)
	submitted := 0
	for _, raw := range urls {
		req, err := crawler.NewRequest(raw, nil, app.Defaults())
		if err != nil {
			logger.Warn("skipping invalid url", zap.String("url", raw), zap.Error(err))
			if _, perr := out.Publish(ctx, stdoutTopic, publisher.Result{
				URL:      raw,
				Error:    err.Error(),
				Finished: app.Clock().Now().UTC(),
			}); perr != nil {
				return perr
			}
			continue
		}
		req.Handler = app.ResultHandler(ctx,
			publisher.Handler(ctx, out, stdoutTopic, app.Clock(), nil, logger.Named("output")))
		if err := app.Dispatcher().Submit(ctx, req); err != nil && !errors.Is(err, crawler.ErrDisallowed) {
			return fmt.Errorf("submit %s: %w", raw, err)
		}
		submitted++
	}
	if submitted == 0 {
		return nil
	}

	logger.Info("fetch started", zap.Int("urls", submitted))
	if err := app.Dispatcher().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run dispatcher: %w", err)
	}
	stats := app.Scheduler().Stats()
	logger.Info("fetch command finished",
		zap.Int("results", out.Lines()),
		zap.Int64("processed", stats.Processed),
		zap.Int64("remaining", stats.Remaining()),
	)
	return nil
}

// collectURLs merges positional arguments with the lines of file. Blank lines
// and lines starting with # are skipped.
func collectURLs(args []string, file string, stdin io.Reader) ([]string, error) {
	urls := append([]string(nil), args...)
	if file == "" {
		return urls, nil
	}
	var r io.Reader = stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}
