package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"

	"github.com/JakeFAU/site-archiver/internal/config"
	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/server"
)

func main() {
	if err := NewMain().Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// CLI is the command line surface.
type CLI struct {
	Config string `short:"c" type:"path" help:"Path to a YAML config file. Environment variables (ARCHIVER_*) override it."`
	URL    string `name:"url" short:"u" help:"Archive one site, print the finished job as JSON and exit."`
}

// Main represents the program.
type Main struct{}

// NewMain returns a new instance of Main with defaults.
func NewMain() *Main {
	return &Main{}
}

// ErrJobFailed is returned when a one-shot archive ends in the failed state.
var ErrJobFailed = errors.New("archive job failed")

// Run executes the CLI with the given arguments.
func (m *Main) Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cli := &CLI{}
	parser, err := kong.New(cli,
		kong.Name("archiver"),
		kong.Description("Crawl a site and archive every page as PDF."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(int) {}),
	)
	if err != nil {
		return fmt.Errorf("failed to create parser: %w", err)
	}

	if len(args) == 1 && (args[0] == "--help" || args[0] == "-h") {
		_, _ = parser.Parse([]string{"--help"})
		return nil
	}
	if _, err := parser.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	if cli.URL == "" {
		return app.Run(ctx)
	}
	defer app.Close(context.WithoutCancel(ctx)) //nolint:errcheck // best-effort cleanup

	job, runErr := app.RunOnce(ctx, cli.URL)
	if job.ID == "" {
		return runErr
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	if job.Status != crawler.JobStatusCompleted {
		return fmt.Errorf("%w: %s", ErrJobFailed, job.Error)
	}
	return nil
}
