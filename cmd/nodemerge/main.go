// Command nodemerge merges proxy node lists from local files and remote
// subscriptions into a single Clash configuration.
//
// It takes no flags. Settings come from compiled-in defaults, an optional
// YAML file named by NODEMERGE_CONFIG and NODEMERGE_* environment variables
// (a .env file in the working directory is loaded first).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/John-Robertt/nodemerge/internal/config"
	"github.com/John-Robertt/nodemerge/internal/logger"
	"github.com/John-Robertt/nodemerge/internal/pipeline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx)
	stop()
	os.Exit(code)
}

// run returns the process exit code: 0 when an output file was written,
// 1 when the merge produced nothing or failed, 2 on bad configuration.
func run(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodemerge: %v\n", err)
		return 2
	}

	log, closeLog, err := logger.Setup(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodemerge: %v\n", err)
		return 2
	}
	defer func() { _ = closeLog() }()

	if _, err := pipeline.Run(ctx, pipeline.OptionsFromConfig(cfg, log)); err != nil {
		log.Error("merge failed", "error", err)
		return 1
	}
	return 0
}
