package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"issuemirror/api/internal/util"
)

func main() {
	logger := util.NewLogger(nil, os.Getenv("LOG_LEVEL"), false)
	runner := NewRunner(logger)

	rootConfig := configFlag()
	rootConfig.Local = true

	app := &cli.Command{
		Name:     "issuemirror",
		Usage:    "Mirror a GitLab project's issues and stream changes to every open view",
		Version:  "0.1.0",
		Commands: runner.register(),
		// Without a subcommand the server starts.
		Action: runner.Serve,
		Flags:  []cli.Flag{rootConfig},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger.Fatalf("application error: %v", err)
	}
}
