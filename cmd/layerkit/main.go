// Command layerkit trains layer chains on synthetic data across
// in-process ranks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
)

const version = "v0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "layerkit:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stdout)
		return nil
	}
	switch args[0] {
	case "version":
		fmt.Fprintf(stdout, "layerkit %s\n", version)
		return nil
	case "train":
		return runTrain(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	default:
		usage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runTrain(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "YAML run configuration (defaults when empty)")
	verbose := fs.Bool("v", false, "debug logging")
	ranks := fs.Int("ranks", 0, "override the number of ranks")
	epochs := fs.Int("epochs", 0, "override the number of epochs")
	ckpt := fs.String("checkpoint", "", "override the checkpoint path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := DefaultRunConfig()
	if *path != "" {
		var err error
		if cfg, err = LoadRunConfig(*path); err != nil {
			return err
		}
	}
	if *ranks > 0 {
		cfg.Ranks = *ranks
	}
	if *epochs > 0 {
		cfg.Epochs = *epochs
	}
	if *ckpt != "" {
		cfg.Checkpoint = *ckpt
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	logger.Info("training", "ranks", cfg.Ranks, "epochs", cfg.Epochs, "minibatch", cfg.Minibatch,
		"optimizer", cfg.Optimizer.Kind, "device", cfg.Device)
	return train(ctx, cfg, logger, stdout)
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "layerkit %s\n\n", version)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  version                 Show version")
	fmt.Fprintln(w, "  train [-config run.yaml] [-ranks n] [-epochs n] [-checkpoint path] [-v]")
	fmt.Fprintln(w, "                          Train on synthetic data")
}
