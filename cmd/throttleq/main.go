package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"throttleq/internal/app"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type options struct {
	Config      string        `short:"c" long:"config" env:"THROTTLEQ_CONFIG" default:"./config.yaml" description:"Path to config file (yaml or json)"`
	Once        bool          `long:"once" env:"THROTTLEQ_ONCE" description:"Run every job once, wait for the queue to drain and exit"`
	StopTimeout time.Duration `long:"stop-timeout" env:"THROTTLEQ_STOP_TIMEOUT" default:"10s" description:"Upper bound for graceful shutdown"`
	Version     bool          `short:"v" long:"version" description:"Print version and exit"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}
	if opts.Version {
		fmt.Println("throttleq", cmp.Or(Version, "unknown"))
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, opts.Config)
	if err != nil {
		return err
	}

	var runErr error
	if opts.Once {
		runErr = a.RunOnce(ctx)
	} else {
		if err := a.Start(ctx); err != nil {
			runErr = fmt.Errorf("start: %w", err)
		} else {
			select {
			case <-ctx.Done():
			case <-a.Done():
				runErr = a.Err()
			}
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), opts.StopTimeout)
	defer stopCancel()
	return errors.Join(runErr, a.Stop(stopCtx))
}
