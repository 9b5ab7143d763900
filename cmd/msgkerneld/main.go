// Command msgkerneld boots a MessageSystem from a config file, starts the
// scheduler and (if enabled) the HTTP/WebSocket adapter, and blocks until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/thrasher-corp/msgkernel/config"
	"github.com/thrasher-corp/msgkernel/system"
	transporthttp "github.com/thrasher-corp/msgkernel/transport/http"
)

func main() {
	app := &cli.App{
		Name:                 "msgkerneld",
		Usage:                "run the message kernel as a standalone process",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "config file to load (yaml/json/toml); omit for defaults + env overrides",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sys, err := system.New(cfg)
	if err != nil {
		return fmt.Errorf("build system: %w", err)
	}
	defer sys.Stop()

	if err := sys.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	var httpSrv *http.Server
	if cfg.HTTP.Enabled {
		httpSrv = &http.Server{
			Addr:    cfg.HTTP.ListenAddress,
			Handler: transporthttp.New(sys),
		}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintln(os.Stderr, "http server:", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}
