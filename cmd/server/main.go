package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/chris-alexander-pop/msgbroker/pkg/config"
	"github.com/chris-alexander-pop/msgbroker/pkg/engine"
	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/chris-alexander-pop/msgbroker/pkg/session"
)

// appConfig layers the server's own listen address on top of the engine's
// broker configuration and the teacher's logger config, all loaded from the
// environment in one pass.
type appConfig struct {
	Host string `env:"SERVER_HOST" env-default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" env-default:"7070"`

	Engine engine.Config
	Log    logger.Config
}

func main() {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log)
	log := logger.L()

	eng, err := engine.New(cfg.Engine)
	if err != nil {
		log.Error("engine startup failed", "err", err)
		os.Exit(1)
	}
	defer eng.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("listen failed", "addr", addr, "err", err)
		os.Exit(1)
	}
	log.Info("server listening", "addr", addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go acceptLoop(ctx, ln, eng, log)

	<-ctx.Done()
	log.Info("shutting down")
	_ = ln.Close()
}

func acceptLoop(ctx context.Context, ln net.Listener, eng *engine.Engine, log interface {
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Error("accept failed", "err", err)
				return
			}
		}
		go session.Serve(conn, eng)
	}
}
