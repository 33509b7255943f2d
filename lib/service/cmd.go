// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/computefarm/lbas/lib/cmd"
	"github.com/computefarm/lbas/lib/config"
	"github.com/computefarm/lbas/sdk/go/ctxlog"
	"github.com/computefarm/lbas/sdk/go/httpserver"
	"github.com/computefarm/lbas/sdk/go/lbas"
	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// A handler that also implements Closer is closed after the http
// server has stopped.
type Closer interface {
	Close()
}

type NewHandlerFunc func(_ context.Context, _ *lbas.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads site config, calls
// newHandler with the loaded config, and brings up an http server
// with the returned handler.
//
// The service runs until the handler shuts itself down, or until
// SIGTERM or SIGINT, in which case requests in progress are given
// ShutdownTimeout to finish.
func Command(newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cluster, err := loader.Load()
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID": os.Getpid(),
	})
	ctx := ctxlog.Context(c.ctx, logger)

	reg := newRegistry()
	handler := c.newHandler(ctx, cluster, reg)
	if closer, ok := handler.(Closer); ok {
		defer closer.Close()
	}
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	srv := &httpserver.Server{
		Server: http.Server{
			Handler:     middleware(reg, logger, handler),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: cluster.Listen,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}

	sigctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()
	err = runUntilDone(sigctx, logger, srv, handler, time.Duration(cluster.ShutdownTimeout))
	if err != nil {
		return 1
	}
	return 0
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	// lbas_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lbas",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)
	return reg
}

// middleware adds X-Request-Id headers, request logging, and
// request metrics.
func middleware(reg *prometheus.Registry, logger logrus.FieldLogger, handler http.Handler) http.Handler {
	return httpserver.Instrument(reg, "lbas",
		httpserver.AddRequestIDs(
			httpserver.LogRequests(logger, handler)))
}

// runUntilDone waits for srv to fail, handler to shut itself down,
// or ctx to be done. In the last case it stops accepting requests
// and waits up to timeout for those in progress.
func runUntilDone(ctx context.Context, logger logrus.FieldLogger, srv *httpserver.Server, handler Handler, timeout time.Duration) error {
	served := make(chan error, 1)
	go func() { served <- srv.Wait() }()
	select {
	case err := <-served:
		return err
	case <-handler.Done():
		logger.Info("handler stopped, shutting down")
		return srv.Close()
	case <-ctx.Done():
	}
	logger.WithField("Timeout", timeout.String()).Info("shutting down, waiting for requests in progress")
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.WithError(err).Warn("closed connections with requests still in progress")
	}
	return nil
}
