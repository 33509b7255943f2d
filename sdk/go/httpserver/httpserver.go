// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// Server is an http.Server that listens on Addr when started and
// can be stopped without exiting the process.
type Server struct {
	http.Server
	Addr string // host:port; updated by Start to the actual listening address.

	listener *net.TCPListener
	done     chan struct{}
	err      error
	wantDown atomic.Bool
}

// Start listens on Addr and starts serving in a background
// goroutine. When Start returns, Addr is the address actually
// listened on, so ":0" can be used to pick a free port.
func (srv *Server) Start() error {
	addr, err := net.ResolveTCPAddr("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.listener, err = net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	srv.Addr = srv.listener.Addr().String()
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		err := srv.Serve(tcpKeepAliveListener{srv.listener})
		if !srv.wantDown.Load() && !errors.Is(err, http.ErrServerClosed) {
			srv.err = err
		}
	}()
	return nil
}

// Close stops accepting connections and returns when the server has
// stopped. Requests in progress are not interrupted.
func (srv *Server) Close() error {
	srv.wantDown.Store(true)
	srv.listener.Close()
	return srv.Wait()
}

// Shutdown stops accepting connections and waits for requests in
// progress to finish. If ctx is done first, remaining connections
// are closed and ctx's error is returned.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.wantDown.Store(true)
	err := srv.Server.Shutdown(ctx)
	if err != nil {
		srv.Server.Close()
	}
	if werr := srv.Wait(); err == nil {
		err = werr
	}
	return err
}

// Wait returns when the server has stopped.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	return srv.err
}

type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}
