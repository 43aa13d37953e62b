/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	cfg "stash.kopano.io/kwm/kwmcall/config"
)

var logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.TextFormatter{DisableColors: true},
	Level:     logrus.DebugLevel,
}

func newTestServer(ctx context.Context, t *testing.T) (*httptest.Server, *Server, http.Handler, *cfg.Config) {
	config := &cfg.Config{
		Logger: logger,
	}

	server, err := NewServer(config)
	if err != nil {
		t.Fatal(err)
	}
	router := mux.NewRouter()
	server.AddRoutes(ctx, router, alice.New())

	s := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		router.ServeHTTP(rw, req)
	}))

	return s, server, router, config
}

func TestNewTestServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	httpServer, _, _, _ := newTestServer(ctx, t)
	httpServer.Close()
}

func TestWithMetricsLogsRequests(t *testing.T) {
	requestLogger, hook := test.NewNullLogger()
	requestLogger.SetLevel(logrus.DebugLevel)

	server, err := NewServer(&cfg.Config{
		Logger:     requestLogger,
		RequestLog: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	router := mux.NewRouter()
	server.AddRoutes(context.Background(), router, alice.New(server.WithMetrics))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health-check", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}

	// The timing callback may run after the handler returned.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if entry := hook.LastEntry(); entry != nil {
			if entry.Message != "HTTP request complete" {
				t.Errorf("unexpected message %q", entry.Message)
			}
			if entry.Data["path"] != "/health-check" || fmt.Sprint(entry.Data["status"]) != "200" {
				t.Errorf("unexpected fields %v", entry.Data)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request was not logged")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewSession(t *testing.T) {
	relayURL, _ := url.Parse("http://127.0.0.1:8778/api/kwm/v0/relay")

	server, err := NewServer(&cfg.Config{
		Logger:   logger,
		RelayURL: relayURL,
		SelfID:   "A",
		Room:     "room1",
		Audio:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	session, relayc, err := server.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	if session.SelfID() != "A" {
		t.Errorf("unexpected self id %q", session.SelfID())
	}
	if relayc.Connected() {
		t.Error("relay must not be connected before it runs")
	}
}

func TestNewSessionRequiresSettings(t *testing.T) {
	relayURL, _ := url.Parse("ws://127.0.0.1:8778/relay")

	for name, config := range map[string]*cfg.Config{
		"no relay url": {Logger: logger, SelfID: "A"},
		"no self id":   {Logger: logger, RelayURL: relayURL},
	} {
		server, err := NewServer(config)
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err = server.NewSession(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
