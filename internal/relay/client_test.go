/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

var logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.TextFormatter{DisableColors: true},
	Level:     logrus.DebugLevel,
}

type recordingHandler struct {
	envelopes chan *signaling.Envelope
}

func (h *recordingHandler) HandleMessage(envelope *signaling.Envelope) error {
	h.envelopes <- envelope
	return nil
}

// testRelay accepts websocket connections, greets each with a call message
// and records everything it receives.
type testRelay struct {
	sync.Mutex

	connections int
	received    chan []byte
	closeFirst  bool
}

func (relay *testRelay) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	ws, err := websocket.Accept(rw, req, nil)
	if err != nil {
		return
	}
	defer ws.Close(websocket.StatusInternalError, "")

	relay.Lock()
	relay.connections++
	count := relay.connections
	relay.Unlock()

	greeting, _ := signaling.Encode(signaling.TypeCall, &signaling.Call{From: "B"})
	if err = ws.Write(req.Context(), websocket.MessageText, greeting); err != nil {
		return
	}
	if relay.closeFirst && count == 1 {
		ws.Close(websocket.StatusGoingAway, "bye")
		return
	}

	for {
		_, b, readErr := ws.Read(req.Context())
		if readErr != nil {
			return
		}
		relay.received <- b
	}
}

func (relay *testRelay) count() int {
	relay.Lock()
	defer relay.Unlock()
	return relay.connections
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	uri, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	client, err := NewClient(&Config{
		Logger:            logger,
		URL:               uri,
		ReconnectInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func TestClientExchangesMessages(t *testing.T) {
	relay := &testRelay{received: make(chan []byte, 10)}
	server := httptest.NewServer(relay)
	defer server.Close()

	client := newTestClient(t, server)
	handler := &recordingHandler{envelopes: make(chan *signaling.Envelope, 10)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, handler)
	}()

	select {
	case envelope := <-handler.envelopes:
		if envelope.Type != signaling.TypeCall {
			t.Errorf("unexpected message type %q", envelope.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for relay message")
	}
	if !client.Connected() {
		t.Error("client not connected")
	}

	if err := client.Send(signaling.TypeHangup, &signaling.Hangup{From: "A"}); err != nil {
		t.Fatal(err)
	}
	select {
	case b := <-relay.received:
		envelope, err := signaling.Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		if envelope.Type != signaling.TypeHangup {
			t.Errorf("unexpected message type %q", envelope.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for sent message")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error from Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestClientReconnects(t *testing.T) {
	relay := &testRelay{received: make(chan []byte, 10), closeFirst: true}
	server := httptest.NewServer(relay)
	defer server.Close()

	client := newTestClient(t, server)
	handler := &recordingHandler{envelopes: make(chan *signaling.Envelope, 10)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx, handler)

	for i := 0; i < 2; i++ {
		select {
		case <-handler.envelopes:
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for greeting %d", i+1)
		}
	}
	if count := relay.count(); count < 2 {
		t.Errorf("expected a reconnect, got %d connections", count)
	}
}

func TestClientSendQueueFull(t *testing.T) {
	uri, _ := url.Parse("http://127.0.0.1:1/relay")
	client, err := NewClient(&Config{
		Logger:        logger,
		URL:           uri,
		SendQueueSize: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err = client.Send(signaling.TypeHangup, &signaling.Hangup{From: "A"}); err != nil {
		t.Fatal(err)
	}
	if err = client.Send(signaling.TypeHangup, &signaling.Hangup{From: "A"}); !errors.Is(err, ErrSendQueueFull) {
		t.Errorf("expected ErrSendQueueFull, got %v", err)
	}
}

func TestAsWebsocketURL(t *testing.T) {
	for in, want := range map[string]string{
		"http://relay.example/ws":  "ws://relay.example/ws",
		"https://relay.example/ws": "wss://relay.example/ws",
		"wss://relay.example/ws":   "wss://relay.example/ws",
	} {
		uri, _ := url.Parse(in)
		got, err := asWebsocketURL(uri)
		if err != nil || got != want {
			t.Errorf("%s: got %q, %v", in, got, err)
		}
	}
	uri, _ := url.Parse("ftp://relay.example")
	if _, err := asWebsocketURL(uri); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}
