/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"stash.kopano.io/kwm/kwmcall/internal/bpool"
	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

const (
	websocketMaxMessageSize = 1048576
	websocketPingInterval   = 30 * time.Second
	websocketWriteTimeout   = 10 * time.Second

	defaultReconnectInterval = 1 * time.Second
	defaultSendQueueSize     = 256
)

// ErrSendQueueFull is returned by Send when messages are produced faster than
// they can be written.
var ErrSendQueueFull = errors.New("send queue full")

// A Handler receives all messages from the relay.
type Handler interface {
	HandleMessage(envelope *signaling.Envelope) error
}

// Config defines the settings of a Client.
type Config struct {
	Logger     logrus.FieldLogger
	HTTPClient *http.Client

	URL *url.URL

	ReconnectInterval time.Duration
	SendQueueSize     int
}

// Client exchanges signaling messages with a websocket relay. It keeps
// reconnecting until its Run context is done.
type Client struct {
	deadlock.RWMutex

	logger logrus.FieldLogger
	config *Config

	uri  string
	send chan []byte

	connected bool
}

// NewClient creates a Client with the provided config.
func NewClient(config *Config) (*Client, error) {
	if config.URL == nil {
		return nil, errors.New("relay url is required")
	}
	uri, err := asWebsocketURL(config.URL)
	if err != nil {
		return nil, err
	}

	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = defaultReconnectInterval
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = defaultSendQueueSize
	}

	return &Client{
		logger: config.Logger.WithField("relay", uri),
		config: config,

		uri:  uri,
		send: make(chan []byte, config.SendQueueSize),
	}, nil
}

// Send encodes and queues a message. It never blocks.
func (c *Client) Send(messageType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", messageType, err)
	}

	b := bpool.Get()
	defer bpool.Put(b)
	if err = json.NewEncoder(b).Encode(&signaling.Envelope{
		Type: messageType,
		Data: data,
	}); err != nil {
		return fmt.Errorf("failed to encode %s message: %w", messageType, err)
	}
	message := make([]byte, b.Len())
	copy(message, b.Bytes())

	select {
	case c.send <- message:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Connected reports whether the relay connection is currently established.
func (c *Client) Connected() bool {
	c.RLock()
	defer c.RUnlock()
	return c.connected
}

func (c *Client) setConnected(connected bool) {
	c.Lock()
	c.connected = connected
	c.Unlock()
}

// Run connects to the relay and dispatches received messages to handler. It
// reconnects when the connection is lost and returns when ctx is done.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	logger := c.logger
	for {
		logger.Infoln("connecting to relay")
		err := c.serve(ctx, handler) // This blocks.
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warnln("relay connection stopped with error, restart scheduled")
		}
		select {
		case <-ctx.Done():
			logger.Debugln("relay client stopped")
			return nil
		case <-time.After(c.config.ReconnectInterval):
			logger.Infoln("reconnecting to relay")
			// breaks and continues.
		}
	}
}

func (c *Client) serve(ctx context.Context, handler Handler) error {
	wsCtx, wsCancel := context.WithCancel(ctx)
	defer wsCancel()

	options := &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
	}
	ws, _, err := websocket.Dial(wsCtx, c.uri, options)
	if err != nil {
		return fmt.Errorf("failed to connect relay websocket: %w", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	ws.SetReadLimit(websocketMaxMessageSize)

	c.setConnected(true)
	defer c.setConnected(false)
	c.logger.Infoln("relay connection established")

	errCh := make(chan error, 2)
	go func() {
		errCh <- c.writePump(wsCtx, ws)
	}()
	go func() {
		errCh <- c.readPump(wsCtx, ws, handler)
	}()

	err = <-errCh // First one wins.
	wsCancel()

	return err
}

func (c *Client) readPump(ctx context.Context, ws *websocket.Conn, handler Handler) error {
	var mt websocket.MessageType
	var reader io.Reader
	var b *bytes.Buffer
	var err error
	for {
		mt, reader, err = ws.Reader(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.logger.WithField("status_code", websocket.CloseStatus(err)).Debugln("relay connection close")
				return errors.New("relay closed connection")
			}
			return fmt.Errorf("relay connection failed to get reader: %w", err)
		}

		b = bpool.Get()
		if _, err = b.ReadFrom(reader); err != nil {
			bpool.Put(b)
			return err
		}

		switch mt {
		case websocket.MessageText:
		default:
			bpool.Put(b)
			c.logger.WithField("message_type", mt).Warnln("relay connection received unknown websocket message type")
			continue
		}

		envelope, decodeErr := signaling.Decode(b.Bytes())
		bpool.Put(b)
		if decodeErr != nil {
			c.logger.WithError(decodeErr).Warnln("relay connection websocket message parse error")
			continue
		}

		if err = handler.HandleMessage(envelope); err != nil {
			// Routing noise, nothing to do.
			c.logger.WithError(err).WithField("type", envelope.Type).Debugln("dropped relay message")
		}
	}
}

func (c *Client) writePump(ctx context.Context, ws *websocket.Conn) error {
	ticker := time.NewTicker(websocketPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case message := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, websocketWriteTimeout)
			err := ws.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to write to relay websocket: %w", err)
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, websocketWriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to communicate with relay websocket: %w", err)
			}
		}
	}
}

func asWebsocketURL(uri *url.URL) (string, error) {
	u := *uri
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme: %q", u.Scheme)
	}

	return u.String(), nil
}
