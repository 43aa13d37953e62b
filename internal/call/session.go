/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

// Errors returned by Session.
var (
	ErrSessionClosed = errors.New("session closed")
	ErrNotFound      = errors.New("not found")
	ErrUnknownType   = errors.New("unknown message type")
)

// Config bundles the settings and collaborators of a Session.
type Config struct {
	Logger  logrus.FieldLogger
	Metrics prometheus.Registerer

	SelfID string
	Room   string

	// Media is the capture request used when a call is started without an
	// explicit request.
	Media Constraints

	Factory   Factory
	Transport Transport
	Source    MediaSource

	Clock func() time.Time
}

// Session manages the peer connections of one participant in one room. All
// state is owned by the loop started with Run.
type Session struct {
	logger  logrus.FieldLogger
	metrics *metricsCollector

	selfID string
	room   string

	factory   Factory
	transport Transport

	queue    *eventQueue
	registry *Registry
	media    *mediaController
	items    remoteItems

	ctx    context.Context
	active bool
}

// NewSession creates a Session from the provided config.
func NewSession(config *Config) (*Session, error) {
	if config.SelfID == "" {
		return nil, errors.New("self id is required")
	}
	if config.Factory == nil {
		return nil, errors.New("connection factory is required")
	}
	if config.Transport == nil {
		return nil, errors.New("transport is required")
	}

	logger := config.Logger
	if logger == nil {
		discard := logrus.New()
		discard.Out = io.Discard
		logger = discard
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Session{
		logger:  logger.WithField("self", config.SelfID),
		metrics: newMetricsCollector(config.Metrics),

		selfID: config.SelfID,
		room:   config.Room,

		factory:   config.Factory,
		transport: config.Transport,

		queue: newEventQueue(),
		ctx:   context.Background(),
	}
	s.registry = newRegistry(s.logger, s.metrics, func() int64 {
		return clock().UnixNano() / int64(time.Millisecond)
	}, s.connect)
	s.media = newMediaController(s, config.Source, config.Media)

	return s, nil
}

// SelfID returns the local participant id.
func (s *Session) SelfID() string {
	return s.selfID
}

// Run processes events until ctx is done. All records are removed before it
// returns.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	go func() {
		<-ctx.Done()
		s.queue.Close()
	}()

	s.logger.Debugln("session loop started")
	for {
		handler, ok := s.queue.Pop()
		if !ok {
			break
		}
		handler()
	}

	for _, record := range s.registry.Records() {
		s.registry.Remove(record.id)
	}
	s.updateRemoteItems()
	s.logger.Debugln("session loop stopped")

	return ctx.Err()
}

func (s *Session) post(handler func()) bool {
	return s.queue.Push(handler)
}

// invoke runs fn on the loop and waits for it to return.
func (s *Session) invoke(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !s.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMessage decodes an inbound envelope and queues it for processing.
// Decoding errors are returned, everything else is handled on the loop.
func (s *Session) HandleMessage(envelope *signaling.Envelope) error {
	var handler func()

	switch envelope.Type {
	case signaling.TypeCall, signaling.TypeJoin:
		message := &signaling.Call{}
		if err := json.Unmarshal(envelope.Data, message); err != nil {
			return fmt.Errorf("invalid %s message: %w", envelope.Type, err)
		}
		handler = func() { s.handleJoin(message) }

	case signaling.TypeDescription:
		message := &signaling.Description{}
		if err := json.Unmarshal(envelope.Data, message); err != nil {
			return fmt.Errorf("invalid description message: %w", err)
		}
		handler = func() { s.handleDescription(message) }

	case signaling.TypeCandidate:
		message := &signaling.Candidate{}
		if err := json.Unmarshal(envelope.Data, message); err != nil {
			return fmt.Errorf("invalid candidate message: %w", err)
		}
		handler = func() { s.handleCandidate(message) }

	case signaling.TypeHangup:
		message := &signaling.Hangup{}
		if err := json.Unmarshal(envelope.Data, message); err != nil {
			return fmt.Errorf("invalid hangup message: %w", err)
		}
		handler = func() { s.handleHangup(message) }

	default:
		return fmt.Errorf("%w: %s", ErrUnknownType, envelope.Type)
	}

	if !s.post(handler) {
		return ErrSessionClosed
	}
	return nil
}

// StartCall activates the session, captures local media and announces the
// call to the room. A nil request uses the configured default.
func (s *Session) StartCall(constraints *Constraints) error {
	if !s.post(func() {
		s.startCall(constraints)
	}) {
		return ErrSessionClosed
	}
	return nil
}

// Hangup deactivates the session and removes all records.
func (s *Session) Hangup() error {
	if !s.post(s.hangup) {
		return ErrSessionClosed
	}
	return nil
}

// StartCapture returns the local stream, capturing it if needed.
func (s *Session) StartCapture(ctx context.Context, constraints Constraints) (Stream, error) {
	type result struct {
		stream Stream
		err    error
	}
	ch := make(chan result, 1)
	if !s.post(func() {
		s.media.startCapture(constraints, func(stream Stream, err error) {
			ch <- result{stream, err}
		})
	}) {
		return nil, ErrSessionClosed
	}
	select {
	case r := <-ch:
		return r.stream, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Active reports whether a call was started and not hung up.
func (s *Session) Active(ctx context.Context) (bool, error) {
	var active bool
	err := s.invoke(ctx, func() {
		active = s.active
	})
	return active, err
}

// RemoteItems returns the latest remote items snapshot.
func (s *Session) RemoteItems() []*RemoteItem {
	return s.items.get()
}

// OnRemoteItems registers a callback which receives every new remote items
// snapshot. Callbacks run on the session loop and must not block.
func (s *Session) OnRemoteItems(subscriber func([]*RemoteItem)) {
	s.items.subscribe(subscriber)
}

// Records returns summaries of all records ordered by remote id.
func (s *Session) Records(ctx context.Context) ([]*Summary, error) {
	var summaries []*Summary
	err := s.invoke(ctx, func() {
		records := s.registry.Records()
		summaries = make([]*Summary, 0, len(records))
		for _, record := range records {
			summaries = append(summaries, record.summary())
		}
	})
	return summaries, err
}

// Record returns the summary of the record for remoteID.
func (s *Session) Record(ctx context.Context, remoteID string) (*Summary, error) {
	var summary *Summary
	err := s.invoke(ctx, func() {
		if record := s.registry.Get(remoteID); record != nil {
			summary = record.summary()
		}
	})
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, ErrNotFound
	}
	return summary, nil
}

// connect creates the connection for a new record. Its events are posted to
// the loop with the record they belong to.
func (s *Session) connect(record *Record) (Connection, error) {
	return s.factory.NewConnection(record.id, func(event interface{}) {
		s.post(func() {
			s.handleConnectionEvent(record, event)
		})
	})
}

// getOrCreate wraps the registry and attaches the local stream to records it
// creates.
func (s *Session) getOrCreate(remoteID string) (*Record, bool, error) {
	record, created, err := s.registry.GetOrCreate(remoteID)
	if err != nil {
		return nil, false, err
	}
	if created {
		if attachErr := s.media.attach(record); attachErr != nil {
			s.logger.WithError(attachErr).WithField("remote", remoteID).Warnln("failed to attach local stream to new peer connection")
		}
	}
	return record, created, nil
}

func (s *Session) remove(remoteID string) {
	if s.registry.Remove(remoteID) != nil {
		s.updateRemoteItems()
	}
}

func (s *Session) updateRemoteItems() {
	s.items.update(computeRemoteItems(s.registry.Records()))
}

func (s *Session) send(messageType string, payload interface{}) {
	if err := s.transport.Send(messageType, payload); err != nil {
		s.logger.WithError(err).WithField("type", messageType).Errorln("failed to send signaling message")
	}
}
