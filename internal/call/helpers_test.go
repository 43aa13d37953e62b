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
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

var logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.TextFormatter{DisableColors: true},
	Level:     logrus.DebugLevel,
}

type fakeConnection struct {
	sync.Mutex

	id       string
	self     string
	remoteID string
	sink     EventSink

	offers        int
	offerOptions  []*OfferOptions
	local         []webrtc.SessionDescription
	remote        []webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	streams       []Stream
	closed        bool
	failAddStream error
}

func (c *fakeConnection) ID() string {
	return c.id
}

func (c *fakeConnection) CreateOffer(options *OfferOptions) (webrtc.SessionDescription, error) {
	c.Lock()
	defer c.Unlock()
	c.offers++
	c.offerOptions = append(c.offerOptions, options)
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer %s -> %s", c.self, c.remoteID),
	}, nil
}

func (c *fakeConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer %s -> %s", c.self, c.remoteID),
	}, nil
}

func (c *fakeConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	c.Lock()
	defer c.Unlock()
	c.local = append(c.local, description)
	return nil
}

func (c *fakeConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	c.Lock()
	defer c.Unlock()
	c.remote = append(c.remote, description)
	return nil
}

func (c *fakeConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.Lock()
	defer c.Unlock()
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConnection) AddStream(stream Stream) error {
	c.Lock()
	defer c.Unlock()
	if c.failAddStream != nil {
		return c.failAddStream
	}
	c.streams = append(c.streams, stream)
	return nil
}

func (c *fakeConnection) Close() error {
	c.Lock()
	c.closed = true
	c.Unlock()
	// Like the real engine, closing reports the closed state.
	c.sink(ICEStateEvent{State: ICEStateClosed})
	return nil
}

func (c *fakeConnection) emit(event interface{}) {
	c.sink(event)
}

func (c *fakeConnection) stats() (closed bool, candidates int, streams int, remote int) {
	c.Lock()
	defer c.Unlock()
	return c.closed, len(c.candidates), len(c.streams), len(c.remote)
}

type fakeFactory struct {
	sync.Mutex

	self        string
	connections []*fakeConnection
}

func (f *fakeFactory) NewConnection(remoteID string, sink EventSink) (Connection, error) {
	f.Lock()
	defer f.Unlock()
	conn := &fakeConnection{
		id:       fmt.Sprintf("pc-%s-%d", remoteID, len(f.connections)),
		self:     f.self,
		remoteID: remoteID,
		sink:     sink,
	}
	f.connections = append(f.connections, conn)
	return conn, nil
}

// latest returns the most recent connection for remoteID.
func (f *fakeFactory) latest(remoteID string) *fakeConnection {
	f.Lock()
	defer f.Unlock()
	for idx := len(f.connections) - 1; idx >= 0; idx-- {
		if f.connections[idx].remoteID == remoteID {
			return f.connections[idx]
		}
	}
	return nil
}

func (f *fakeFactory) count() int {
	f.Lock()
	defer f.Unlock()
	return len(f.connections)
}

type sentMessage struct {
	Type    string
	Payload []byte
}

// fakeTransport records sent messages and optionally delivers them to other
// sessions.
type fakeTransport struct {
	sync.Mutex

	messages []*sentMessage
	peers    map[string]*Session
}

func (tr *fakeTransport) Send(messageType string, payload interface{}) error {
	b, err := signaling.Encode(messageType, payload)
	if err != nil {
		return err
	}
	tr.Lock()
	tr.messages = append(tr.messages, &sentMessage{Type: messageType, Payload: b})
	peers := tr.peers
	tr.Unlock()

	for _, peer := range peers {
		envelope, decodeErr := signaling.Decode(b)
		if decodeErr != nil {
			return decodeErr
		}
		if err = peer.HandleMessage(envelope); err != nil {
			return err
		}
	}
	return nil
}

// sent returns the decoded data of all messages of the provided type.
func (tr *fakeTransport) sent(t *testing.T, messageType string) []json.RawMessage {
	t.Helper()
	tr.Lock()
	defer tr.Unlock()
	result := make([]json.RawMessage, 0)
	for _, message := range tr.messages {
		if message.Type != messageType {
			continue
		}
		envelope, err := signaling.Decode(message.Payload)
		if err != nil {
			t.Fatal(err)
		}
		result = append(result, envelope.Data)
	}
	return result
}

func (tr *fakeTransport) descriptions(t *testing.T) []*signaling.Description {
	t.Helper()
	result := make([]*signaling.Description, 0)
	for _, data := range tr.sent(t, signaling.TypeDescription) {
		description := &signaling.Description{}
		if err := json.Unmarshal(data, description); err != nil {
			t.Fatal(err)
		}
		result = append(result, description)
	}
	return result
}

type fakeStream struct {
	id     string
	tracks []webrtc.TrackLocal
}

func (s *fakeStream) ID() string {
	return s.id
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

func newFakeStream(t *testing.T, id string, audio, video bool) *fakeStream {
	t.Helper()
	stream := &fakeStream{id: id}
	if audio {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", id)
		if err != nil {
			t.Fatal(err)
		}
		stream.tracks = append(stream.tracks, track)
	}
	if video {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
		if err != nil {
			t.Fatal(err)
		}
		stream.tracks = append(stream.tracks, track)
	}
	return stream
}

type fakeSource struct {
	sync.Mutex

	stream  Stream
	err     error
	calls   int
	release chan struct{}
}

func (s *fakeSource) Capture(ctx context.Context, constraints Constraints) (Stream, error) {
	s.Lock()
	s.calls++
	release := s.release
	s.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.stream, s.err
}

func (s *fakeSource) count() int {
	s.Lock()
	defer s.Unlock()
	return s.calls
}

var errNoDevice = errors.New("no device")

type testSession struct {
	*Session
	factory   *fakeFactory
	transport *fakeTransport
	ctx       context.Context
}

// newTestSession starts a session whose clock is stuck at the provided
// millisecond value.
func newTestSession(t *testing.T, selfID string, startMs int64, source MediaSource) *testSession {
	t.Helper()

	factory := &fakeFactory{self: selfID}
	transport := &fakeTransport{}
	s, err := NewSession(&Config{
		Logger:    logger,
		SelfID:    selfID,
		Room:      "room1",
		Media:     Constraints{Audio: true},
		Factory:   factory,
		Transport: transport,
		Source:    source,
		Clock: func() time.Time {
			return time.Unix(0, startMs*int64(time.Millisecond))
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testSession{
		Session:   s,
		factory:   factory,
		transport: transport,
		ctx:       ctx,
	}
}

// flush waits until all events queued so far are processed.
func (ts *testSession) flush(t *testing.T) {
	t.Helper()
	if err := ts.invoke(ts.ctx, func() {}); err != nil {
		t.Fatal(err)
	}
}

func (ts *testSession) deliver(t *testing.T, messageType string, payload interface{}) {
	t.Helper()
	b, err := signaling.Encode(messageType, payload)
	if err != nil {
		t.Fatal(err)
	}
	envelope, err := signaling.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if err = ts.HandleMessage(envelope); err != nil {
		t.Fatal(err)
	}
	ts.flush(t)
}

func (ts *testSession) record(t *testing.T, remoteID string) *Summary {
	t.Helper()
	summary, err := ts.Record(ts.ctx, remoteID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return summary
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
