/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"os"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/call"
)

var logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.TextFormatter{DisableColors: true},
	Level:     logrus.DebugLevel,
}

type testStream struct {
	id     string
	tracks []webrtc.TrackLocal
}

func (s *testStream) ID() string                  { return s.id }
func (s *testStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func newTestConnection(t *testing.T, factory *Factory, remoteID string) call.Connection {
	t.Helper()
	conn, err := factory.NewConnection(remoteID, func(event interface{}) {})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

func TestRemoteSDPTransform(t *testing.T) {
	description := &webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\nb=TIAS:1000000\r\na=mid:0\r\n",
	}
	remoteSDPTransform(description)
	if description.SDP != "v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=mid:0\r\n" {
		t.Errorf("unexpected sdp %q", description.SDP)
	}
}

func TestICEStateMapping(t *testing.T) {
	tests := map[webrtc.ICEConnectionState]call.ICEState{
		webrtc.ICEConnectionStateNew:          call.ICEStateNew,
		webrtc.ICEConnectionStateChecking:     call.ICEStateChecking,
		webrtc.ICEConnectionStateConnected:    call.ICEStateConnected,
		webrtc.ICEConnectionStateCompleted:    call.ICEStateCompleted,
		webrtc.ICEConnectionStateDisconnected: call.ICEStateDisconnected,
		webrtc.ICEConnectionStateFailed:       call.ICEStateFailed,
		webrtc.ICEConnectionStateClosed:       call.ICEStateClosed,
	}
	for in, want := range tests {
		got, ok := iceState(in)
		if !ok || got != want {
			t.Errorf("%s mapped to %s, %v", in, got, ok)
		}
	}
	if _, ok := iceState(webrtc.ICEConnectionStateUnknown); ok {
		t.Error("unknown state must not be mapped")
	}
}

func TestNewFactoryRejectsInvalidPortRange(t *testing.T) {
	_, err := NewFactory(&Config{
		Logger:                   logger,
		ICEEphemeralUDPPortRange: [2]uint16{20000, 10000},
	})
	if err == nil {
		t.Error("expected error for inverted port range")
	}
}

func TestOfferAnswer(t *testing.T) {
	factory, err := NewFactory(&Config{
		Logger:          logger,
		ICENetworkTypes: []string{"udp4", "bogus"},
	})
	if err != nil {
		t.Fatal(err)
	}
	a := newTestConnection(t, factory, "B")
	b := newTestConnection(t, factory, "A")
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("connection ids not unique: %q, %q", a.ID(), b.ID())
	}

	offer, err := a.CreateOffer(&call.OfferOptions{Explicit: true, ReceiveAudio: true, ReceiveVideo: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(offer.SDP, "m=audio") || !strings.Contains(offer.SDP, "m=video") || !strings.Contains(offer.SDP, "a=recvonly") {
		t.Errorf("offer lacks receive only media sections:\n%s", offer.SDP)
	}
	if err = a.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}

	if err = b.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}
	answer, err := b.CreateAnswer()
	if err != nil {
		t.Fatal(err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Errorf("unexpected answer type %s", answer.Type)
	}
	if err = b.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	if err = a.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}
}

func TestAddStream(t *testing.T) {
	factory, err := NewFactory(&Config{Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	conn := newTestConnection(t, factory, "B")

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	if err != nil {
		t.Fatal(err)
	}
	stream := &testStream{id: "local", tracks: []webrtc.TrackLocal{track}}

	if err = conn.AddStream(stream); err != nil {
		t.Fatal(err)
	}
	if err = conn.AddStream(stream); err != nil {
		t.Fatal(err)
	}

	offer, err := conn.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(offer.SDP, "m=audio") != 1 {
		t.Errorf("expected exactly one audio section:\n%s", offer.SDP)
	}
	if !strings.Contains(offer.SDP, "a=msid:local audio") {
		t.Errorf("offer does not carry the local stream:\n%s", offer.SDP)
	}
}
