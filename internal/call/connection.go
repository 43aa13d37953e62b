/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

// OfferOptions control offer creation.
type OfferOptions struct {
	// Explicit requests receive-only media sections for the kinds below even
	// when no local track of that kind is attached.
	Explicit     bool
	ReceiveAudio bool
	ReceiveVideo bool
}

// A Connection is the negotiation primitive owned by exactly one record.
type Connection interface {
	ID() string

	CreateOffer(options *OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(description webrtc.SessionDescription) error
	SetRemoteDescription(description webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddStream(stream Stream) error

	Close() error
}

// EventSink receives connection events. Implementations must not block.
type EventSink func(event interface{})

// A Factory creates fresh connections. The sink must receive all events of
// the created connection.
type Factory interface {
	NewConnection(remoteID string, sink EventSink) (Connection, error)
}

// ICECandidateEvent reports a locally gathered candidate. A nil Candidate
// marks the end of gathering.
type ICECandidateEvent struct {
	Candidate *webrtc.ICECandidateInit
}

// ICEStateEvent reports an ICE connection state change.
type ICEStateEvent struct {
	State ICEState
}

// StreamEvent reports a remote stream being added or removed.
type StreamEvent struct {
	StreamID string
	Added    bool
}

// A Stream is a set of local tracks which can be attached to connections.
type Stream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
}

// Constraints is a capture request.
type Constraints struct {
	Audio bool
	Video bool
}

// A MediaSource acquires local media. Capture may block.
type MediaSource interface {
	Capture(ctx context.Context, constraints Constraints) (Stream, error)
}

// A Transport delivers signaling messages to the relay. Send must not block.
type Transport interface {
	Send(messageType string, payload interface{}) error
}

// Granted returns the media flags actually provided by stream, limited to
// what was requested.
func Granted(stream Stream, constraints Constraints) signaling.Media {
	var media signaling.Media
	if stream == nil {
		return media
	}
	for _, track := range stream.Tracks() {
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			media.Audio = constraints.Audio
		case webrtc.RTPCodecTypeVideo:
			media.Video = constraints.Video
		}
	}
	return media
}
