/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/call"
)

// PeerConnection implements call.Connection with pion.
type PeerConnection struct {
	deadlock.Mutex

	pc     *webrtc.PeerConnection
	id     string
	logger logrus.FieldLogger

	streams       map[string][]*webrtc.RTPSender
	remoteStreams map[string]int
}

func newPeerConnection(pc *webrtc.PeerConnection, id string, logger logrus.FieldLogger, sink call.EventSink) *PeerConnection {
	connection := &PeerConnection{
		pc:     pc,
		id:     id,
		logger: logger,

		streams:       make(map[string][]*webrtc.RTPSender),
		remoteStreams: make(map[string]int),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			sink(call.ICECandidateEvent{})
			return
		}
		init := candidate.ToJSON()
		sink(call.ICECandidateEvent{Candidate: &init})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if s, ok := iceState(state); ok {
			sink(call.ICEStateEvent{State: s})
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		streamID := track.StreamID()
		logger.WithFields(logrus.Fields{
			"stream": streamID,
			"kind":   track.Kind(),
			"ssrc":   track.SSRC(),
		}).Debugln("remote track added")
		if connection.trackStarted(streamID) {
			sink(call.StreamEvent{StreamID: streamID, Added: true})
		}

		// Drain until the track ends.
		go func() {
			for {
				if _, _, readErr := track.ReadRTP(); readErr != nil {
					break
				}
			}
			logger.WithField("stream", streamID).Debugln("remote track ended")
			if connection.trackEnded(streamID) {
				sink(call.StreamEvent{StreamID: streamID, Added: false})
			}
		}()
	})

	return connection
}

// trackStarted returns true for the first track of a stream.
func (connection *PeerConnection) trackStarted(streamID string) bool {
	connection.Lock()
	defer connection.Unlock()
	connection.remoteStreams[streamID]++
	return connection.remoteStreams[streamID] == 1
}

// trackEnded returns true when the last track of a stream ended.
func (connection *PeerConnection) trackEnded(streamID string) bool {
	connection.Lock()
	defer connection.Unlock()
	if connection.remoteStreams[streamID] == 0 {
		return false
	}
	connection.remoteStreams[streamID]--
	if connection.remoteStreams[streamID] == 0 {
		delete(connection.remoteStreams, streamID)
		return true
	}
	return false
}

// ID returns the unique id of the connection.
func (connection *PeerConnection) ID() string {
	return connection.id
}

// CreateOffer creates an offer. Explicit options add receive only
// transceivers for the requested kinds which are not negotiated yet.
func (connection *PeerConnection) CreateOffer(options *call.OfferOptions) (webrtc.SessionDescription, error) {
	if options != nil && options.Explicit {
		kinds := make(map[webrtc.RTPCodecType]bool)
		for _, transceiver := range connection.pc.GetTransceivers() {
			kinds[transceiver.Kind()] = true
		}
		if options.ReceiveAudio && !kinds[webrtc.RTPCodecTypeAudio] {
			if _, err := connection.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return webrtc.SessionDescription{}, fmt.Errorf("failed to add audio transceiver: %w", err)
			}
		}
		if options.ReceiveVideo && !kinds[webrtc.RTPCodecTypeVideo] {
			if _, err := connection.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return webrtc.SessionDescription{}, fmt.Errorf("failed to add video transceiver: %w", err)
			}
		}
	}

	return connection.pc.CreateOffer(nil)
}

// CreateAnswer creates an answer for the applied remote offer.
func (connection *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return connection.pc.CreateAnswer(nil)
}

// SetLocalDescription applies description as local description.
func (connection *PeerConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	return connection.pc.SetLocalDescription(description)
}

// SetRemoteDescription applies description as remote description, with
// unsupported attributes removed.
func (connection *PeerConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	remoteSDPTransform(&description)
	return connection.pc.SetRemoteDescription(description)
}

// AddICECandidate adds a remote candidate.
func (connection *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return connection.pc.AddICECandidate(candidate)
}

// AddStream adds all tracks of stream. Adding the same stream again is a
// no-op.
func (connection *PeerConnection) AddStream(stream call.Stream) error {
	connection.Lock()
	defer connection.Unlock()

	if _, exists := connection.streams[stream.ID()]; exists {
		return nil
	}

	senders := make([]*webrtc.RTPSender, 0)
	for _, track := range stream.Tracks() {
		sender, err := connection.pc.AddTrack(track)
		if err != nil {
			for _, added := range senders {
				if removeErr := connection.pc.RemoveTrack(added); removeErr != nil {
					connection.logger.WithError(removeErr).Warnln("failed to remove track after error")
				}
			}
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		senders = append(senders, sender)
		go connection.readRTCP(sender, track.Kind())
	}
	connection.streams[stream.ID()] = senders

	connection.logger.WithFields(logrus.Fields{
		"stream": stream.ID(),
		"tracks": len(senders),
	}).Debugln("local stream added")
	return nil
}

// readRTCP reads incoming RTCP of sender, which is required for the
// interceptors to work.
func (connection *PeerConnection) readRTCP(sender *webrtc.RTPSender, kind webrtc.RTPCodecType) {
	logger := connection.logger.WithField("kind", kind)
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication:
				logger.WithField("ssrc", p.MediaSSRC).Debugln("received picture loss indication")
			case *rtcp.FullIntraRequest:
				logger.WithField("ssrc", p.MediaSSRC).Debugln("received full intra request")
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				logger.WithField("bitrate", p.Bitrate).Debugln("received estimated maximum bitrate")
			}
		}
	}
}

// Close closes the underlying peer connection.
func (connection *PeerConnection) Close() error {
	return connection.pc.Close()
}
