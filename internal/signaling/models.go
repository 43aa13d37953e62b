/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Message types.
const (
	TypeCall        = "call"
	TypeJoin        = "join"
	TypeDescription = "description"
	TypeCandidate   = "candidate"
	TypeHangup      = "hangup"
)

// Description types.
const (
	DescriptionTypeOffer  = "offer"
	DescriptionTypeAnswer = "answer"
)

// Envelope is the container of every message exchanged with the relay.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Media describes which kinds of media a participant sends.
type Media struct {
	Audio   bool `json:"audio"`
	Video   bool `json:"video"`
	Desktop bool `json:"desktop,omitempty"`
}

// Call announces the intent to exchange media, broadcast to a room. It is
// also used for join messages, where Monitor marks a peer which does not send
// any local media itself.
type Call struct {
	From    string `json:"from"`
	Room    string `json:"room,omitempty"`
	Media   *Media `json:"media,omitempty"`
	Monitor bool   `json:"monitor,omitempty"`
}

// Description carries a session description addressed to a single peer.
type Description struct {
	To          string                    `json:"to"`
	From        string                    `json:"from"`
	Room        string                    `json:"room,omitempty"`
	Type        string                    `json:"type"`
	Ts          int64                     `json:"ts"`
	Media       *Media                    `json:"media,omitempty"`
	Description webrtc.SessionDescription `json:"description"`
}

// Candidate carries a single ICE candidate addressed to a single peer.
type Candidate struct {
	To        string                  `json:"to"`
	From      string                  `json:"from"`
	Room      string                  `json:"room,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Hangup ends a call. An empty To addresses everyone in the room.
type Hangup struct {
	To   string `json:"to,omitempty"`
	From string `json:"from"`
	Room string `json:"room,omitempty"`
}

// Encode wraps the provided payload into an Envelope of the provided type.
func Encode(messageType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{
		Type: messageType,
		Data: data,
	})
}

// Decode parses an Envelope from the provided bytes.
func Decode(b []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(b, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}
