/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a state does not allow the requested
// change.
var ErrInvalidTransition = errors.New("invalid state transition")

// ICEState is the connectivity state of a record's underlying connection.
type ICEState int

// ICE states.
const (
	ICEStateNew ICEState = iota
	ICEStateChecking
	ICEStateConnected
	ICEStateCompleted
	ICEStateDisconnected
	ICEStateFailed
	ICEStateClosed
)

var iceStateNames = map[ICEState]string{
	ICEStateNew:          "new",
	ICEStateChecking:     "checking",
	ICEStateConnected:    "connected",
	ICEStateCompleted:    "completed",
	ICEStateDisconnected: "disconnected",
	ICEStateFailed:       "failed",
	ICEStateClosed:       "closed",
}

func (s ICEState) String() string {
	if name, ok := iceStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ICEState(%d)", int(s))
}

var iceTransitions = map[ICEState][]ICEState{
	ICEStateNew:          {ICEStateChecking, ICEStateFailed, ICEStateClosed},
	ICEStateChecking:     {ICEStateConnected, ICEStateCompleted, ICEStateFailed, ICEStateDisconnected, ICEStateClosed},
	ICEStateConnected:    {ICEStateCompleted, ICEStateChecking, ICEStateDisconnected, ICEStateFailed, ICEStateClosed},
	ICEStateCompleted:    {ICEStateConnected, ICEStateChecking, ICEStateDisconnected, ICEStateFailed, ICEStateClosed},
	ICEStateDisconnected: {ICEStateChecking, ICEStateConnected, ICEStateCompleted, ICEStateFailed, ICEStateClosed},
	ICEStateFailed:       {ICEStateChecking, ICEStateClosed},
	ICEStateClosed:       nil,
}

// Next returns the target state if s may change into it.
func (s ICEState) Next(target ICEState) (ICEState, error) {
	for _, allowed := range iceTransitions[s] {
		if allowed == target {
			return target, nil
		}
	}
	return s, fmt.Errorf("ice %s -> %s: %w", s, target, ErrInvalidTransition)
}

// AcceptsCandidates reports whether remote candidates still have any effect.
func (s ICEState) AcceptsCandidates() bool {
	switch s {
	case ICEStateCompleted, ICEStateFailed, ICEStateDisconnected, ICEStateClosed:
		return false
	}
	return true
}

// Terminal reports whether a record in this state gets removed.
func (s ICEState) Terminal() bool {
	return s == ICEStateDisconnected || s == ICEStateClosed
}

// SignalingState is the offer/answer state of a record.
type SignalingState int

// Signaling states.
const (
	SignalingStateStable SignalingState = iota
	SignalingStateHaveLocalOffer
	SignalingStateHaveRemoteOffer
	SignalingStateClosed
)

var signalingStateNames = map[SignalingState]string{
	SignalingStateStable:          "stable",
	SignalingStateHaveLocalOffer:  "have-local-offer",
	SignalingStateHaveRemoteOffer: "have-remote-offer",
	SignalingStateClosed:          "closed",
}

func (s SignalingState) String() string {
	if name, ok := signalingStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SignalingState(%d)", int(s))
}

// SetLocal returns the state after applying a local description of the
// provided type ("offer" or "answer").
func (s SignalingState) SetLocal(descriptionType string) (SignalingState, error) {
	switch {
	case descriptionType == "offer" && s == SignalingStateStable:
		return SignalingStateHaveLocalOffer, nil
	case descriptionType == "answer" && s == SignalingStateHaveRemoteOffer:
		return SignalingStateStable, nil
	}
	return s, fmt.Errorf("signaling %s: local %s: %w", s, descriptionType, ErrInvalidTransition)
}

// SetRemote returns the state after applying a remote description of the
// provided type ("offer" or "answer").
func (s SignalingState) SetRemote(descriptionType string) (SignalingState, error) {
	switch {
	case descriptionType == "offer" && s == SignalingStateStable:
		return SignalingStateHaveRemoteOffer, nil
	case descriptionType == "answer" && s == SignalingStateHaveLocalOffer:
		return SignalingStateStable, nil
	}
	return s, fmt.Errorf("signaling %s: remote %s: %w", s, descriptionType, ErrInvalidTransition)
}
