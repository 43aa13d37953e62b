/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"stash.kopano.io/kwm/kwmcall/internal/call"
)

func remoteSDPTransform(sessionDescription *webrtc.SessionDescription) {
	sdpLinesIn := strings.Split(sessionDescription.SDP, "\r\n")
	sdpLinesOut := sdpLinesIn[:0]
	for _, line := range sdpLinesIn {
		if strings.HasPrefix(line, "b=TIAS:") {
			// b=TIAS is unsupported, filter out. Used by Firefox for bandwidth control.
			continue
		}

		sdpLinesOut = append(sdpLinesOut, line)
	}

	sessionDescription.SDP = strings.Join(sdpLinesOut, "\r\n")
}

func iceState(state webrtc.ICEConnectionState) (call.ICEState, bool) {
	switch state {
	case webrtc.ICEConnectionStateNew:
		return call.ICEStateNew, true
	case webrtc.ICEConnectionStateChecking:
		return call.ICEStateChecking, true
	case webrtc.ICEConnectionStateConnected:
		return call.ICEStateConnected, true
	case webrtc.ICEConnectionStateCompleted:
		return call.ICEStateCompleted, true
	case webrtc.ICEConnectionStateDisconnected:
		return call.ICEStateDisconnected, true
	case webrtc.ICEConnectionStateFailed:
		return call.ICEStateFailed, true
	case webrtc.ICEConnectionStateClosed:
		return call.ICEStateClosed, true
	}
	return call.ICEStateNew, false
}
