/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"sort"

	"github.com/pion/webrtc/v4"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

// Record is the state kept for one remote participant. Records are only
// touched from the session loop.
type Record struct {
	id        string
	conn      Connection
	createdAt int64

	remoteMedia signaling.Media
	ice         ICEState
	signaling   SignalingState

	hasRemoteDescription bool
	pendingCandidates    []webrtc.ICECandidateInit

	stream        Stream
	remoteStreams map[string]bool
}

func newRecord(id string, createdAt int64) *Record {
	return &Record{
		id:        id,
		createdAt: createdAt,

		ice:       ICEStateNew,
		signaling: SignalingStateStable,

		remoteStreams: make(map[string]bool),
	}
}

// pristine reports whether no negotiation has happened on the record yet.
func (record *Record) pristine() bool {
	return record.signaling == SignalingStateStable && record.ice == ICEStateNew && !record.hasRemoteDescription
}

// Summary is a read-only copy of a record.
type Summary struct {
	ID             string          `json:"id"`
	ConnectionID   string          `json:"pcid"`
	CreatedAt      int64           `json:"created_at"`
	ICEState       string          `json:"ice_state"`
	SignalingState string          `json:"signaling_state"`
	RemoteMedia    signaling.Media `json:"remote_media"`
	LocalStream    string          `json:"local_stream,omitempty"`
	RemoteStreams  []string        `json:"remote_streams"`
}

func (record *Record) summary() *Summary {
	summary := &Summary{
		ID:             record.id,
		CreatedAt:      record.createdAt,
		ICEState:       record.ice.String(),
		SignalingState: record.signaling.String(),
		RemoteMedia:    record.remoteMedia,
		RemoteStreams:  make([]string, 0, len(record.remoteStreams)),
	}
	if record.conn != nil {
		summary.ConnectionID = record.conn.ID()
	}
	if record.stream != nil {
		summary.LocalStream = record.stream.ID()
	}
	for id := range record.remoteStreams {
		summary.RemoteStreams = append(summary.RemoteStreams, id)
	}
	sort.Strings(summary.RemoteStreams)
	return summary
}
