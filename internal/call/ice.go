/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

// handleLocalCandidate sends a gathered candidate to the remote of record.
func (s *Session) handleLocalCandidate(record *Record, candidate *webrtc.ICECandidateInit) {
	if candidate == nil {
		// End of candidates.
		return
	}

	s.send(signaling.TypeCandidate, &signaling.Candidate{
		To:        record.id,
		From:      s.selfID,
		Room:      s.room,
		Candidate: *candidate,
	})
	s.metrics.candidate("sent")
}

// handleCandidate applies a remote candidate addressed to us.
func (s *Session) handleCandidate(message *signaling.Candidate) {
	if message.To != s.selfID || message.From == "" || !s.inRoom(message.Room) {
		return
	}
	if s.media.capturing {
		// Keep order with joins and offers waiting for the capture.
		s.media.whenReady(func() {
			s.handleCandidate(message)
		})
		return
	}

	logger := s.logger.WithFields(logrus.Fields{
		"remote": message.From,
		"type":   "candidate",
	})

	record := s.registry.Get(message.From)
	if record == nil {
		logger.Debugln("ignoring candidate without peer connection")
		s.metrics.candidate("skipped")
		return
	}
	if !record.ice.AcceptsCandidates() {
		s.metrics.candidate("skipped")
		return
	}
	if !record.hasRemoteDescription {
		record.pendingCandidates = append(record.pendingCandidates, message.Candidate)
		s.metrics.candidate("buffered")
		return
	}

	s.addCandidate(logger, record, message.Candidate)
}

func (s *Session) addCandidate(logger logrus.FieldLogger, record *Record, candidate webrtc.ICECandidateInit) {
	if err := record.conn.AddICECandidate(candidate); err != nil {
		logger.WithError(err).Errorln("failed to add ice candidate")
		s.metrics.candidate("failed")
		return
	}
	s.metrics.candidate("applied")
}

// flushPendingCandidates applies candidates which arrived before the remote
// description.
func (s *Session) flushPendingCandidates(record *Record) {
	if len(record.pendingCandidates) == 0 {
		return
	}

	logger := s.logger.WithFields(logrus.Fields{
		"remote": record.id,
		"count":  len(record.pendingCandidates),
	})
	logger.Debugln("applying pending candidates")

	pending := record.pendingCandidates
	record.pendingCandidates = nil
	for _, candidate := range pending {
		if !record.ice.AcceptsCandidates() {
			s.metrics.candidate("skipped")
			continue
		}
		s.addCandidate(logger, record, candidate)
	}
}
