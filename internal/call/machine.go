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

func (s *Session) inRoom(room string) bool {
	return s.room == "" || room == "" || room == s.room
}

func (s *Session) startCall(constraints *Constraints) {
	if constraints != nil {
		s.media.request = *constraints
	}
	s.active = true

	s.logger.WithFields(logrus.Fields{
		"audio": s.media.request.Audio,
		"video": s.media.request.Video,
	}).Infoln("starting call")

	s.media.startCapture(s.media.request, func(stream Stream, err error) {
		if !s.active {
			// Hung up while capturing.
			return
		}
		// Announce even without local media, remote peers can still send.
		media := s.media.granted
		s.send(signaling.TypeCall, &signaling.Call{
			From:  s.selfID,
			Room:  s.room,
			Media: &media,
		})
	})
}

func (s *Session) hangup() {
	wasActive := s.active
	s.active = false

	if !wasActive && s.registry.Len() == 0 {
		return
	}

	s.logger.Infoln("hangup")
	s.send(signaling.TypeHangup, &signaling.Hangup{
		From: s.selfID,
		Room: s.room,
	})
	for _, record := range s.registry.Records() {
		s.registry.Remove(record.id)
	}
	s.updateRemoteItems()
}

func (s *Session) handleHangup(message *signaling.Hangup) {
	if message.From == "" || message.From == s.selfID || !s.inRoom(message.Room) {
		return
	}
	if message.To != "" && message.To != s.selfID {
		return
	}

	s.logger.WithField("remote", message.From).Debugln("remote hangup")
	s.remove(message.From)
}

// handleJoin starts a negotiation with a peer which announced itself.
func (s *Session) handleJoin(message *signaling.Call) {
	if message.From == "" || message.From == s.selfID || !s.inRoom(message.Room) {
		return
	}
	if s.media.capturing {
		s.media.whenReady(func() {
			s.handleJoin(message)
		})
		return
	}

	logger := s.logger.WithFields(logrus.Fields{
		"remote": message.From,
		"type":   "join",
	})

	record, created, err := s.getOrCreate(message.From)
	if err != nil {
		logger.WithError(err).Errorln("failed to get peer connection")
		return
	}
	if !created && !record.pristine() {
		logger.WithFields(logrus.Fields{
			"signaling": record.signaling,
			"ice":       record.ice,
		}).Debugln("resetting peer connection with stale negotiation")
		s.remove(message.From)
		if record, _, err = s.getOrCreate(message.From); err != nil {
			logger.WithError(err).Errorln("failed to get peer connection")
			return
		}
	}
	if record.ice != ICEStateNew {
		logger.WithField("ice", record.ice).Debugln("ignoring join, already negotiated")
		return
	}

	if message.Media != nil {
		record.remoteMedia = *message.Media
	}
	if attachErr := s.media.attach(record); attachErr != nil {
		logger.WithError(attachErr).Warnln("failed to attach local stream")
	}

	options := &OfferOptions{}
	if message.Monitor {
		options.Explicit = true
		if message.Media != nil {
			options.ReceiveAudio = message.Media.Audio
			options.ReceiveVideo = message.Media.Video
		}
	}

	offer, err := record.conn.CreateOffer(options)
	if err != nil {
		logger.WithError(err).Errorln("failed to create offer")
		return
	}
	next, err := record.signaling.SetLocal(signaling.DescriptionTypeOffer)
	if err != nil {
		logger.WithError(err).Debugln("ignoring local offer")
		return
	}
	if err = record.conn.SetLocalDescription(offer); err != nil {
		logger.WithError(err).Errorln("failed to set local offer")
		return
	}
	record.signaling = next

	media := s.media.granted
	s.sendDescription(record, signaling.DescriptionTypeOffer, offer, &media)
}

// handleDescription routes an inbound description by its type.
func (s *Session) handleDescription(message *signaling.Description) {
	if message.To != s.selfID || message.From == "" || !s.inRoom(message.Room) {
		return
	}
	if message.Description.Type == webrtc.SDPTypeUnknown {
		message.Description.Type = webrtc.NewSDPType(message.Type)
	}

	switch message.Type {
	case signaling.DescriptionTypeOffer:
		s.handleOffer(message)
	case signaling.DescriptionTypeAnswer:
		s.handleAnswer(message)
	default:
		s.logger.WithFields(logrus.Fields{
			"remote": message.From,
			"type":   message.Type,
		}).Debugln("ignoring description of unknown type")
	}
}

func (s *Session) handleOffer(message *signaling.Description) {
	logger := s.logger.WithFields(logrus.Fields{
		"remote": message.From,
		"type":   message.Type,
		"ts":     message.Ts,
	})

	if !s.active {
		logger.Debugln("ignoring offer, not in a call")
		return
	}
	if s.media.capturing {
		s.media.whenReady(func() {
			s.handleOffer(message)
		})
		return
	}

	record, created, err := s.getOrCreate(message.From)
	if err != nil {
		logger.WithError(err).Errorln("failed to get peer connection")
		return
	}
	if !created && (record.signaling == SignalingStateHaveLocalOffer || record.signaling == SignalingStateStable) && record.createdAt < message.Ts {
		// Incoming offer is newer, it wins.
		logger.WithField("created_at", record.createdAt).Debugln("replacing peer connection for newer offer")
		s.remove(message.From)
		if record, _, err = s.getOrCreate(message.From); err != nil {
			logger.WithError(err).Errorln("failed to get peer connection")
			return
		}
	}
	if message.Media != nil {
		record.remoteMedia = *message.Media
	}
	if record.ice != ICEStateNew {
		logger.WithField("ice", record.ice).Debugln("ignoring offer, already negotiated")
		return
	}

	next, err := record.signaling.SetRemote(signaling.DescriptionTypeOffer)
	if err != nil {
		logger.WithField("created_at", record.createdAt).Debugln("ignoring stale offer")
		return
	}
	if err = record.conn.SetRemoteDescription(message.Description); err != nil {
		logger.WithError(err).Errorln("failed to set remote offer")
		return
	}
	record.signaling = next
	record.hasRemoteDescription = true
	s.flushPendingCandidates(record)

	if attachErr := s.media.attach(record); attachErr != nil {
		logger.WithError(attachErr).Warnln("failed to attach local stream")
	}

	answer, err := record.conn.CreateAnswer()
	if err != nil {
		logger.WithError(err).Errorln("failed to create answer")
		return
	}
	if next, err = record.signaling.SetLocal(signaling.DescriptionTypeAnswer); err != nil {
		logger.WithError(err).Debugln("ignoring local answer")
		return
	}
	if err = record.conn.SetLocalDescription(answer); err != nil {
		logger.WithError(err).Errorln("failed to set local answer")
		return
	}
	record.signaling = next

	s.sendDescription(record, signaling.DescriptionTypeAnswer, answer, nil)
}

func (s *Session) handleAnswer(message *signaling.Description) {
	logger := s.logger.WithFields(logrus.Fields{
		"remote": message.From,
		"type":   message.Type,
	})

	record := s.registry.Get(message.From)
	if record == nil {
		logger.Debugln("ignoring answer without peer connection")
		return
	}
	next, err := record.signaling.SetRemote(signaling.DescriptionTypeAnswer)
	if err != nil {
		logger.WithField("signaling", record.signaling).Debugln("ignoring unexpected answer")
		return
	}
	if err = record.conn.SetRemoteDescription(message.Description); err != nil {
		logger.WithError(err).Errorln("failed to set remote answer")
		return
	}
	record.signaling = next
	record.hasRemoteDescription = true
	s.flushPendingCandidates(record)
}

func (s *Session) sendDescription(record *Record, descriptionType string, description webrtc.SessionDescription, media *signaling.Media) {
	s.send(signaling.TypeDescription, &signaling.Description{
		To:          record.id,
		From:        s.selfID,
		Room:        s.room,
		Type:        descriptionType,
		Ts:          record.createdAt,
		Media:       media,
		Description: description,
	})
	s.metrics.descriptionSent(descriptionType)
}

// handleConnectionEvent applies an event of the connection of record.
func (s *Session) handleConnectionEvent(record *Record, event interface{}) {
	if !s.registry.Current(record) {
		// Replaced, do nothing.
		return
	}

	switch e := event.(type) {
	case ICECandidateEvent:
		s.handleLocalCandidate(record, e.Candidate)

	case ICEStateEvent:
		if e.State == record.ice {
			return
		}
		next, err := record.ice.Next(e.State)
		if err != nil {
			s.logger.WithError(err).WithField("remote", record.id).Warnln("ignoring ice connection state change")
			return
		}
		record.ice = next
		s.logger.WithFields(logrus.Fields{
			"remote": record.id,
			"ice":    next,
		}).Debugln("ice connection state changed")
		if next.Terminal() {
			s.registry.Remove(record.id)
		}
		s.updateRemoteItems()

	case StreamEvent:
		if e.Added {
			record.remoteStreams[e.StreamID] = true
		} else {
			delete(record.remoteStreams, e.StreamID)
		}
		s.updateRemoteItems()
	}
}
