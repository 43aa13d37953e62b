/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

// ErrNoCaptureDevice is returned when no media source is available.
var ErrNoCaptureDevice = errors.New("no capture device")

// mediaController owns the local stream of a session. It is only used from
// the session loop.
type mediaController struct {
	session *Session
	source  MediaSource

	request Constraints
	granted signaling.Media

	stream    Stream
	err       error
	capturing bool
	waiters   []func(Stream, error)
	deferred  []func()
}

func newMediaController(session *Session, source MediaSource, request Constraints) *mediaController {
	return &mediaController{
		session: session,
		source:  source,
		request: request,
	}
}

// startCapture calls done with the local stream, capturing it first when
// none was acquired yet. The media source is triggered at most once at a
// time and never again after a success.
func (mc *mediaController) startCapture(constraints Constraints, done func(Stream, error)) {
	if mc.stream != nil {
		done(mc.stream, nil)
		return
	}
	mc.waiters = append(mc.waiters, done)
	if mc.capturing {
		return
	}

	mc.capturing = true
	mc.err = nil
	source := mc.source
	ctx := mc.session.ctx
	mc.session.metrics.capture("requested")
	go func() {
		var stream Stream
		var err error
		if source == nil {
			err = ErrNoCaptureDevice
		} else {
			stream, err = source.Capture(ctx, constraints)
			if err == nil && stream == nil {
				err = ErrNoCaptureDevice
			}
		}
		mc.session.post(func() {
			mc.captured(constraints, stream, err)
		})
	}()
}

func (mc *mediaController) captured(constraints Constraints, stream Stream, err error) {
	logger := mc.session.logger
	mc.capturing = false

	if err != nil {
		mc.err = fmt.Errorf("capture failed: %w", err)
		mc.session.metrics.capture("failed")
		logger.WithError(err).Errorln("failed to capture local media, continuing without")
	} else {
		mc.stream = stream
		mc.granted = Granted(stream, constraints)
		mc.session.metrics.capture("succeeded")
		logger.WithFields(logrus.Fields{
			"stream": stream.ID(),
			"audio":  mc.granted.Audio,
			"video":  mc.granted.Video,
		}).Infoln("local media captured")

		for _, record := range mc.session.registry.Records() {
			if attachErr := mc.attach(record); attachErr != nil {
				logger.WithError(attachErr).WithField("remote", record.id).Warnln("failed to attach local stream")
			}
		}
	}

	waiters := mc.waiters
	mc.waiters = nil
	for _, waiter := range waiters {
		waiter(mc.stream, mc.err)
	}

	deferred := mc.deferred
	mc.deferred = nil
	for _, fn := range deferred {
		fn()
	}
}

// whenReady runs fn once the running capture completes.
func (mc *mediaController) whenReady(fn func()) {
	mc.deferred = append(mc.deferred, fn)
}

// attach adds the local stream to record unless it is attached already.
func (mc *mediaController) attach(record *Record) error {
	if mc.stream == nil || record.stream == mc.stream {
		return nil
	}
	if err := record.conn.AddStream(mc.stream); err != nil {
		return err
	}
	record.stream = mc.stream
	return nil
}
