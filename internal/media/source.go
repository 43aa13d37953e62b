/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rogpeppe/fastuuid"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/bpool"
	"stash.kopano.io/kwm/kwmcall/internal/call"
)

var guidGenerator = fastuuid.MustNewGenerator()

// Config defines the settings of a Source.
type Config struct {
	Logger logrus.FieldLogger

	// Listen addresses for RTP over UDP, empty disables the kind.
	AudioListenAddr string
	VideoListenAddr string

	AudioMimeType string
	VideoMimeType string
}

// Source captures local media by receiving RTP packets over UDP, for example
// from ffmpeg or gstreamer, and forwarding them to local tracks.
type Source struct {
	config *Config
	logger logrus.FieldLogger
}

// NewSource creates a Source with the provided config.
func NewSource(config *Config) *Source {
	if config.AudioMimeType == "" {
		config.AudioMimeType = webrtc.MimeTypeOpus
	}
	if config.VideoMimeType == "" {
		config.VideoMimeType = webrtc.MimeTypeVP8
	}

	return &Source{
		config: config,
		logger: config.Logger,
	}
}

// Stream is a set of local tracks fed by RTP ingest.
type Stream struct {
	id     string
	tracks []webrtc.TrackLocal
}

// ID returns the id of the stream.
func (stream *Stream) ID() string {
	return stream.id
}

// Tracks returns the tracks of the stream.
func (stream *Stream) Tracks() []webrtc.TrackLocal {
	return stream.tracks
}

// Capture opens the ingest listeners for the requested kinds. Listeners
// close when ctx is done.
func (source *Source) Capture(ctx context.Context, constraints call.Constraints) (call.Stream, error) {
	stream := &Stream{
		id: "kwmcall-" + guidGenerator.Hex128(),
	}

	type ingest struct {
		kind     string
		addr     string
		mimeType string
	}
	ingests := make([]ingest, 0, 2)
	if constraints.Audio && source.config.AudioListenAddr != "" {
		ingests = append(ingests, ingest{"audio", source.config.AudioListenAddr, source.config.AudioMimeType})
	}
	if constraints.Video && source.config.VideoListenAddr != "" {
		ingests = append(ingests, ingest{"video", source.config.VideoListenAddr, source.config.VideoMimeType})
	}
	if len(ingests) == 0 {
		return nil, call.ErrNoCaptureDevice
	}

	conns := make([]net.PacketConn, 0, len(ingests))
	for _, in := range ingests {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: in.mimeType}, in.kind, stream.id)
		if err != nil {
			closeAll(conns)
			return nil, fmt.Errorf("failed to create %s track: %w", in.kind, err)
		}

		var lc net.ListenConfig
		conn, err := lc.ListenPacket(ctx, "udp", in.addr)
		if err != nil {
			closeAll(conns)
			return nil, fmt.Errorf("failed to listen for %s rtp: %w", in.kind, err)
		}
		conns = append(conns, conn)
		stream.tracks = append(stream.tracks, track)

		source.logger.WithFields(logrus.Fields{
			"kind":       in.kind,
			"listenAddr": conn.LocalAddr().String(),
			"mime":       in.mimeType,
		}).Infoln("rtp ingest started")
		go source.ingest(conn, track, source.logger.WithField("kind", in.kind))
	}

	go func() {
		<-ctx.Done()
		closeAll(conns)
	}()

	return stream, nil
}

func (source *Source) ingest(conn net.PacketConn, track *webrtc.TrackLocalStaticRTP, logger logrus.FieldLogger) {
	buf := bpool.GetPacket()
	defer bpool.PutPacket(buf)

	packet := &rtp.Packet{}
	for {
		n, _, err := conn.ReadFrom(*buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.WithError(err).Errorln("rtp ingest read failed")
			}
			logger.Debugln("rtp ingest stopped")
			return
		}
		if err = packet.Unmarshal((*buf)[:n]); err != nil {
			logger.WithError(err).Debugln("dropping invalid rtp packet")
			continue
		}
		if err = track.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.WithError(err).Warnln("failed to write rtp to track")
		}
	}
}

func closeAll(conns []net.PacketConn) {
	for _, conn := range conns {
		conn.Close()
	}
}
