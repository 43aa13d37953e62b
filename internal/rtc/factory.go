/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rogpeppe/fastuuid"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/call"
)

var guidGenerator = fastuuid.MustNewGenerator()

// Config defines the settings of a Factory.
type Config struct {
	Logger logrus.FieldLogger

	ICEServers               []webrtc.ICEServer
	ICEInterfaces            []string
	ICENetworkTypes          []string
	ICEEphemeralUDPPortRange [2]uint16

	// Verbose forwards pion debug and trace logs.
	Verbose bool
}

// Factory creates pion backed connections.
type Factory struct {
	logger logrus.FieldLogger

	api           *webrtc.API
	configuration webrtc.Configuration
}

// NewFactory creates a Factory with the provided config.
func NewFactory(config *Config) (*Factory, error) {
	logger := config.Logger

	s := webrtc.SettingEngine{
		LoggerFactory: &loggerFactory{
			logger:  logger,
			verbose: config.Verbose,
		},
	}

	if len(config.ICEInterfaces) > 0 {
		logger.WithField("interfaces", config.ICEInterfaces).Debugln("enabling ICE interface filter")
		iceInterfaceFilterMap := make(map[string]bool)
		for _, ifName := range config.ICEInterfaces {
			iceInterfaceFilterMap[ifName] = true
		}
		s.SetInterfaceFilter(func(i string) bool {
			return iceInterfaceFilterMap[i]
		})
	}

	if len(config.ICENetworkTypes) > 0 {
		candidateTypes := make([]webrtc.NetworkType, 0)
		for _, networkTypeString := range config.ICENetworkTypes {
			var nt webrtc.NetworkType
			switch strings.ToLower(networkTypeString) {
			case "udp4":
				nt = webrtc.NetworkTypeUDP4
			case "udp6":
				nt = webrtc.NetworkTypeUDP6
			case "tcp4":
				nt = webrtc.NetworkTypeTCP4
			case "tcp6":
				nt = webrtc.NetworkTypeTCP6
			default:
				logger.WithField("type", networkTypeString).Warnln("unsupported network type, skipped")
				continue
			}
			candidateTypes = append(candidateTypes, nt)
		}
		if len(candidateTypes) == 0 {
			logger.Errorln("ICE candidate network type list is empty, continuing anyway")
		}
		logger.WithField("types", candidateTypes).Debugln("enabling limit of ICE candidate network type")
		s.SetNetworkTypes(candidateTypes)
	}

	if config.ICEEphemeralUDPPortRange[1] != 0 {
		logger.WithFields(logrus.Fields{
			"min": config.ICEEphemeralUDPPortRange[0],
			"max": config.ICEEphemeralUDPPortRange[1],
		}).Debugln("limiting ICE ports")
		if err := s.SetEphemeralUDPPortRange(config.ICEEphemeralUDPPortRange[0], config.ICEEphemeralUDPPortRange[1]); err != nil {
			return nil, fmt.Errorf("failed to set ICE port range: %w", err)
		}
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	return &Factory{
		logger: logger,

		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(s),
		),
		configuration: webrtc.Configuration{
			ICEServers: config.ICEServers,
		},
	}, nil
}

// NewConnection creates a connection whose events are reported to sink.
func (factory *Factory) NewConnection(remoteID string, sink call.EventSink) (call.Connection, error) {
	pc, err := factory.api.NewPeerConnection(factory.configuration)
	if err != nil {
		return nil, err
	}

	id := guidGenerator.Hex128()
	return newPeerConnection(pc, id, factory.logger.WithFields(logrus.Fields{
		"remote": remoteID,
		"pcid":   id,
	}), sink), nil
}
