/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package config

import (
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/ice"
)

// Config defines a Server's configuration settings.
type Config struct {
	ListenAddr string
	RequestLog bool

	WithMetrics       bool
	MetricsListenAddr string

	HTTPClient *http.Client

	Logger logrus.FieldLogger

	Metrics prometheus.Registerer

	RelayURL *url.URL
	SelfID   string
	Room     string

	ICEServers []ice.Server

	Audio     bool
	Video     bool
	AutoStart bool

	AudioRTPListenAddr string
	VideoRTPListenAddr string

	ICEInterfaces            []string
	ICENetworkTypes          []string
	ICEEphemeralUDPPortRange [2]uint16
	WebRTCVerbose            bool
}
