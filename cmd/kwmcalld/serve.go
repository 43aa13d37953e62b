/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rogpeppe/fastuuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cfg "stash.kopano.io/kwm/kwmcall/config"
	"stash.kopano.io/kwm/kwmcall/internal/ice"
	"stash.kopano.io/kwm/kwmcall/server"
)

const defaultListenAddr = "127.0.0.1:8780"

var (
	detectDeadlocks = true
)

func commandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [...args]",
		Short: "Join a room and start listening for requests",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("config", "", "Path to YAML configuration file, explicit flags take precedence")
	serveCmd.Flags().String("listen", "", fmt.Sprintf("TCP listen address (default \"%s\")", defaultListenAddr))
	serveCmd.Flags().String("relay-url", "", "URL of the signaling relay websocket")
	serveCmd.Flags().String("self-id", "", "Participant id of this client, random if not set")
	serveCmd.Flags().String("room", "", "Room to join, messages for other rooms are ignored")
	serveCmd.Flags().String("ice-servers", "", fmt.Sprintf("Comma separated ICE servers in [user:pass@]url format (default \"%s\")", ice.DefaultServers))
	serveCmd.Flags().Bool("audio", true, "Request audio when starting a call")
	serveCmd.Flags().Bool("video", false, "Request video when starting a call")
	serveCmd.Flags().Bool("start-call", false, "Start the call right away")
	serveCmd.Flags().String("audio-rtp-listen", "", "UDP listen address for local audio RTP ingest, audio is not available if not set")
	serveCmd.Flags().String("video-rtp-listen", "", "UDP listen address for local video RTP ingest, video is not available if not set")
	serveCmd.Flags().Bool("insecure", false, "Disable TLS certificate and hostname validation")
	serveCmd.Flags().Bool("log-timestamp", true, "Prefix each log line with timestamp")
	serveCmd.Flags().String("log-level", "info", "Log level (one of panic, fatal, error, warn, info or debug)")
	serveCmd.Flags().Bool("log-requests", false, "Log each HTTP request at debug level")
	serveCmd.Flags().Bool("log-webrtc-verbose", false, "Include WebRTC debug and trace logs")
	serveCmd.Flags().Bool("with-pprof", false, "With pprof enabled")
	serveCmd.Flags().String("pprof-listen", "127.0.0.1:6060", "TCP listen address for pprof")
	serveCmd.Flags().Bool("with-metrics", false, "Enable metrics")
	serveCmd.Flags().String("metrics-listen", "127.0.0.1:6780", "TCP listen address for metrics")
	serveCmd.Flags().StringArray("use-ice-if", nil, "Interface to use when gathering ICE candidates, all interfaces will be used if not set")
	serveCmd.Flags().StringArray("use-ice-network-type", nil, "ICE network type supported when gathering candidates, if not set all types (udp4, udp6, tcp4, tcp6) are enabled")
	serveCmd.Flags().String("use-ice-udp-port-range", "", "Range of ephemeral ports that ICE UDP connections can allocate from in format min:max, if not set its not limited")
	serveCmd.Flags().BoolVar(&detectDeadlocks, "with-deadlock-detector", detectDeadlocks, "Enable deadlock detection")

	return serveCmd
}

func serve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	file := &cfg.File{}
	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		var err error
		if file, err = cfg.LoadFile(configPath); err != nil {
			return err
		}
	}

	logTimestamp := boolSetting(cmd, "log-timestamp", file.Log.Timestamp)
	logLevel := stringSetting(cmd, "log-level", "", file.Log.Level)

	logger, err := newLogger(!logTimestamp, logLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %v", err)
	}
	logger.Infoln("serve start")

	deadlock.Opts.Disable = !detectDeadlocks
	deadlock.Opts.DeadlockTimeout = 15 * time.Second
	if !deadlock.Opts.Disable {
		logger.Warnln("enabled automatic deadlock detector")
	}

	config := &cfg.Config{
		Logger: logger,

		ListenAddr: stringSetting(cmd, "listen", "KWMCALLD_LISTEN", file.Listen),
		SelfID:     stringSetting(cmd, "self-id", "", file.SelfID),
		Room:       stringSetting(cmd, "room", "", file.Room),

		Audio:     boolSetting(cmd, "audio", file.Media.Audio),
		Video:     boolSetting(cmd, "video", file.Media.Video),
		AutoStart: boolSetting(cmd, "start-call", file.Media.AutoStart),

		AudioRTPListenAddr: stringSetting(cmd, "audio-rtp-listen", "", file.RTP.AudioListen),
		VideoRTPListenAddr: stringSetting(cmd, "video-rtp-listen", "", file.RTP.VideoListen),

		WebRTCVerbose: boolSetting(cmd, "log-webrtc-verbose", nil),
		RequestLog:    boolSetting(cmd, "log-requests", nil),
	}
	if config.ListenAddr == "" {
		config.ListenAddr = defaultListenAddr
	}
	if config.SelfID == "" {
		config.SelfID = fastuuid.MustNewGenerator().Hex128()
		logger.WithField("self_id", config.SelfID).Infoln("using random self id")
	}

	relayURLString := stringSetting(cmd, "relay-url", "KWMCALLD_RELAY_URL", file.RelayURL)
	if relayURLString == "" {
		return fmt.Errorf("relay-url required but not given")
	}
	config.RelayURL, err = url.Parse(relayURLString)
	if err != nil {
		return fmt.Errorf("invalid relay-url: %w", err)
	}

	iceServersString := stringSetting(cmd, "ice-servers", "KWMCALLD_ICE_SERVERS", file.ICEServers)
	if iceServersString == "" {
		iceServersString = ice.DefaultServers
	}
	config.ICEServers, err = ice.ParseServers(iceServersString)
	if err != nil {
		return fmt.Errorf("invalid ice-servers: %w", err)
	}
	logger.WithField("count", len(config.ICEServers)).Debugln("ICE servers configured")

	if ICEInterfaceStrings := stringArraySetting(cmd, "use-ice-if", file.ICE.Interfaces); ICEInterfaceStrings != nil {
		config.ICEInterfaces = ICEInterfaceStrings
		logger.WithField("interfaces", config.ICEInterfaces).Infoln("limiting ICE interfaces")
	}
	if ICENetworkTypeStrings := stringArraySetting(cmd, "use-ice-network-type", file.ICE.NetworkTypes); ICENetworkTypeStrings != nil {
		config.ICENetworkTypes = ICENetworkTypeStrings
		logger.WithField("types", config.ICENetworkTypes).Infoln("limiting ICE network types")
	}
	if ICEEphemeralUDPPortRangeString := stringSetting(cmd, "use-ice-udp-port-range", "", file.ICE.UDPPortRange); ICEEphemeralUDPPortRangeString != "" {
		config.ICEEphemeralUDPPortRange, err = parsePortRange(ICEEphemeralUDPPortRangeString)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"min": config.ICEEphemeralUDPPortRange[0],
			"max": config.ICEEphemeralUDPPortRange[1],
		}).Infoln("limiting ICE port range")
	}

	var tlsClientConfig *tls.Config
	tlsInsecureSkipVerify, _ := cmd.Flags().GetBool("insecure")
	if tlsInsecureSkipVerify {
		// NOTE(longsleep): This disable http2 client support. See https://github.com/golang/go/issues/14275 for reasons.
		tlsClientConfig = &tls.Config{
			InsecureSkipVerify: tlsInsecureSkipVerify,
		}
		logger.Warnln("insecure mode, TLS client connections are susceptible to man-in-the-middle attacks")
		logger.Debugln("http2 client support is disabled (insecure mode)")
	}
	config.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			TLSClientConfig:       tlsClientConfig,
		},
	}

	// Metrics support.
	config.WithMetrics, _ = cmd.Flags().GetBool("with-metrics")
	metricsListenAddr, _ := cmd.Flags().GetString("metrics-listen")
	if config.WithMetrics && metricsListenAddr != "" {
		reg := prometheus.NewPedanticRegistry()
		config.Metrics = prometheus.WrapRegistererWithPrefix("kwmcalld_", reg)
		// Add the standard process and Go metrics to the custom registry.
		reg.MustRegister(
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			prometheus.NewGoCollector(),
		)
		go func() {
			metricsListen := metricsListenAddr
			handler := http.NewServeMux()
			logger.WithField("listenAddr", metricsListen).Infoln("metrics enabled, starting listener")
			handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			err := http.ListenAndServe(metricsListen, handler)
			if err != nil {
				logger.WithError(err).Errorln("unable to start metrics listener")
			}
		}()
	}

	srv, err := server.NewServer(config)
	if err != nil {
		return fmt.Errorf("failed to create server: %v", err)
	}

	// Profiling support.
	withPprof, _ := cmd.Flags().GetBool("with-pprof")
	pprofListenAddr, _ := cmd.Flags().GetString("pprof-listen")
	if withPprof && pprofListenAddr != "" {
		runtime.SetMutexProfileFraction(5)
		go func() {
			pprofListen := pprofListenAddr
			logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
			err := http.ListenAndServe(pprofListen, nil)
			if err != nil {
				logger.WithError(err).Errorln("unable to start pprof listener")
			}
		}()
	}

	logger.Infoln("serve started")
	return srv.Serve(ctx)
}

// stringSetting resolves a string setting. An explicit flag wins over the
// environment, which wins over the config file, which wins over the flag
// default.
func stringSetting(cmd *cobra.Command, name string, env string, fileValue string) string {
	value, _ := cmd.Flags().GetString(name)
	if cmd.Flags().Changed(name) {
		return value
	}
	if env != "" {
		if envValue := os.Getenv(env); envValue != "" {
			return envValue
		}
	}
	if fileValue != "" {
		return fileValue
	}
	return value
}

func boolSetting(cmd *cobra.Command, name string, fileValue *bool) bool {
	value, _ := cmd.Flags().GetBool(name)
	if !cmd.Flags().Changed(name) && fileValue != nil {
		return *fileValue
	}
	return value
}

func stringArraySetting(cmd *cobra.Command, name string, fileValue []string) []string {
	value, _ := cmd.Flags().GetStringArray(name)
	if !cmd.Flags().Changed(name) && len(fileValue) > 0 {
		return fileValue
	}
	return value
}

// parsePortRange parses min:max, where either side may be empty.
func parsePortRange(value string) ([2]uint16, error) {
	minMax := strings.SplitN(value, ":", 2)
	portRange := [2]uint16{10000, ^uint16(0)}
	if minMax[0] != "" {
		minPort, err := strconv.ParseUint(minMax[0], 10, 16)
		if err != nil {
			return portRange, fmt.Errorf("invalid min port value in use-ice-udp-port-range: %w", err)
		}
		portRange[0] = uint16(minPort)
	}
	if len(minMax) > 1 && minMax[1] != "" {
		maxPort, err := strconv.ParseUint(minMax[1], 10, 16)
		if err != nil {
			return portRange, fmt.Errorf("invalid max port value in use-ice-udp-port-range: %w", err)
		}
		if maxPort <= uint64(portRange[0]) {
			return portRange, fmt.Errorf("max port value in use-ice-udp-port-range must be higher than min port %d", portRange[0])
		}
		portRange[1] = uint16(maxPort)
	}
	return portRange, nil
}
