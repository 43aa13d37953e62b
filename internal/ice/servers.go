/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package ice

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/pion/webrtc/v4"
)

// DefaultServers is the server list used when nothing else is configured.
const DefaultServers = "stun:stun01.sipphone.com,stun:stun.ekiga.net,stun:stun.fwdnet.net,stun:stun.ideasip.com,stun:stun.iptel.org"

// Server is a single relay or reflection server with optional credentials.
type Server struct {
	URL        string `json:"urls" yaml:"url"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// ParseServers parses a comma separated server specification where each entry
// is either a bare URL or of the form user:pass@URL. User and pass are URI
// encoded. All white space is ignored.
func ParseServers(list string) ([]Server, error) {
	list = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, list)
	if list == "" {
		return nil, nil
	}

	servers := make([]Server, 0)
	for idx, entry := range strings.Split(list, ",") {
		if entry == "" {
			continue
		}
		server, err := parseServer(entry)
		if err != nil {
			return nil, fmt.Errorf("ice server %d: %w", idx, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func parseServer(entry string) (Server, error) {
	var server Server

	idx := strings.LastIndex(entry, "@")
	server.URL = entry[idx+1:]
	if idx >= 0 {
		// Everything before the last @ is user:pass.
		userinfo := strings.SplitN(entry[:idx], ":", 2)
		username, err := url.PathUnescape(userinfo[0])
		if err != nil {
			return server, fmt.Errorf("invalid username encoding: %w", err)
		}
		server.Username = username
		if len(userinfo) > 1 {
			credential, err := url.PathUnescape(userinfo[1])
			if err != nil {
				return server, fmt.Errorf("invalid credential encoding: %w", err)
			}
			server.Credential = credential
		}
	}

	if err := server.Validate(); err != nil {
		return server, err
	}
	return server, nil
}

// Validate checks the server URL scheme and that turn servers have credentials.
func (server Server) Validate() error {
	if server.URL == "" {
		return errors.New("missing url")
	}
	switch {
	case strings.HasPrefix(server.URL, "stun:"), strings.HasPrefix(server.URL, "stuns:"):
	case strings.HasPrefix(server.URL, "turn:"), strings.HasPrefix(server.URL, "turns:"):
		if server.Username == "" || server.Credential == "" {
			return fmt.Errorf("turn url %q requires username and credential", server.URL)
		}
	default:
		return fmt.Errorf("unsupported url scheme: %q", server.URL)
	}
	return nil
}

// WebRTC converts the provided servers to their pion representation.
func WebRTC(servers []Server) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		iceServer := webrtc.ICEServer{
			URLs:     []string{server.URL},
			Username: server.Username,
		}
		if server.Credential != "" {
			iceServer.Credential = server.Credential
		}
		out = append(out, iceServer)
	}
	return out
}
