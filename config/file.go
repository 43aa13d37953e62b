/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"stash.kopano.io/kwm/kwmcall/internal/ice"
)

// File is the on disk configuration. Empty values mean not set.
type File struct {
	Listen   string `yaml:"listen"`
	RelayURL string `yaml:"relay_url"`
	SelfID   string `yaml:"self_id"`
	Room     string `yaml:"room"`

	// ICEServers uses the comma separated user:pass@url format.
	ICEServers string `yaml:"ice_servers"`

	Media struct {
		Audio     *bool `yaml:"audio"`
		Video     *bool `yaml:"video"`
		AutoStart *bool `yaml:"auto_start"`
	} `yaml:"media"`

	RTP struct {
		AudioListen string `yaml:"audio_listen"`
		VideoListen string `yaml:"video_listen"`
	} `yaml:"rtp"`

	ICE struct {
		Interfaces   []string `yaml:"interfaces"`
		NetworkTypes []string `yaml:"network_types"`
		UDPPortRange string   `yaml:"udp_port_range"`
	} `yaml:"ice"`

	Log struct {
		Level     string `yaml:"level"`
		Timestamp *bool  `yaml:"timestamp"`
	} `yaml:"log"`
}

// LoadFile reads the YAML configuration file at path.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	file, err := LoadFileFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return file, nil
}

// LoadFileFromReader decodes and validates a YAML configuration from r. An
// empty document is valid.
func LoadFileFromReader(r io.Reader) (*File, error) {
	file := &File{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if file.ICEServers != "" {
		if _, err := ice.ParseServers(file.ICEServers); err != nil {
			return nil, fmt.Errorf("config: ice_servers: %w", err)
		}
	}
	return file, nil
}
