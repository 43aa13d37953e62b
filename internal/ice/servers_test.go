/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package ice

import (
	"testing"
)

func TestParseServers(t *testing.T) {
	tests := []struct {
		name string
		list string
		want []Server
	}{
		{
			name: "empty",
			list: "  ",
			want: nil,
		},
		{
			name: "bare",
			list: "stun:stun.example.com:3478",
			want: []Server{{URL: "stun:stun.example.com:3478"}},
		},
		{
			name: "with credentials and white space",
			list: " stun:a.example.com ,\tuser%40x:p%3Ass@turn:b.example.com:3478?transport=udp ",
			want: []Server{
				{URL: "stun:a.example.com"},
				{URL: "turn:b.example.com:3478?transport=udp", Username: "user@x", Credential: "p:ss"},
			},
		},
		{
			name: "credentials end at the last separator",
			list: "user@example.com:p@ss@turn:b.example.com",
			want: []Server{{URL: "turn:b.example.com", Username: "user@example.com", Credential: "p@ss"}},
		},
		{
			name: "skips empty entries",
			list: "stun:a.example.com,,stun:b.example.com,",
			want: []Server{{URL: "stun:a.example.com"}, {URL: "stun:b.example.com"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServers(tt.list)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d servers, want %d: %#v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("server %d = %#v, want %#v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseServersDefaults(t *testing.T) {
	servers, err := ParseServers(DefaultServers)
	if err != nil {
		t.Fatalf("default servers do not parse: %v", err)
	}
	if len(servers) != 5 {
		t.Fatalf("got %d default servers, want 5", len(servers))
	}
}

func TestParseServersRejects(t *testing.T) {
	for _, list := range []string{
		"stun.example.com",
		"turn:turn.example.com",
		"user@turn:turn.example.com",
		"u%zz:p@stun:stun.example.com",
	} {
		if _, err := ParseServers(list); err == nil {
			t.Errorf("expected error for %q", list)
		}
	}
}

func TestWebRTC(t *testing.T) {
	servers := WebRTC([]Server{
		{URL: "stun:a.example.com"},
		{URL: "turn:b.example.com", Username: "u", Credential: "p"},
	})
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].Credential != nil {
		t.Errorf("stun server has credential %#v", servers[0].Credential)
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "p" {
		t.Errorf("unexpected turn credential %#v", servers[1].Credential)
	}
	if servers[1].Username != "u" || servers[1].URLs[0] != "turn:b.example.com" {
		t.Errorf("unexpected turn server %#v", servers[1])
	}
}
