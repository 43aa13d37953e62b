/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package kwmcall provides a peer to peer audio/video call client which
// negotiates direct WebRTC sessions with other participants of a room through
// an external signaling relay.
package kwmcall // import "stash.kopano.io/kwm/kwmcall"
