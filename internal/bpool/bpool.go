/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2018 Kopano and its licensors
 */

package bpool

import (
	"bytes"
	"sync"
)

// PacketSize is the size of packet buffers, large enough for any datagram
// on a standard MTU link.
const PacketSize = 1500

var (
	bpool sync.Pool
	ppool = sync.Pool{
		New: func() interface{} {
			b := make([]byte, PacketSize)
			return &b
		},
	}
)

// Get returns a buffer from the pool creating a new one if the pool is empty.
func Get() *bytes.Buffer {
	b, ok := bpool.Get().(*bytes.Buffer)
	if !ok {
		b = &bytes.Buffer{}
	}
	return b
}

// Put returns the provided buffer into the pool.
func Put(b *bytes.Buffer) {
	b.Reset()
	bpool.Put(b)
}

// GetPacket returns a packet buffer of PacketSize bytes.
func GetPacket() *[]byte {
	return ppool.Get().(*[]byte)
}

// PutPacket returns the provided packet buffer into the pool.
func PutPacket(b *[]byte) {
	if cap(*b) < PacketSize {
		return
	}
	*b = (*b)[:PacketSize]
	ppool.Put(b)
}
