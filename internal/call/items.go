/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"github.com/sasha-s/go-deadlock"
)

// RemoteItem is the presentation state of one remote participant.
type RemoteItem struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	StateText string `json:"stateText"`
	Connected bool   `json:"connected"`
	Streams   int    `json:"streams"`
}

func stateText(state ICEState) (string, bool) {
	switch state {
	case ICEStateChecking:
		return "Connecting…", false
	case ICEStateConnected, ICEStateCompleted:
		return "Connected", true
	case ICEStateDisconnected:
		return "Disconnected", false
	case ICEStateFailed:
		return "Failed", false
	case ICEStateClosed:
		return "Closed", false
	}
	return "", false
}

// remoteItems holds the latest snapshot. It is written from the session loop
// and read from anywhere.
type remoteItems struct {
	deadlock.RWMutex

	items       []*RemoteItem
	subscribers []func([]*RemoteItem)
}

// computeRemoteItems builds a fresh snapshot with one item per record which has at
// least one remote stream.
func computeRemoteItems(records []*Record) []*RemoteItem {
	items := make([]*RemoteItem, 0, len(records))
	for _, record := range records {
		if len(record.remoteStreams) == 0 {
			continue
		}
		text, connected := stateText(record.ice)
		items = append(items, &RemoteItem{
			ID:        record.id,
			State:     record.ice.String(),
			StateText: text,
			Connected: connected,
			Streams:   len(record.remoteStreams),
		})
	}
	return items
}

func (ri *remoteItems) update(items []*RemoteItem) {
	ri.Lock()
	ri.items = items
	subscribers := ri.subscribers
	ri.Unlock()

	for _, subscriber := range subscribers {
		subscriber(copyItems(items))
	}
}

func (ri *remoteItems) get() []*RemoteItem {
	ri.RLock()
	defer ri.RUnlock()
	return copyItems(ri.items)
}

func (ri *remoteItems) subscribe(subscriber func([]*RemoteItem)) {
	ri.Lock()
	defer ri.Unlock()
	ri.subscribers = append(ri.subscribers, subscriber)
}

func copyItems(items []*RemoteItem) []*RemoteItem {
	result := make([]*RemoteItem, len(items))
	for idx, item := range items {
		copied := *item
		result[idx] = &copied
	}
	return result
}
