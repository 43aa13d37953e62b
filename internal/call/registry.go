/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"fmt"
	"sort"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"
)

// Registry holds the live records keyed by remote id.
type Registry struct {
	logger  logrus.FieldLogger
	metrics *metricsCollector

	records cmap.ConcurrentMap

	connect func(record *Record) (Connection, error)
	clock   func() int64
	last    int64
}

func newRegistry(logger logrus.FieldLogger, metrics *metricsCollector, clock func() int64, connect func(record *Record) (Connection, error)) *Registry {
	return &Registry{
		logger:  logger,
		metrics: metrics,

		records: cmap.New(),

		connect: connect,
		clock:   clock,
	}
}

// GetOrCreate returns the record for remoteID, creating it with a fresh
// connection if none exists. The second return value is true when the record
// was created by this call.
func (registry *Registry) GetOrCreate(remoteID string) (*Record, bool, error) {
	if record := registry.Get(remoteID); record != nil {
		return record, false, nil
	}

	// Creation timestamps are strictly increasing.
	createdAt := registry.clock()
	if createdAt <= registry.last {
		createdAt = registry.last + 1
	}
	registry.last = createdAt

	record := newRecord(remoteID, createdAt)
	conn, err := registry.connect(record)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create connection for %s: %w", remoteID, err)
	}
	record.conn = conn
	registry.records.Set(remoteID, record)
	registry.metrics.recordCreated()

	registry.logger.WithFields(logrus.Fields{
		"remote":     remoteID,
		"pcid":       conn.ID(),
		"created_at": createdAt,
	}).Debugln("peer connection record created")

	return record, true, nil
}

// Get returns the record for remoteID or nil.
func (registry *Registry) Get(remoteID string) *Record {
	if record, ok := registry.records.Get(remoteID); ok {
		return record.(*Record)
	}
	return nil
}

// Current reports whether record is the one registered for its id.
func (registry *Registry) Current(record *Record) bool {
	return record != nil && registry.Get(record.id) == record
}

// Remove closes the connection of the record for remoteID and deletes the
// record. It returns the removed record or nil if there was none.
func (registry *Registry) Remove(remoteID string) *Record {
	value, ok := registry.records.Pop(remoteID)
	if !ok {
		return nil
	}
	record := value.(*Record)
	record.signaling = SignalingStateClosed
	record.pendingCandidates = nil
	if record.conn != nil {
		if closeErr := record.conn.Close(); closeErr != nil {
			registry.logger.WithError(closeErr).WithField("pcid", record.conn.ID()).Warnln("error while closing peer connection")
		}
	}
	registry.metrics.recordRemoved()

	registry.logger.WithField("remote", remoteID).Debugln("peer connection record removed")
	return record
}

// Records returns all records ordered by id.
func (registry *Registry) Records() []*Record {
	records := make([]*Record, 0, registry.records.Count())
	registry.records.IterCb(func(key string, v interface{}) {
		records = append(records, v.(*Record))
	})
	sort.Slice(records, func(i, j int) bool {
		return records[i].id < records[j].id
	})
	return records
}

// Len returns the number of records.
func (registry *Registry) Len() int {
	return registry.records.Count()
}
