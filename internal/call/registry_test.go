/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"testing"
)

func newTestRegistry(factory *fakeFactory) *Registry {
	return newRegistry(logger, newMetricsCollector(nil), func() int64 {
		return 42
	}, func(record *Record) (Connection, error) {
		return factory.NewConnection(record.id, func(event interface{}) {})
	})
}

func TestRegistryGetOrCreate(t *testing.T) {
	factory := &fakeFactory{self: "A"}
	registry := newTestRegistry(factory)

	first, created, err := registry.GetOrCreate("B")
	if err != nil || !created {
		t.Fatalf("unexpected result %v, %v", created, err)
	}
	again, created, err := registry.GetOrCreate("B")
	if err != nil || created || again != first {
		t.Fatalf("GetOrCreate is not idempotent")
	}
	if factory.count() != 1 {
		t.Errorf("expected one connection, got %d", factory.count())
	}

	other, _, _ := registry.GetOrCreate("C")
	if other.createdAt <= first.createdAt {
		t.Errorf("createdAt not increasing: %d after %d", other.createdAt, first.createdAt)
	}
	if first.ice != ICEStateNew || first.signaling != SignalingStateStable {
		t.Errorf("unexpected initial states %s, %s", first.ice, first.signaling)
	}
}

func TestRegistryRemove(t *testing.T) {
	factory := &fakeFactory{self: "A"}
	registry := newTestRegistry(factory)

	if registry.Remove("B") != nil {
		t.Error("removing an absent record must be a no-op")
	}

	record, _, _ := registry.GetOrCreate("B")
	if !registry.Current(record) {
		t.Fatal("record is not current")
	}
	if removed := registry.Remove("B"); removed != record {
		t.Fatalf("unexpected removed record %v", removed)
	}
	if registry.Current(record) || registry.Len() != 0 {
		t.Error("record still registered after removal")
	}
	if closed, _, _, _ := factory.latest("B").stats(); !closed {
		t.Error("connection not closed")
	}
	if record.signaling != SignalingStateClosed {
		t.Errorf("removed record is %s", record.signaling)
	}

	replacement, created, _ := registry.GetOrCreate("B")
	if !created || replacement == record || replacement.conn == record.conn {
		t.Error("replacement shares state with removed record")
	}
}

func TestRegistryRecordsSorted(t *testing.T) {
	registry := newTestRegistry(&fakeFactory{self: "A"})
	for _, id := range []string{"D", "B", "C"} {
		if _, _, err := registry.GetOrCreate(id); err != nil {
			t.Fatal(err)
		}
	}
	records := registry.Records()
	if len(records) != 3 || records[0].id != "B" || records[1].id != "C" || records[2].id != "D" {
		t.Errorf("unexpected order")
	}
}
