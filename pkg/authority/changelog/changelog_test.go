package changelog

import (
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "changelog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEmptyCursorReturnsSnapshot(t *testing.T) {
	s := openStore(t)
	s.SetSnapshotProvider(func() EntitySnapshot {
		return EntitySnapshot{
			HostMACs:     []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"},
			StartConfIDs: []string{"win11_efi_sata"},
			ConfigIDs:    []string{"win11_efi_sata"},
		}
	})

	resp, err := s.GetChanges("")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.HostsChanged) != 2 || len(resp.StartConfsChanged) != 1 {
		t.Errorf("snapshot must list all entities: %+v", resp)
	}
	if !resp.DHCPChanged {
		t.Error("snapshot must set dhcpChanged")
	}
	if resp.NextCursor == "" {
		t.Error("snapshot must include a usable cursor")
	}
	if len(resp.DeletedHosts) != 0 || len(resp.DeletedStartConfs) != 0 {
		t.Error("snapshot must not report deletions")
	}
}

func TestSyntheticCursorIsValid(t *testing.T) {
	s := openStore(t)

	// Empty table: the snapshot cursor is synthesized and persisted.
	first, err := s.GetChanges("")
	if err != nil {
		t.Fatal(err)
	}

	// Polling again with that cursor must stay incremental (empty delta),
	// not degrade to another snapshot.
	s.SetSnapshotProvider(func() EntitySnapshot {
		t.Error("valid cursor must not trigger snapshot")
		return EntitySnapshot{}
	})
	resp, err := s.GetChanges(first.NextCursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.HostsChanged) != 0 || resp.DHCPChanged {
		t.Errorf("expected empty delta, got %+v", resp)
	}
}

func TestIncrementalDelta(t *testing.T) {
	s := openStore(t)

	base, err := s.GetChanges("")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.RecordChange(EntityHost, "AA:BB:CC:DD:EE:01", ActionUpsert); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordChange(EntityStartConf, "ubuntu", ActionUpsert); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordChange(EntityConfig, "ubuntu", ActionUpsert); err != nil {
		t.Fatal(err)
	}

	resp, err := s.GetChanges(base.NextCursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.HostsChanged) != 1 || resp.HostsChanged[0] != "AA:BB:CC:DD:EE:01" {
		t.Errorf("unexpected hostsChanged: %v", resp.HostsChanged)
	}
	if len(resp.StartConfsChanged) != 1 || resp.StartConfsChanged[0] != "ubuntu" {
		t.Errorf("unexpected startConfsChanged: %v", resp.StartConfsChanged)
	}
	if len(resp.ConfigsChanged) != 1 {
		t.Errorf("unexpected configsChanged: %v", resp.ConfigsChanged)
	}
	if !resp.DHCPChanged {
		t.Error("host upsert implies dhcpChanged")
	}
	if resp.NextCursor == base.NextCursor {
		t.Error("cursor must advance after changes")
	}
}

func TestDeleteActions(t *testing.T) {
	s := openStore(t)
	base, _ := s.GetChanges("")

	s.RecordChange(EntityHost, "AA:BB:CC:DD:EE:09", ActionDelete)
	s.RecordChange(EntityStartConf, "legacy", ActionDelete)

	resp, err := s.GetChanges(base.NextCursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.DeletedHosts) != 1 || resp.DeletedHosts[0] != "AA:BB:CC:DD:EE:09" {
		t.Errorf("unexpected deletedHosts: %v", resp.DeletedHosts)
	}
	if len(resp.DeletedStartConfs) != 1 || resp.DeletedStartConfs[0] != "legacy" {
		t.Errorf("unexpected deletedStartConfs: %v", resp.DeletedStartConfs)
	}
	if len(resp.HostsChanged) != 0 {
		t.Error("deletes must not appear in hostsChanged")
	}
	if resp.DHCPChanged {
		t.Error("pure deletes do not set dhcpChanged")
	}
}

func TestDHCPEntitySetsFlagOnly(t *testing.T) {
	s := openStore(t)
	base, _ := s.GetChanges("")

	s.RecordChange(EntityDHCP, "all", ActionUpsert)

	resp, err := s.GetChanges(base.NextCursor)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.DHCPChanged {
		t.Error("dhcp entity must set dhcpChanged")
	}
	if len(resp.HostsChanged) != 0 {
		t.Error("dhcp entity must not appear in hostsChanged")
	}
}

func TestMalformedCursorFallsBackToSnapshot(t *testing.T) {
	s := openStore(t)
	called := false
	s.SetSnapshotProvider(func() EntitySnapshot {
		called = true
		return EntitySnapshot{HostMACs: []string{"AA:BB:CC:DD:EE:01"}}
	})

	for _, cursor := range []string{"bogus", "12:34:56", "x:y", "123", ":"} {
		called = false
		resp, err := s.GetChanges(cursor)
		if err != nil {
			t.Fatalf("cursor %q: %v", cursor, err)
		}
		if !called {
			t.Errorf("cursor %q should trigger snapshot", cursor)
		}
		if len(resp.HostsChanged) != 1 {
			t.Errorf("cursor %q: expected snapshot content", cursor)
		}
	}
}

func TestStaleCursorFallsBackToSnapshot(t *testing.T) {
	s := openStore(t)
	s.RecordChange(EntityHost, "AA:BB:CC:DD:EE:01", ActionUpsert)

	called := false
	s.SetSnapshotProvider(func() EntitySnapshot {
		called = true
		return EntitySnapshot{}
	})

	// A cursor that never existed in the table.
	if _, err := s.GetChanges("1000:999"); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("unknown cursor must degrade to snapshot")
	}
}

func TestSequenceRestoredAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changelog.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.RecordChange(EntityHost, "AA:BB:CC:DD:EE:01", ActionUpsert)
	s.RecordChange(EntityHost, "AA:BB:CC:DD:EE:02", ActionUpsert)
	cursor, _ := s.latestCursor()
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	// New entries must continue the sequence, not collide with old rows.
	if err := s2.RecordChange(EntityHost, "AA:BB:CC:DD:EE:03", ActionUpsert); err != nil {
		t.Fatalf("record after reopen: %v", err)
	}
	resp, err := s2.GetChanges(cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.HostsChanged) != 1 || resp.HostsChanged[0] != "AA:BB:CC:DD:EE:03" {
		t.Errorf("expected only the post-reopen change, got %v", resp.HostsChanged)
	}
}

func TestCompactByCount(t *testing.T) {
	s := openStore(t)
	for i := 0; i < 20; i++ {
		if err := s.RecordChange(EntityHost, "AA:BB:CC:DD:EE:01", ActionUpsert); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Compact(24*time.Hour, 5); err != nil {
		t.Fatal(err)
	}
	n, err := s.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("expected 5 entries after compaction, got %d", n)
	}
}

func TestCompactInvalidatesOldCursor(t *testing.T) {
	s := openStore(t)
	base, _ := s.GetChanges("")
	for i := 0; i < 10; i++ {
		s.RecordChange(EntityHost, "AA:BB:CC:DD:EE:01", ActionUpsert)
	}
	if err := s.Compact(24*time.Hour, 3); err != nil {
		t.Fatal(err)
	}

	called := false
	s.SetSnapshotProvider(func() EntitySnapshot {
		called = true
		return EntitySnapshot{}
	})
	if _, err := s.GetChanges(base.NextCursor); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("compacted-away cursor must degrade to snapshot")
	}
}

func TestParseCursor(t *testing.T) {
	ts, seq, ok := parseCursor("1700000000:42")
	if !ok || ts != 1700000000 || seq != 42 {
		t.Errorf("parseCursor failed: %d %d %v", ts, seq, ok)
	}
	for _, bad := range []string{"", "x", "1:", ":2", "a:b", "1.5:2"} {
		if _, _, ok := parseCursor(bad); ok {
			t.Errorf("parseCursor(%q) should fail", bad)
		}
	}
}
