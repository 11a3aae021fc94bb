package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T, maxQueue int) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "mesh.db"), maxQueue)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func deadLetter(id, to string, ts time.Time, ttl int) DeadLetter {
	env, _ := json.Marshal(map[string]any{"id": id, "to": to, "ttl": ttl})
	return DeadLetter{ID: id, Timestamp: ts, To: to, FailReason: "transport_error", Attempts: 4, Envelope: env}
}

func TestDeadLetterFIFOOrder(t *testing.T) {
	st := openStore(t, 100)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := range 5 {
		if _, err := st.AppendDeadLetter(deadLetter(fmt.Sprintf("msg_%d", i), "beta", now, 300)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.ListDeadLetters()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	for i, dl := range got {
		if want := fmt.Sprintf("msg_%d", i); dl.ID != want {
			t.Errorf("entry %d = %s, want %s", i, dl.ID, want)
		}
	}
}

func TestDeadLetterCapDropsOldest(t *testing.T) {
	st := openStore(t, 3)
	now := time.Now()

	totalDropped := 0
	for i := range 5 {
		dropped, err := st.AppendDeadLetter(deadLetter(fmt.Sprintf("msg_%d", i), "beta", now, 300))
		if err != nil {
			t.Fatal(err)
		}
		totalDropped += dropped
	}
	if totalDropped != 2 {
		t.Errorf("dropped = %d, want 2", totalDropped)
	}

	got, _ := st.ListDeadLetters()
	if len(got) != 3 {
		t.Fatalf("len = %d, want cap 3", len(got))
	}
	if got[0].ID != "msg_2" || got[2].ID != "msg_4" {
		t.Errorf("kept %s..%s, want msg_2..msg_4", got[0].ID, got[2].ID)
	}
}

func TestRemoveDeadLetterByID(t *testing.T) {
	st := openStore(t, 100)
	now := time.Now()
	st.AppendDeadLetter(deadLetter("msg_a", "beta", now, 300))
	st.AppendDeadLetter(deadLetter("msg_b", "gamma", now, 300))

	if err := st.RemoveDeadLetter("msg_a"); err != nil {
		t.Fatal(err)
	}
	got, _ := st.ListDeadLetters()
	if len(got) != 1 || got[0].ID != "msg_b" {
		t.Errorf("remaining = %+v", got)
	}
}

func TestPurgeExpiredDeadLettersHonorsEnvelopeTTL(t *testing.T) {
	st := openStore(t, 100)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	st.AppendDeadLetter(deadLetter("msg_short", "beta", now.Add(-10*time.Minute), 60))
	st.AppendDeadLetter(deadLetter("msg_long", "beta", now.Add(-10*time.Minute), 3600))
	st.AppendDeadLetter(deadLetter("msg_fresh", "beta", now.Add(-10*time.Second), 60))

	purged, err := st.PurgeExpiredDeadLetters(now, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	got, _ := st.ListDeadLetters()
	if len(got) != 2 {
		t.Fatalf("remaining = %d", len(got))
	}
	for _, dl := range got {
		if dl.ID == "msg_short" {
			t.Error("expired entry survived the purge")
		}
	}
}

func TestCircuitMutateIsReadModifyWrite(t *testing.T) {
	st := openStore(t, 100)

	for range 3 {
		if _, err := st.MutateCircuit("beta", func(c *Circuit) {
			c.Failures++
		}); err != nil {
			t.Fatal(err)
		}
	}

	c, err := st.GetCircuit("beta")
	if err != nil {
		t.Fatal(err)
	}
	if c.Failures != 3 {
		t.Errorf("failures = %d, want 3", c.Failures)
	}
	if c.State != CircuitClosed {
		t.Errorf("state = %q, want closed default", c.State)
	}
}

func TestGetCircuitDefaultsClosed(t *testing.T) {
	st := openStore(t, 100)
	c, err := st.GetCircuit("never-seen")
	if err != nil {
		t.Fatal(err)
	}
	if c.State != CircuitClosed || c.Failures != 0 {
		t.Errorf("fresh circuit = %+v", c)
	}
}

func TestNonceRecordAndTrim(t *testing.T) {
	st := openStore(t, 100)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	st.RecordNonce("old", now.Add(-20*time.Minute))
	st.RecordNonce("recent", now.Add(-time.Minute))

	seen, err := st.SeenNonce("old")
	if err != nil || !seen {
		t.Fatalf("seen old = %v, %v", seen, err)
	}
	if seen, _ := st.SeenNonce("never"); seen {
		t.Error("unknown nonce reported seen")
	}

	trimmed, err := st.TrimNonces(now.Add(-10 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if trimmed != 1 {
		t.Errorf("trimmed = %d, want 1", trimmed)
	}
	if seen, _ := st.SeenNonce("old"); seen {
		t.Error("trimmed nonce still reported seen")
	}
	if seen, _ := st.SeenNonce("recent"); !seen {
		t.Error("recent nonce lost in trim")
	}
}

func TestCountersAccumulate(t *testing.T) {
	st := openStore(t, 100)

	if _, err := st.IncCounter(CounterSent, 1); err != nil {
		t.Fatal(err)
	}
	got, err := st.IncCounter(CounterSent, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got != 3 {
		t.Errorf("counter = %d, want 3", got)
	}
	if v, _ := st.GetCounter(CounterReceived); v != 0 {
		t.Errorf("untouched counter = %d, want 0", v)
	}
}

func TestConversationArchiveMoves(t *testing.T) {
	st := openStore(t, 100)
	if err := st.SaveConversation("rally_1", []byte(`{"q":"disk?"}`)); err != nil {
		t.Fatal(err)
	}

	if err := st.ArchiveConversation("rally_1"); err != nil {
		t.Fatal(err)
	}

	live, _ := st.GetConversation("rally_1")
	if live != nil {
		t.Error("archived conversation still live")
	}
	archived, _ := st.GetArchivedConversation("rally_1")
	if string(archived) != `{"q":"disk?"}` {
		t.Errorf("archived = %s", archived)
	}

	if err := st.ArchiveConversation("rally_missing"); err == nil {
		t.Error("archiving a missing conversation should fail")
	}
}

func TestUnarchiveConversationRestores(t *testing.T) {
	st := openStore(t, 100)
	st.SaveConversation("rally_1", []byte(`{"q":"disk?"}`))
	if err := st.ArchiveConversation("rally_1"); err != nil {
		t.Fatal(err)
	}

	if err := st.UnarchiveConversation("rally_1"); err != nil {
		t.Fatal(err)
	}
	live, _ := st.GetConversation("rally_1")
	if string(live) != `{"q":"disk?"}` {
		t.Errorf("live = %s", live)
	}
	archived, _ := st.GetArchivedConversation("rally_1")
	if archived != nil {
		t.Error("unarchived conversation still in archive")
	}

	if err := st.UnarchiveConversation("rally_missing"); err == nil {
		t.Error("unarchiving a missing conversation should fail")
	}
}

func TestSessionBlobLifecycle(t *testing.T) {
	st := openStore(t, 100)
	st.SaveSession("standup", []byte(`{"n":1}`))
	st.SaveSession("deploys", []byte(`{"n":2}`))

	all, err := st.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("sessions = %d, want 2", len(all))
	}

	if err := st.DeleteSession("standup"); err != nil {
		t.Fatal(err)
	}
	if v, _ := st.GetSession("standup"); v != nil {
		t.Error("deleted session still present")
	}
}

func TestRoutingTableRoundTrip(t *testing.T) {
	st := openStore(t, 100)

	rt, err := st.GetRoutingTable()
	if err != nil {
		t.Fatal(err)
	}
	if rt.Self != "" || rt.Relay != "" {
		t.Errorf("fresh routing table = %+v", rt)
	}

	want := RoutingTable{
		Self:        "alpha",
		Hub:         "hub",
		Relay:       "gamma",
		MeshHealth:  MeshHealth{Up: 2, Down: 1, Total: 3},
		LastUpdated: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := st.PutRoutingTable(want); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetRoutingTable()
	if err != nil {
		t.Fatal(err)
	}
	if got.Relay != "gamma" || got.MeshHealth.Up != 2 || !got.LastUpdated.Equal(want.LastUpdated) {
		t.Errorf("routing table = %+v", got)
	}
}

func TestPeerHealthRoundTrip(t *testing.T) {
	st := openStore(t, 100)

	_, found, err := st.GetPeerHealth("beta")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("unknown peer reported found")
	}

	h := PeerHealth{IP: "10.0.0.2", Port: 8900, Reachable: true, LatencyMs: 12}
	if err := st.PutPeerHealth("beta", h); err != nil {
		t.Fatal(err)
	}
	got, found, err := st.GetPeerHealth("beta")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if !got.Reachable || got.LatencyMs != 12 {
		t.Errorf("health = %+v", got)
	}
}
