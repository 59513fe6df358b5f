package storage

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/reliefmesh/internal/proto"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func msg(id, ch string, at int64) proto.Message {
	return proto.Message{ID: id, ChannelID: ch, PubKey: "ab", Content: "c-" + id, CreatedAt: at, Alias: "SwiftFalcon0"}
}

func TestOpenCreatesFileAndSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "nested"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if filepath.Base(db.Path()) != "chat.db" {
		t.Fatalf("path = %s", db.Path())
	}
	v, err := db.Meta("schema_version")
	if err != nil || v != schemaVersion {
		t.Fatalf("schema_version = %q, %v", v, err)
	}
	if err := db.SetMeta("k", "1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMeta("k", "2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.Meta("k"); v != "2" {
		t.Fatalf("meta k = %q", v)
	}
	if v, _ := db.Meta("missing"); v != "" {
		t.Fatalf("missing meta = %q", v)
	}
}

func TestAppendMessageDedup(t *testing.T) {
	db := openTestDB(t)

	m := msg("e1", "camp-c1", 100)
	for i := 0; i < 3; i++ {
		inserted, err := db.AppendMessage(m)
		if err != nil {
			t.Fatal(err)
		}
		if inserted != (i == 0) {
			t.Fatalf("append #%d inserted=%v", i, inserted)
		}
	}

	n, err := db.CountByChannel("camp-c1")
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}

	// A later copy with different content does not overwrite.
	dup := m
	dup.Content = "changed"
	db.AppendMessage(dup)
	got, ok, err := db.GetMessage("e1")
	if err != nil || !ok || got.Content != m.Content {
		t.Fatalf("GetMessage = %+v %v %v", got, ok, err)
	}
}

func TestAppendMessageRejectsIncomplete(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.AppendMessage(proto.Message{ChannelID: "x"}); err == nil {
		t.Fatal("expected error for empty id")
	}
	if _, err := db.AppendMessage(proto.Message{ID: "x"}); err == nil {
		t.Fatal("expected error for empty channel")
	}
}

func TestMessagesByChannelOrdering(t *testing.T) {
	db := openTestDB(t)

	for _, m := range []proto.Message{
		msg("b", "loc-wh9", 200),
		msg("a", "loc-wh9", 200),
		msg("z", "loc-wh9", 50),
		msg("other", "loc-wh9ht", 10),
	} {
		if _, err := db.AppendMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.MessagesByChannel("loc-wh9")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"z", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages", len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: got %s want %s", i, got[i].ID, id)
		}
	}

	empty, err := db.MessagesByChannel("nothing")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty channel = %v, %v", empty, err)
	}
}

func TestGetMessageMissing(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.GetMessage("nope")
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestRecordPublishedSupersedesOfflineCopy(t *testing.T) {
	db := openTestDB(t)

	local := msg(proto.LocalIDPrefix+"1", "emergency-broadcast", 100)
	local.Local = true
	if _, err := db.QueueOffline(proto.QueuedMessage{ChannelID: local.ChannelID, Content: local.Content}, local); err != nil {
		t.Fatal(err)
	}

	pub := msg("evt1", "emergency-broadcast", 105)
	if err := db.RecordPublished(local.ID, pub); err != nil {
		t.Fatal(err)
	}

	view, err := db.MessagesByChannel("emergency-broadcast")
	if err != nil {
		t.Fatal(err)
	}
	if len(view) != 1 || view[0].ID != "evt1" {
		t.Fatalf("view = %+v", view)
	}

	old, ok, _ := db.GetMessage(local.ID)
	if !ok || old.SupersededBy != "evt1" || !old.Local {
		t.Fatalf("offline copy = %+v", old)
	}

	// Written once.
	if err := db.MarkSuperseded(local.ID, "evt2"); err != nil {
		t.Fatal(err)
	}
	old, _, _ = db.GetMessage(local.ID)
	if old.SupersededBy != "evt1" {
		t.Fatalf("superseded_by changed to %s", old.SupersededBy)
	}
}

func TestOutboxFIFOAndClearThrough(t *testing.T) {
	db := openTestDB(t)

	var seqs []int64
	for _, c := range []string{"one", "two", "three"} {
		seq, err := db.Enqueue(proto.QueuedMessage{ChannelID: "camp-c1", Content: c})
		if err != nil {
			t.Fatal(err)
		}
		seqs = append(seqs, seq)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 || pending[0].Content != "one" || pending[2].Content != "three" {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].EnqueuedAt == 0 {
		t.Fatal("enqueued_at not set")
	}

	if _, err := db.ClaimOutbox("drain-a", 0); err != nil {
		t.Fatal(err)
	}
	n, err := db.ClearOutboxThrough("drain-a", seqs[1])
	if err != nil || n != 2 {
		t.Fatalf("cleared %d, %v", n, err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 1 || pending[0].Seq != seqs[2] {
		t.Fatalf("after clear = %+v", pending)
	}

	// Sequence numbers are never reused.
	seq, _ := db.Enqueue(proto.QueuedMessage{ChannelID: "camp-c1", Content: "four"})
	if seq <= seqs[2] {
		t.Fatalf("seq %d reused", seq)
	}
}

func TestDeleteOutbox(t *testing.T) {
	db := openTestDB(t)

	a, _ := db.Enqueue(proto.QueuedMessage{ChannelID: "c", Content: "a"})
	b, _ := db.Enqueue(proto.QueuedMessage{ChannelID: "c", Content: "b"})
	c, _ := db.Enqueue(proto.QueuedMessage{ChannelID: "c", Content: "c"})

	if err := db.DeleteOutbox(); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteOutbox(a, c); err != nil {
		t.Fatal(err)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 1 || pending[0].Seq != b {
		t.Fatalf("pending = %+v", pending)
	}
	if n, _ := db.OutboxLen(); n != 1 {
		t.Fatalf("len = %d", n)
	}
}

func TestOutboxSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	local := msg(proto.LocalIDPrefix+"x", "camp-c1", 1)
	if _, err := db.QueueOffline(proto.QueuedMessage{ChannelID: "camp-c1", Content: "hi"}, local); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	pending, _ := db.PendingOutbox()
	if len(pending) != 1 || pending[0].LocalID != local.ID {
		t.Fatalf("pending after reopen = %+v", pending)
	}
	if _, ok, _ := db.GetMessage(local.ID); !ok {
		t.Fatal("offline copy lost")
	}
}

func TestClaimOutboxAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	for _, c := range []string{"one", "two", "three"} {
		if _, err := a.Enqueue(proto.QueuedMessage{ChannelID: "camp-c1", Content: c}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := a.ClaimOutbox("drain-a", 0)
	if err != nil || len(got) != 3 || got[0].Content != "one" {
		t.Fatalf("a claimed %+v, %v", got, err)
	}
	if more, _ := b.HasClaimable("drain-b", 0); more {
		t.Fatal("entries held by a must not look claimable to b")
	}
	other, err := b.ClaimOutbox("drain-b", 0)
	if err != nil || len(other) != 0 {
		t.Fatalf("b claimed %+v, %v", other, err)
	}
	if held, _ := b.RenewClaim("drain-b", got[0].Seq); held {
		t.Fatal("b renewed a claim it never had")
	}

	// b may not clear what a holds.
	if n, _ := b.ClearOutboxThrough("drain-b", got[2].Seq); n != 0 {
		t.Fatalf("b cleared %d", n)
	}
	if n, _ := a.ClearOutboxThrough("drain-a", got[0].Seq); n != 1 {
		t.Fatalf("a cleared %d", n)
	}

	// Released entries become b's to take.
	if err := a.ReleaseOutbox("drain-a"); err != nil {
		t.Fatal(err)
	}
	other, _ = b.ClaimOutbox("drain-b", 0)
	if len(other) != 2 || other[0].Content != "two" {
		t.Fatalf("b claimed after release %+v", other)
	}
}

func TestExpiredClaimIsTakenOver(t *testing.T) {
	db := openTestDB(t)
	seq, _ := db.Enqueue(proto.QueuedMessage{ChannelID: "c", Content: "a"})

	if got, _ := db.ClaimOutbox("crashed", 0); len(got) != 1 {
		t.Fatalf("claimed %+v", got)
	}
	// Age the lease past its expiry, as if the holder died mid-drain.
	stale := time.Now().Add(-2 * OutboxLease).Unix()
	if _, err := db.db.Exec(`UPDATE _outbox SET claimed_at = ? WHERE seq = ?`, stale, seq); err != nil {
		t.Fatal(err)
	}

	got, err := db.ClaimOutbox("fresh", 0)
	if err != nil || len(got) != 1 || got[0].Seq != seq {
		t.Fatalf("takeover %+v, %v", got, err)
	}
	if held, _ := db.RenewClaim("crashed", seq); held {
		t.Fatal("old holder still holds the entry")
	}
}

func TestOpenMigratesSchemaOne(t *testing.T) {
	dir := t.TempDir()
	raw, err := sql.Open("sqlite", filepath.Join(dir, dbFile))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := raw.Exec(`
		CREATE TABLE _meta (key TEXT PRIMARY KEY, value TEXT);
		INSERT INTO _meta (key, value) VALUES ('schema_version', '1');
		CREATE TABLE _outbox (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id  TEXT NOT NULL,
			content     TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			local_id    TEXT NOT NULL DEFAULT ''
		);
		INSERT INTO _outbox (channel_id, content, enqueued_at) VALUES ('c', 'old', 1);
	`); err != nil {
		t.Fatal(err)
	}
	raw.Close()

	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if v, _ := db.Meta("schema_version"); v != schemaVersion {
		t.Fatalf("schema_version = %q", v)
	}
	got, err := db.ClaimOutbox("drain-a", 0)
	if err != nil || len(got) != 1 || got[0].Content != "old" {
		t.Fatalf("claimed %+v, %v", got, err)
	}
}
