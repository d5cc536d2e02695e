package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + rooms)", result.Version)
	}
	if result.Dirty {
		t.Error("schema left dirty")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)
	conv := RoomConversation(3)

	msg := &Message{Conversation: conv, ID: 10, RoomID: 3, SenderID: 2, SenderName: "ana", Content: "hello", Timestamp: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	// Upsert again should not create a duplicate, nor blank the sender name.
	if err := db.UpsertMessage(&Message{Conversation: conv, ID: 10, RoomID: 3, Content: "hello edited", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListRoomMessages(3, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Content != "hello edited" || msgs[0].SenderName != "ana" || msgs[0].SenderID != 2 {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestRecalledStaysRecalled(t *testing.T) {
	db := testDB(t)
	conv := PrivateConversation(2)

	if err := db.UpsertMessage(&Message{Conversation: conv, ID: 5, SenderID: 2, Content: "x", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	ok, err := db.MarkRecalled(conv, 5, "ana", "(recalled)")
	if err != nil || !ok {
		t.Fatalf("MarkRecalled() = %v, %v", ok, err)
	}
	if err := db.UpsertMessage(&Message{Conversation: conv, ID: 5, SenderID: 2, Content: "x", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage(conv, 5)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || !m.Recalled || m.RecalledBy != "ana" {
		t.Fatalf("message = %+v, want recalled by ana", m)
	}
	if m.Content != "(recalled)" {
		t.Errorf("content = %q, want placeholder kept over the later upsert", m.Content)
	}

	ok, err = db.MarkRecalled(conv, 99, "", "")
	if err != nil || ok {
		t.Errorf("MarkRecalled(missing) = %v, %v; want false, nil", ok, err)
	}
}

func TestListMessagesPagination(t *testing.T) {
	db := testDB(t)
	for i := int64(1); i <= 5; i++ {
		if err := db.UpsertMessage(&Message{Conversation: RoomConversation(1), ID: i, Content: "m", Timestamp: i * 1000}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListRoomMessages(1, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != 5 || page[1].ID != 4 {
		t.Fatalf("first page = %+v", page)
	}
	page, err = db.ListRoomMessages(1, page[1].Timestamp, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 || page[0].ID != 3 {
		t.Fatalf("second page = %+v", page)
	}

	other, err := db.ListPrivateMessages(1, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("private conversation leaked %d room messages", len(other))
	}
}

func TestGetMessageMissing(t *testing.T) {
	db := testDB(t)
	m, err := db.GetMessage(RoomConversation(1), 1)
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("expected nil for missing message")
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	conv := RoomConversation(1)
	for _, m := range []*Message{
		{Conversation: conv, ID: 1, Content: "hello world", Timestamp: 1000},
		{Conversation: conv, ID: 2, Content: "goodbye world", Timestamp: 2000},
		{Conversation: conv, ID: 3, Content: "100% hello", Timestamp: 3000, Recalled: true},
		{Conversation: RoomConversation(2), ID: 4, Content: "hello there", Timestamp: 4000},
	} {
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages("hello", conv, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != 1 {
		t.Fatalf("results = %+v, want message 1", results)
	}

	all, err := db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d results across conversations, want 2", len(all))
	}

	pct, err := db.SearchMessages("0%", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pct) != 0 {
		t.Errorf("literal %% matched %d non-recalled messages, want 0", len(pct))
	}
}

func TestRoomLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRoom(&Room{ID: 1, Name: "ops"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertRoom(&Room{ID: 2, Name: "dev", Description: "builds"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertRoom(&Room{ID: 1, Description: "pager"}); err != nil {
		t.Fatal(err)
	}

	r, err := db.GetRoom(1)
	if err != nil {
		t.Fatal(err)
	}
	if r == nil || r.Name != "ops" || r.Description != "pager" {
		t.Fatalf("room = %+v", r)
	}

	if err := db.DeleteRoom(2); err != nil {
		t.Fatal(err)
	}
	rooms, err := db.ListRooms()
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 || rooms[0].ID != 1 {
		t.Fatalf("rooms = %+v", rooms)
	}

	missing, err := db.GetRoom(2)
	if err != nil || missing != nil {
		t.Errorf("GetRoom(deleted) = %+v, %v", missing, err)
	}
}
