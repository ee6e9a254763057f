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
		t.Errorf("version = %d, want 2 (local_storage + sync_state)", result.Version)
	}
	if result.Dirty {
		t.Error("migration left the schema dirty")
	}
}

func TestLocalStoragePutGet(t *testing.T) {
	db := testDB(t)

	if _, ok, err := db.Get("chat_offline_queue"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v; want ok=false err=nil", ok, err)
	}

	if err := db.Put("chat_offline_queue", `[{"event":"sendMessage"}]`); err != nil {
		t.Fatal(err)
	}
	if err := db.Put("chat_offline_queue", `[]`); err != nil {
		t.Fatal(err)
	}

	v, ok, err := db.Get("chat_offline_queue")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != "[]" {
		t.Errorf("Get = %q, %v; want \"[]\", true (overwritten)", v, ok)
	}
}

func TestLocalStorageDelete(t *testing.T) {
	db := testDB(t)

	if err := db.Put("k", "v"); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete("k"); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete("k"); err != nil {
		t.Fatalf("Delete(missing) error = %v", err)
	}
	if _, ok, _ := db.Get("k"); ok {
		t.Error("key still present after Delete")
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)

	v, at, err := db.Checkpoint("last_sweep_at")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" || !at.IsZero() {
		t.Errorf("missing checkpoint = %q, %v; want empty", v, at)
	}

	if err := db.UpdateCheckpoint("last_sweep_at", "1714557600000"); err != nil {
		t.Fatal(err)
	}
	v, at, err = db.Checkpoint("last_sweep_at")
	if err != nil {
		t.Fatal(err)
	}
	if v != "1714557600000" {
		t.Errorf("checkpoint = %q, want 1714557600000", v)
	}
	if at.IsZero() {
		t.Error("checkpoint updated_at not recorded")
	}
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.Put("chat_offline_queue", "persisted"); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	v, ok, err := db.Get("chat_offline_queue")
	if err != nil || !ok || v != "persisted" {
		t.Errorf("after reopen Get = %q, %v, %v; want persisted", v, ok, err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "profile", "chatsync.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = db.Close()
}
