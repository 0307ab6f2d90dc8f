package database

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestPendingFilesSortsUpMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"003_transcripts.up.sql", "001_subjects.up.sql", "001_subjects.down.sql", "002_notification_logs.up.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("-- sql"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "archive.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := pendingFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"001_subjects.up.sql", "002_notification_logs.up.sql", "003_transcripts.up.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("pendingFiles = %v, want %v", got, want)
	}
}

func TestPendingFilesMissingDir(t *testing.T) {
	if _, err := pendingFiles(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestRepositoryMigrationsPresent(t *testing.T) {
	got, err := pendingFiles(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("no migrations shipped")
	}
}
