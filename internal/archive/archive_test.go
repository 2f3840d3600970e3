package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGitArchiveTagsEachRelease(t *testing.T) {
	tempDir := t.TempDir()
	archive := NewGitArchive(tempDir)
	ctx := context.Background()

	first := Release{
		SurveyID:   "srv_1",
		NameID:     "wellbeing",
		Version:    1,
		Title:      "Wellbeing",
		ReleasedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Document:   []byte(`{"version":1}`),
	}
	if err := archive.Archive(ctx, first); err != nil {
		t.Fatalf("Archive(v1) error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "wellbeing", snapshotFile)); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}

	second := first
	second.SurveyID = "srv_2"
	second.Version = 2
	second.Document = []byte(`{"version":2}`)
	if err := archive.Archive(ctx, second); err != nil {
		t.Fatalf("Archive(v2) error = %v", err)
	}

	versions, err := archive.Versions(ctx, "wellbeing")
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		t.Fatalf("unexpected versions: %v", versions)
	}

	got, err := archive.Snapshot(ctx, "wellbeing", 1)
	if err != nil {
		t.Fatalf("Snapshot(v1) error = %v", err)
	}
	if string(got) != `{"version":1}` {
		t.Fatalf("v1 snapshot = %s", got)
	}
	got, err = archive.Snapshot(ctx, "wellbeing", 2)
	if err != nil {
		t.Fatalf("Snapshot(v2) error = %v", err)
	}
	if string(got) != `{"version":2}` {
		t.Fatalf("v2 snapshot = %s", got)
	}
}

func TestGitArchiveMissingReleases(t *testing.T) {
	archive := NewGitArchive(t.TempDir())
	ctx := context.Background()

	versions, err := archive.Versions(ctx, "never-released")
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("unexpected versions: %v", versions)
	}
	if _, err := archive.Snapshot(ctx, "never-released", 1); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("Snapshot() on missing family error = %v", err)
	}

	release := Release{NameID: "pulse", Version: 1, ReleasedAt: time.Now(), Document: []byte(`{}`)}
	if err := archive.Archive(ctx, release); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if _, err := archive.Snapshot(ctx, "pulse", 2); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("Snapshot() on missing version error = %v", err)
	}
}

func TestParseVersionTag(t *testing.T) {
	cases := map[string]int{"v1": 1, "v12": 12, "v0": 0, "1": 0, "vx": 0, "release": 0}
	for tag, want := range cases {
		got, ok := parseVersionTag(tag)
		if ok != (want > 0) || got != want {
			t.Fatalf("parseVersionTag(%q) = %d, %v", tag, got, ok)
		}
	}
}

func TestGitArchiveReleaseTwiceKeepsTag(t *testing.T) {
	archive := NewGitArchive(t.TempDir())
	release := Release{NameID: "pulse", Version: 1, ReleasedAt: time.Now(), Document: []byte(`{}`)}
	if err := archive.Archive(context.Background(), release); err != nil {
		t.Fatalf("first Archive() error = %v", err)
	}
	if err := archive.Archive(context.Background(), release); err != nil {
		t.Fatalf("second Archive() error = %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"wellbeing": "wellbeing",
		"a/b":       "a_b",
		"..":        "_",
		"":          "_",
		"x y.z":     "x_y.z",
	}
	for input, want := range cases {
		if got := sanitizeName(input); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestObjectKey(t *testing.T) {
	if got := objectKey("team/pulse", 3); got != "team_pulse/v3.json" {
		t.Fatalf("objectKey() = %q", got)
	}
}
