package gc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pantacor/pantavisor-go/internal/objects"
	"github.com/pantacor/pantavisor-go/internal/revision"
)

func TestRunRemovesUnpinnedRevision(t *testing.T) {
	mnt := t.TempDir()
	objStore := objects.New(filepath.Join(mnt, "objects"))
	revStore := revision.New(mnt, objStore)

	if err := os.MkdirAll(revStore.Root("10"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(revStore.Root("11"), 0o755); err != nil {
		t.Fatal(err)
	}

	c := New(nil, mnt, revStore, objStore)
	result, err := c.Run(Pinned{Current: "11"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.RemovedRevs) != 1 || result.RemovedRevs[0] != "10" {
		t.Fatalf("got %v, want [10]", result.RemovedRevs)
	}
	if _, err := os.Stat(revStore.Root("11")); err != nil {
		t.Errorf("expected pinned rev 11 to survive: %v", err)
	}
}

func TestRunKeepsFactoryWhenPinned(t *testing.T) {
	mnt := t.TempDir()
	objStore := objects.New(filepath.Join(mnt, "objects"))
	revStore := revision.New(mnt, objStore)

	if err := os.MkdirAll(revStore.Root(revision.FactoryRev), 0o755); err != nil {
		t.Fatal(err)
	}

	c := New(nil, mnt, revStore, objStore)
	result, err := c.Run(Pinned{KeepFactory: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.RemovedRevs) != 0 {
		t.Fatalf("expected factory rev pinned, got removed %v", result.RemovedRevs)
	}
}
