package revision

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pantacor/pantavisor-go/internal/objects"
	"github.com/pantacor/pantavisor-go/internal/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	state.Register(state.NewMulti1Parser())
	mnt := t.TempDir()
	objStore := objects.New(filepath.Join(mnt, "objects"))
	return New(mnt, objStore)
}

func TestWriteReadState(t *testing.T) {
	s := newTestStore(t)
	body := []byte(`{"#spec":"pantavisor-multi-platform@1"}`)
	if err := s.WriteState("10", body); err != nil {
		t.Fatal(err)
	}
	st, err := s.ReadState("10")
	if err != nil {
		t.Fatal(err)
	}
	if st.Rev != "10" {
		t.Errorf("got rev %q, want 10", st.Rev)
	}
}

func TestSetActiveAndCurrent(t *testing.T) {
	s := newTestStore(t)
	if err := s.WriteState("10", []byte(`{"#spec":"pantavisor-multi-platform@1"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetActive("10"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Current()
	if err != nil {
		t.Fatal(err)
	}
	if got != "10" {
		t.Errorf("got current %q, want 10", got)
	}
}

func TestListRevsUnionLocals(t *testing.T) {
	s := newTestStore(t)
	for _, rev := range []string{"10", "11"} {
		if err := os.MkdirAll(s.Root(rev), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(s.Root(LocalsPrefix+"dev1"), 0o755); err != nil {
		t.Fatal(err)
	}

	revs, err := s.ListRevs()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"10": true, "11": true, "locals/dev1": true}
	if len(revs) != len(want) {
		t.Fatalf("got %v, want keys of %v", revs, want)
	}
	for _, r := range revs {
		if !want[r] {
			t.Errorf("unexpected rev %q", r)
		}
	}
}

func TestRemoveRev(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(s.Root("10"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveRev("10"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.Root("10")); !os.IsNotExist(err) {
		t.Errorf("expected trails/10 to be gone")
	}
}
