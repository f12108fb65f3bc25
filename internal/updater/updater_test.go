package updater

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pantacor/pantavisor-go/internal/objects"
	"github.com/pantacor/pantavisor-go/internal/revision"
	"github.com/pantacor/pantavisor-go/internal/state"
)

type fakeAdapter struct {
	try, rev string
}

func (f *fakeAdapter) SetTry(rev string) error          { f.try = rev; return nil }
func (f *fakeAdapter) ClearTry() error                  { f.try = ""; return nil }
func (f *fakeAdapter) SetRev(rev string) error           { f.rev = rev; return nil }
func (f *fakeAdapter) GetRev() (string, error)           { return f.rev, nil }
func (f *fakeAdapter) GetTry() (string, error)           { return f.try, nil }
func (f *fakeAdapter) RollbackFlagged() (bool, error)    { return false, nil }

func TestRequiresRebootOnBSPChange(t *testing.T) {
	cur := &state.State{BSP: state.BSP{Kernel: "a"}}
	next := &state.State{BSP: state.BSP{Kernel: "b"}}
	if !RequiresReboot(cur, next) {
		t.Error("expected reboot required on kernel change")
	}
}

func TestRequiresRebootFalseForAppRunlevelNoChange(t *testing.T) {
	cur := &state.State{BSP: state.BSP{Kernel: "a"}, Platforms: []state.Platform{{Done: true, Runlevel: state.RunlevelApp}}}
	next := &state.State{BSP: state.BSP{Kernel: "a"}, Platforms: []state.Platform{{Done: true, Runlevel: state.RunlevelApp}}}
	if RequiresReboot(cur, next) {
		t.Error("expected no reboot required for app-only, same BSP")
	}
}

func TestInstallLocal(t *testing.T) {
	state.Register(state.NewMulti1Parser())
	mnt := t.TempDir()
	objStore := objects.New(filepath.Join(mnt, "objects"))
	revStore := revision.New(mnt, objStore)
	e := New(nil, nil, objStore, revStore, &fakeAdapter{}, Config{})

	body := []byte(`{"#spec":"pantavisor-multi-platform@1"}`)
	u, err := e.InstallLocal(nil, "dev1", body)
	if err != nil {
		t.Fatal(err)
	}
	if u.Rev != "locals/dev1" {
		t.Errorf("got rev %q, want locals/dev1", u.Rev)
	}
	if u.Status != StatusDone {
		t.Errorf("got status %v, want DONE", u.Status)
	}
}

func TestProbationExpired(t *testing.T) {
	u := &Update{}
	e := &Engine{}
	e.Test(u)
	if u.ProbationExpired(time.Hour) {
		t.Error("expected not yet expired")
	}
	u.probationStart = time.Now().Add(-2 * time.Hour)
	if !u.ProbationExpired(time.Hour) {
		t.Error("expected expired")
	}
}
