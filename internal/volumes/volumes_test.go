package volumes

import (
	"os/exec"
	"testing"

	"github.com/pantacor/pantavisor-go/internal/osutil"
	"github.com/pantacor/pantavisor-go/internal/state"
)

func TestMountAllSkipsNonLoopimgAndHigherRunlevel(t *testing.T) {
	run := osutil.NewRunner(nil)
	var ran []string
	run.SetCommand(func(name string, args ...string) *exec.Cmd {
		ran = append(ran, name)
		return exec.Command("true")
	})
	m := New(run, t.TempDir())

	st := &state.State{
		Platforms: []state.Platform{
			{Name: "app", Runlevel: state.RunlevelApp, Done: true},
		},
		Volumes: []state.Volume{
			{Name: "data", Type: state.VolumeLoopImg, PlatformRef: "app"},
			{Name: "other", Type: "OTHER", PlatformRef: "app"},
		},
	}

	if err := m.MountAll("10", st, state.RunlevelData); err != nil {
		t.Fatal(err)
	}
	// RunlevelApp (3) > RunlevelData (2): data volume should be skipped, no mount calls made.
	for _, name := range ran {
		if name == "mount" {
			t.Errorf("expected no mount call for app-runlevel volume before app starts")
		}
	}
}
