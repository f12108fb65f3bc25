// Package volumes mounts and unmounts the LOOPIMG volumes a revision's
// state may declare (spec.md §3 Volume), keyed by the runlevel at which
// they must be available before their referencing platform starts.
//
// Grounded on internal/osutil's Runner, reused here for mkdir/mount/umount
// invocations the same way it's reused for every other external tool call.
package volumes

import (
	"path/filepath"

	"github.com/pantacor/pantavisor-go/internal/osutil"
	"github.com/pantacor/pantavisor-go/internal/perr"
	"github.com/pantacor/pantavisor-go/internal/state"
)

// Manager mounts loopback image volumes under <mnt>/disks/rev/<rev>/<name>.
type Manager struct {
	run *osutil.Runner
	mnt string
}

// New returns a Manager rooted at mnt.
func New(run *osutil.Runner, mnt string) *Manager {
	return &Manager{run: run, mnt: mnt}
}

func (m *Manager) mountPoint(rev, name string) string {
	return filepath.Join(m.mnt, "disks", "rev", rev, name)
}

// imagePath resolves the backing image file for a volume, hard-linked
// into the revision tree as trails/<rev>/<name>.img by the update
// engine's object linking step.
func (m *Manager) imagePath(rev, name string) string {
	return filepath.Join(m.mnt, "trails", rev, name+".img")
}

// MountAll mounts every LOOPIMG volume whose owning platform's runlevel
// is <= minRunlevel, in state.Volumes order (spec.md §3, §4.7).
func (m *Manager) MountAll(rev string, st *state.State, minRunlevel state.Runlevel) error {
	platformRunlevel := map[string]state.Runlevel{}
	for _, p := range st.Platforms {
		platformRunlevel[p.Name] = p.Runlevel
	}

	for _, v := range st.Volumes {
		if v.Type != state.VolumeLoopImg {
			continue
		}
		if rl, ok := platformRunlevel[v.PlatformRef]; ok && rl > minRunlevel {
			continue
		}
		if err := m.Mount(rev, v.Name); err != nil {
			return err
		}
	}
	return nil
}

// Mount loop-mounts one volume's backing image (spec.md §3 Volume:
// "LOOPIMG").
func (m *Manager) Mount(rev, name string) error {
	mp := m.mountPoint(rev, name)
	if _, err := m.run.RunArgs("mkdir", "-p", mp); err != nil {
		return perr.Wrap(perr.Transient, err, "mkdir %s", mp)
	}
	img := m.imagePath(rev, name)
	if _, err := m.run.RunArgs("mount", "-o", "loop", img, mp); err != nil {
		return perr.Wrap(perr.Transient, err, "mount %s -> %s", img, mp)
	}
	return nil
}

// Unmount unmounts one volume; errors are tolerated if it was never
// mounted (e.g. a rollback unwinding a partially-applied update).
func (m *Manager) Unmount(rev, name string) error {
	mp := m.mountPoint(rev, name)
	if _, err := m.run.RunArgs("umount", mp); err != nil {
		return perr.Wrap(perr.Transient, err, "umount %s", mp)
	}
	return nil
}

// UnmountAll unmounts every LOOPIMG volume in st, continuing past
// individual failures so one stuck mount doesn't block the rest.
func (m *Manager) UnmountAll(rev string, st *state.State) []error {
	var errs []error
	for _, v := range st.Volumes {
		if v.Type != state.VolumeLoopImg {
			continue
		}
		if err := m.Unmount(rev, v.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
