// Package osutil wraps shell execution and atomic file operations.
//
// Splits "build an *exec.Cmd" from "run it and sanitise the output",
// using mgutz/str for argv splitting and jesseduffield/kill for
// process-group teardown. Used throughout the device agent for
// mount/umount invocations, bootloader environment tool invocations,
// and atomic (write-fsync-rename) file writes across the object store,
// revision store and config store.
package osutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/jesseduffield/kill"
	"github.com/mgutz/str"
	"github.com/sirupsen/logrus"

	"github.com/pantacor/pantavisor-go/internal/perr"
)

// Runner executes shell commands. SetCommand lets tests substitute exec.Command.
type Runner struct {
	Log     *logrus.Entry
	command func(string, ...string) *exec.Cmd
}

// NewRunner returns a runner bound to the real exec.Command.
func NewRunner(log *logrus.Entry) *Runner {
	return &Runner{Log: log, command: exec.Command}
}

// SetCommand overrides the command constructor; for tests only.
func (r *Runner) SetCommand(cmd func(string, ...string) *exec.Cmd) {
	r.command = cmd
}

func (r *Runner) newCmd(name string, args ...string) *exec.Cmd {
	cmd := r.command(name, args...)
	cmd.Env = os.Environ()
	return cmd
}

// Run runs a command line (split with mgutz/str's shell-aware tokenizer)
// and returns combined output.
func (r *Runner) Run(commandLine string) (string, error) {
	argv := str.ToArgv(commandLine)
	if len(argv) == 0 {
		return "", perr.New(perr.Configuration, "empty command line")
	}
	cmd := r.newCmd(argv[0], argv[1:]...)
	before := time.Now()
	out, err := cmd.CombinedOutput()
	if r.Log != nil {
		r.Log.WithField("duration", time.Since(before)).Debugf("ran %q", commandLine)
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return string(out), perr.Wrap(perr.Transient, err, "%s", string(exitErr.Stderr))
		}
		return string(out), perr.Wrap(perr.Transient, err, "running %q", commandLine)
	}
	return string(out), nil
}

// RunArgs runs argv directly (no shell tokenizing), used for commands built
// programmatically (mount, losetup, fw_setenv) where quoting would be unsafe.
func (r *Runner) RunArgs(name string, args ...string) (string, error) {
	cmd := r.newCmd(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), perr.Wrap(perr.Transient, err, "running %s %v", name, args)
	}
	return string(out), nil
}

// StartGroup starts cmd in its own process group so StopGroup can reap
// children too.
func StartGroup(cmd *exec.Cmd) error {
	kill.PrepareForChildren(cmd)
	return cmd.Start()
}

// StopGroup kills cmd's whole process group. Nothing in this module
// calls it; the pid-1 reaper in cmd/pantavisor only reaps exited children.
func StopGroup(cmd *exec.Cmd) error {
	return kill.Kill(cmd)
}

// WriteFileAtomic writes data to path via a temp file in the same directory,
// fsyncs it, then renames over the target — the write-fsync-rename sequence
// spec.md §4.3/§5 requires for state JSON, progress sidecars and credentials.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return perr.Wrap(perr.Transient, err, "mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return perr.Wrap(perr.Transient, err, "create temp in %s", dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return perr.Wrap(perr.Transient, err, "write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return perr.Wrap(perr.Transient, err, "fsync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return perr.Wrap(perr.Transient, err, "close %s", tmpName)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return perr.Wrap(perr.Transient, err, "chmod %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return perr.Wrap(perr.Transient, err, "rename %s -> %s", tmpName, path)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return nil // best effort; not all filesystems support dir fsync
	}
	defer f.Close()
	_ = f.Sync()
	return nil
}

// ReplaceSymlink atomically swaps a symlink to point at target: create a
// new link under a temp name then rename over old, per spec.md §5's
// "set_active is observably atomic for readers" guarantee.
func ReplaceSymlink(linkPath, target string) error {
	dir := filepath.Dir(linkPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return perr.Wrap(perr.Transient, err, "mkdir %s", dir)
	}
	tmp := linkPath + ".tmp-link"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return perr.Wrap(perr.Transient, err, "symlink %s -> %s", tmp, target)
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		return perr.Wrap(perr.Transient, err, "rename symlink %s", linkPath)
	}
	return nil
}

// FileExists reports whether path exists on disk.
func FileExists(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
