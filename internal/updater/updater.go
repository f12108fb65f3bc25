// Package updater is the update engine (C7): resume, check-for-updates,
// download, install, arm/test/finish, and the local install path.
//
// Grounded on spec.md §4.7. The download loop mirrors image-pull
// streaming (stream into a temp location, hash as it goes, commit on
// match) adapted here to the hub client and object store; status uses
// a small typed int with a String() method, the same enum style used
// throughout this codebase. github.com/samber/lo filters the set
// of (path,id) pairs that still need downloading.
package updater

import (
	"context"
	"io"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/pantacor/pantavisor-go/internal/bootloader"
	"github.com/pantacor/pantavisor-go/internal/hub"
	"github.com/pantacor/pantavisor-go/internal/objects"
	"github.com/pantacor/pantavisor-go/internal/perr"
	"github.com/pantacor/pantavisor-go/internal/revision"
	"github.com/pantacor/pantavisor-go/internal/state"
)

// Status is one Update's lifecycle position (spec.md §4.7 state diagram).
type Status int

const (
	StatusQueued Status = iota
	StatusDownloading
	StatusInstalled
	StatusTrying
	StatusTesting
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusDownloading:
		return "DOWNLOADING"
	case StatusInstalled:
		return "INSTALLED"
	case StatusTrying:
		return "TRYING"
	case StatusTesting:
		return "TESTING"
	case StatusDone:
		return "DONE"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Update tracks one revision's install/trial lifecycle.
type Update struct {
	Rev      string
	State    *state.State
	Status   Status
	Attempts int
	Local    bool

	probationStart time.Time
}

// Engine wires the collaborators the update operations need.
type Engine struct {
	log    *logrus.Entry
	hub    *hub.Client
	objs   *objects.Store
	revs   *revision.Store
	boot   bootloader.Adapter
	prn    string
	retries int
	retryTimeout time.Duration
	commitDelay  time.Duration
	networkTimeout time.Duration
}

// Config carries the policy knobs consumed from internal/config.Settings.
type Config struct {
	PRN            string
	Retries        int
	RetryTimeout   time.Duration
	CommitDelay    time.Duration
	NetworkTimeout time.Duration
}

// New constructs an Engine.
func New(log *logrus.Entry, h *hub.Client, objs *objects.Store, revs *revision.Store, boot bootloader.Adapter, cfg Config) *Engine {
	return &Engine{
		log: log, hub: h, objs: objs, revs: revs, boot: boot,
		prn: cfg.PRN, retries: cfg.Retries, retryTimeout: cfg.RetryTimeout,
		commitDelay: cfg.CommitDelay, networkTimeout: cfg.NetworkTimeout,
	}
}

// Resume reconstructs an in-flight Update from bootloader state after a
// reboot (spec.md §4.7 resume). It returns nil, nil if no trial is in
// progress.
func (e *Engine) Resume() (*Update, error) {
	rs, rev, err := bootloader.Resume(e.boot)
	if err != nil {
		return nil, err
	}
	switch rs {
	case bootloader.ResumeNone:
		return nil, nil
	case bootloader.ResumeTrying:
		st, err := e.revs.ReadState(rev)
		if err != nil {
			return nil, err
		}
		return &Update{Rev: rev, State: st, Status: StatusTrying, probationStart: time.Now()}, nil
	case bootloader.ResumeRolledBack:
		st, err := e.revs.ReadState(rev)
		if err != nil {
			return nil, err
		}
		return &Update{Rev: rev, State: st, Status: StatusFailed}, nil
	}
	return nil, nil
}

// CheckForUpdates returns a pending State if the hub advertises a
// revision newer than currentRev, or nil if there is none.
func (e *Engine) CheckForUpdates(ctx context.Context, currentRev string) (*state.State, error) {
	steps, err := e.hub.TrailSteps(ctx, e.prn)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if step.Rev == currentRev {
			continue
		}
		st, err := state.Parse(step.Rev, step.Data)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, nil
}

// Download fetches every object a state references that isn't already
// present and verified in the object store (spec.md §4.7 download).
// Each object streams from the hub straight into objects.Store's
// <id>.new temp file through an io.Pipe, hashing as it goes, instead of
// buffering the whole blob in memory first — BSP blobs can be large
// enough that this matters (spec.md §5 chunked-download discipline).
func (e *Engine) Download(ctx context.Context, st *state.State) error {
	missing := lo.PickBy(st.Objects, func(_ string, id string) bool {
		return !e.objs.Has(id)
	})
	for path, id := range missing {
		if err := e.downloadOne(ctx, id); err != nil {
			return err
		}
		if e.log != nil {
			e.log.WithField("path", path).WithField("id", id).Debug("downloaded object")
		}
	}
	return nil
}

func (e *Engine) downloadOne(ctx context.Context, id string) error {
	pr, pw := io.Pipe()
	putErr := make(chan error, 1)
	go func() {
		putErr <- e.objs.Put(id, pr)
	}()

	if err := e.hub.GetObject(ctx, id, pw); err != nil {
		pw.CloseWithError(err)
		<-putErr
		return err
	}
	pw.Close()
	return <-putErr
}

// RequiresReboot reports whether installing next vs current needs a
// reboot: any BSP field changed, or any affected platform's runlevel is
// <= RunlevelData (spec.md §4.7 requires_reboot).
func RequiresReboot(current, next *state.State) bool {
	if current == nil {
		return true
	}
	if current.BSP != next.BSP {
		return true
	}
	return next.MinRunlevel() <= state.RunlevelData
}

// Install materialises st onto disk and arms the bootloader if a reboot
// is required (spec.md §4.7 install).
func (e *Engine) Install(ctx context.Context, current, next *state.State) (*Update, error) {
	u := &Update{Rev: next.Rev, State: next, Status: StatusDownloading}

	if err := e.Download(ctx, next); err != nil {
		u.Status = StatusFailed
		return u, err
	}

	if err := e.revs.WriteState(next.Rev, next.JSON); err != nil {
		u.Status = StatusFailed
		return u, err
	}
	if err := e.revs.ExpandInlineJSONs(next.Rev, next); err != nil {
		u.Status = StatusFailed
		return u, err
	}
	for path, id := range next.Objects {
		if err := e.objs.LinkInto(e.revs.Root(next.Rev), path, id); err != nil {
			u.Status = StatusFailed
			return u, err
		}
	}
	if err := e.revs.LinkBootAssets(next.Rev, next); err != nil {
		u.Status = StatusFailed
		return u, err
	}

	u.Status = StatusInstalled

	if RequiresReboot(current, next) {
		if err := e.boot.SetTry(next.Rev); err != nil {
			u.Status = StatusFailed
			return u, err
		}
	} else {
		u.Status = StatusDone
	}
	return u, nil
}

// Test transitions TRYING -> TESTING and starts the probation timer
// (spec.md §4.7 test).
func (e *Engine) Test(u *Update) {
	u.Status = StatusTesting
	u.probationStart = time.Now()
}

// ProbationExpired reports whether the commit delay has elapsed since Test.
func (u *Update) ProbationExpired(commitDelay time.Duration) bool {
	return !u.probationStart.IsZero() && time.Since(u.probationStart) >= commitDelay
}

// TrialStart returns when the trial boot's probation window began
// (set by Engine.Test, or by Resume when reconstructing a TRYING update).
func (u *Update) TrialStart() time.Time {
	return u.probationStart
}

// Finish commits or rolls back a trial, per spec.md §4.7 finish.
func (e *Engine) Finish(ctx context.Context, u *Update, success bool) error {
	if success {
		if err := e.boot.SetRev(u.Rev); err != nil {
			return err
		}
		if err := e.boot.ClearTry(); err != nil {
			return err
		}
		u.Status = StatusDone
	} else {
		u.Status = StatusFailed
	}
	if e.hub != nil && !u.Local {
		status := "DONE"
		if !success {
			status = "WONTGO"
		}
		_ = e.hub.PutProgress(ctx, e.prn, u.Rev, hub.ProgressUpdate{Status: status})
	}
	return nil
}

// InstallLocal accepts a hand-delivered state JSON under locals/<name>,
// skipping the hub entirely (spec.md §4.7 install_local).
func (e *Engine) InstallLocal(ctx context.Context, name string, data []byte) (*Update, error) {
	rev := revision.LocalsPrefix + name
	st, err := state.Parse(rev, data)
	if err != nil {
		return nil, err
	}
	st.Local = true
	if err := st.Validate(); err != nil {
		return nil, err
	}
	for path, id := range st.Objects {
		if !e.objs.Has(id) {
			return nil, perr.New(perr.Integrity, "local install references missing object %s (%s)", id, path)
		}
	}
	if err := e.revs.WriteState(rev, st.JSON); err != nil {
		return nil, err
	}
	for path, id := range st.Objects {
		if err := e.objs.LinkInto(e.revs.Root(rev), path, id); err != nil {
			return nil, err
		}
	}
	u := &Update{Rev: rev, State: st, Status: StatusInstalled, Local: true}
	u.Status = StatusDone
	return u, nil
}

// Retryable reports whether attempts has not yet exhausted the retry
// budget for a Transient failure (spec.md §4.7 "Retryable errors").
func (e *Engine) Retryable(u *Update) bool {
	return u.Attempts < e.retries
}
