// Package controller is the top-level revision-lifecycle state machine
// (C9): boot, run, wait/poll, update, rollback, reboot, poweroff.
//
// Grounded on spec.md §4.9. The tick-function-per-state dispatch is a
// headless state machine with no UI: one function call per tick,
// cooperative and single-threaded (spec.md §5). Tick does not kick the
// watchdog; the caller's loop does that between ticks.
package controller

import (
	"context"
	cryptorand "crypto/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pantacor/pantavisor-go/internal/bootloader"
	"github.com/pantacor/pantavisor-go/internal/ctrlsocket"
	"github.com/pantacor/pantavisor-go/internal/gc"
	"github.com/pantacor/pantavisor-go/internal/hub"
	"github.com/pantacor/pantavisor-go/internal/metadata"
	"github.com/pantacor/pantavisor-go/internal/perr"
	"github.com/pantacor/pantavisor-go/internal/platform"
	"github.com/pantacor/pantavisor-go/internal/revision"
	"github.com/pantacor/pantavisor-go/internal/state"
	"github.com/pantacor/pantavisor-go/internal/updater"
	"github.com/pantacor/pantavisor-go/internal/volumes"
)

// Phase is one of the top-level controller states (spec.md §4.9).
type Phase int

const (
	PhaseInit Phase = iota
	PhaseRun
	PhaseWait
	PhaseCommand
	PhaseUpdate
	PhaseRollback
	PhaseReboot
	PhasePoweroff
	PhaseError
	PhaseExit
	PhaseFactoryUpload
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseRun:
		return "RUN"
	case PhaseWait:
		return "WAIT"
	case PhaseCommand:
		return "COMMAND"
	case PhaseUpdate:
		return "UPDATE"
	case PhaseRollback:
		return "ROLLBACK"
	case PhaseReboot:
		return "REBOOT"
	case PhasePoweroff:
		return "POWEROFF"
	case PhaseError:
		return "ERROR"
	case PhaseExit:
		return "EXIT"
	case PhaseFactoryUpload:
		return "FACTORY_UPLOAD"
	default:
		return "UNKNOWN"
	}
}

// Rebooter performs the device-level reboot/poweroff syscall, injected
// so tests don't actually reboot the test runner.
type Rebooter interface {
	Reboot(msg string) error
	Poweroff(msg string) error
}

// Policy carries the timing knobs consumed from internal/config.Settings.
type Policy struct {
	PollInterval    time.Duration
	NetworkTimeout  time.Duration
	CommitDelay     time.Duration
	GCThreshold     int
	GCReserved      int
	KeepFactory     bool
	Mnt             string
	// RemoteMode mirrors control.remote: when false the controller must
	// not progress an update except via LOCAL_RUN/MAKE_FACTORY (spec.md
	// §8), and the unclaimed-device subflow never engages.
	RemoteMode bool
}

// CredsStore persists the device identity learned during registration
// back to the factory config's credentials file (spec.md §4.1, §4.9
// S4); *config.Config satisfies this directly.
type CredsStore interface {
	SetCred(key, value string)
	WriteCredentials() error
}

// Controller owns State, the pending Update, and every collaborator
// (spec.md §3 "Ownership"; SPEC_FULL.md's decision against a global
// singleton — collaborators are held here as explicit fields, not
// looked up, per spec.md REDESIGN FLAGS "Global mutable state").
type Controller struct {
	log      *logrus.Entry
	revs     *revision.Store
	updater  *updater.Engine
	boot     bootloader.Adapter
	meta     *metadata.Store
	gc       *gc.Collector
	vols     *volumes.Manager
	runtime  platform.Runtime
	ctrl     *ctrlsocket.Server
	reboot   Rebooter
	policy   Policy
	hub      *hub.Client
	creds    CredsStore

	phase        Phase
	current      *state.State
	pending      *updater.Update
	pendingState *state.State
	pendingCmd   *ctrlsocket.Command
	lastPoll     time.Time
	prn          string
	deviceID     string
	claimed      bool
}

// Config bundles the collaborators a Controller needs; all fields are
// required except Rebooter, which defaults to a no-op for tests, and
// Hub/Creds, which are only needed in remote mode for the unclaimed
// registration subflow (spec.md §4.9 S4).
type Config struct {
	Log     *logrus.Entry
	Revs    *revision.Store
	Updater *updater.Engine
	Boot    bootloader.Adapter
	Meta    *metadata.Store
	GC      *gc.Collector
	Vols    *volumes.Manager
	Runtime platform.Runtime
	Ctrl    *ctrlsocket.Server
	Reboot  Rebooter
	Policy  Policy
	Hub     *hub.Client
	Creds   CredsStore
	PRN     string
}

// New constructs a Controller in PhaseInit.
func New(cfg Config) *Controller {
	return &Controller{
		log: cfg.Log, revs: cfg.Revs, updater: cfg.Updater, boot: cfg.Boot,
		meta: cfg.Meta, gc: cfg.GC, vols: cfg.Vols, runtime: cfg.Runtime,
		ctrl: cfg.Ctrl, reboot: cfg.Reboot, policy: cfg.Policy,
		hub: cfg.Hub, creds: cfg.Creds, prn: cfg.PRN,
		claimed: cfg.PRN != "", // a persisted prn implies a prior successful claim
		phase:   PhaseInit,
	}
}

// Phase returns the controller's current top-level state.
func (c *Controller) Phase() Phase { return c.phase }

// Tick runs one iteration: kick the watchdog (left to the caller, which
// owns the Kicker), dispatch to the current phase's handler, and
// transition (spec.md §4.9 "Each tick: kick watchdog; run state
// function; return next state").
func (c *Controller) Tick(ctx context.Context) Phase {
	var next Phase
	switch c.phase {
	case PhaseInit:
		next = c.tickInit(ctx)
	case PhaseRun:
		next = c.tickRun(ctx)
	case PhaseWait:
		next = c.tickWait(ctx)
	case PhaseCommand:
		next = c.tickCommand(ctx)
	case PhaseUpdate:
		next = c.tickUpdate(ctx)
	case PhaseRollback:
		next = c.tickRollback(ctx)
	case PhaseReboot:
		next = c.tickReboot(ctx)
	case PhasePoweroff:
		next = c.tickPoweroff(ctx)
	case PhaseError:
		next = PhaseReboot // spec.md §4.9: ERROR -> always REBOOT
	case PhaseFactoryUpload:
		next = c.tickFactoryUpload(ctx)
	default:
		next = c.phase
	}
	c.phase = next
	return next
}

func (c *Controller) tickInit(ctx context.Context) Phase {
	if c.meta != nil {
		c.meta.SetPantahubState("init")
	}
	u, err := c.updater.Resume()
	if err != nil {
		c.logErr("resume", err)
		return PhaseExit
	}
	if u != nil {
		c.pending = u
		c.current = u.State
	}
	return PhaseRun
}

func (c *Controller) tickRun(ctx context.Context) Phase {
	rev, err := c.revs.Current()
	if err != nil {
		c.logErr("resolve current", err)
		return PhaseRollback
	}
	st, err := c.revs.ReadState(rev)
	if err != nil {
		c.logErr("parse state", err)
		return PhaseRollback
	}
	if err := st.Validate(); err != nil {
		c.logErr("validate state", err)
		return PhaseRollback
	}
	c.current = st

	minRL := st.MinRunlevel()
	if c.vols != nil {
		if err := c.vols.MountAll(rev, st, minRL); err != nil {
			c.logErr("mount volumes", err)
			return PhaseRollback
		}
	}
	for _, p := range st.Platforms {
		if !p.Done {
			continue
		}
		if err := c.runtime.Start(ctx, platform.SpecFromState(p)); err != nil {
			c.logErr("start platform", err)
			return PhaseRollback
		}
	}

	if c.pending != nil && c.pending.Status == updater.StatusTrying {
		c.updater.Test(c.pending)
	}
	return PhaseWait
}

func (c *Controller) tickWait(ctx context.Context) Phase {
	if c.ctrl != nil {
		if cmd := c.ctrl.Drain(); cmd != nil {
			c.pendingCmd = cmd
			return PhaseCommand
		}
	}

	if exited, rollback := c.checkPlatformExits(ctx); exited {
		// spec.md §4.9: platform exited & update TRYING/TESTING -> ROLLBACK;
		// platform exited otherwise -> REBOOT.
		if rollback {
			return PhaseRollback
		}
		return PhaseReboot
	}

	if c.pending != nil && (c.pending.Status == updater.StatusTrying || c.pending.Status == updater.StatusTesting) {
		if time.Since(c.waitStart()) > c.policy.NetworkTimeout && c.pending.Status == updater.StatusTrying {
			return PhaseRollback
		}
		if c.pending.Status == updater.StatusTesting && c.pending.ProbationExpired(c.policy.CommitDelay) {
			if err := c.updater.Finish(ctx, c.pending, true); err != nil {
				c.logErr("finish update", err)
			}
			c.pending = nil
		}
	}

	if time.Since(c.lastPoll) < c.policy.PollInterval {
		return PhaseWait
	}
	c.lastPoll = time.Now()

	// spec.md §4.9: remote_mode & unclaimed -> handle unclaimed subflow;
	// factory-meta not done -> FACTORY_UPLOAD. Both route through the
	// same registration/claim handshake, gated like the rest of the
	// network tick on the poll interval.
	if c.policy.RemoteMode && !c.claimed {
		return PhaseFactoryUpload
	}

	if ok, _, err := gc.ShouldRun(c.policy.Mnt, c.policy.GCReserved, c.policy.GCThreshold); err == nil && ok {
		c.runGC()
	}

	if c.meta != nil {
		c.meta.SetPantahubState("idle")
		_ = c.meta.UploadDirty()
	}

	if !c.policy.RemoteMode {
		return PhaseWait
	}
	next, err := c.updater.CheckForUpdates(ctx, c.currentRev())
	if err != nil {
		if c.meta != nil {
			c.meta.AddDevice("pantahub.online", "0")
		}
		c.logErr("check for updates", err)
		return PhaseWait
	}
	if c.meta != nil {
		c.meta.AddDevice("pantahub.online", "1")
	}
	if next != nil {
		c.pendingState = next
		if c.meta != nil {
			c.meta.SetPantahubState("update")
		}
		return PhaseUpdate
	}
	return PhaseWait
}

// checkPlatformExits polls every platform the running state marked Done
// for an unexpected exit (spec.md §4.9 "platform exited" rows). rollback
// reports whether the exit should trigger ROLLBACK (a trial boot in
// progress) rather than a plain REBOOT.
func (c *Controller) checkPlatformExits(ctx context.Context) (exited bool, rollback bool) {
	if c.current == nil || c.runtime == nil {
		return false, false
	}
	for _, p := range c.current.Platforms {
		if !p.Done {
			continue
		}
		ok, code, err := c.runtime.CheckExited(ctx, p.Name)
		if err != nil || !ok {
			continue
		}
		c.logErr("platform exited", perr.New(perr.Probation, "platform %s exited with code %d", p.Name, code))
		if c.pending != nil && (c.pending.Status == updater.StatusTrying || c.pending.Status == updater.StatusTesting) {
			return true, true
		}
		return true, false
	}
	return false, false
}

func (c *Controller) tickCommand(ctx context.Context) Phase {
	cmd := c.pendingCmd
	c.pendingCmd = nil
	if cmd == nil {
		return PhaseWait
	}

	updateInProgress := c.pending != nil && c.pending.Status != updater.StatusDone && c.pending.Status != updater.StatusFailed
	if updateInProgress && ctrlsocket.RejectedDuringUpdate(cmd.Kind) {
		cmd.Reply(perr.New(perr.CommandMisuse, "command %s rejected while update in progress", cmd.Kind))
		return PhaseWait
	}

	switch cmd.Kind {
	case ctrlsocket.CmdUpdateMetadata:
		err := c.meta.ParseFromJSON(cmd.JSON)
		cmd.Reply(err)
		return PhaseWait
	case ctrlsocket.CmdReboot:
		cmd.Reply(nil)
		return PhaseReboot
	case ctrlsocket.CmdPoweroff:
		cmd.Reply(nil)
		return PhasePoweroff
	case ctrlsocket.CmdLocalRun:
		u, err := c.updater.InstallLocal(ctx, "ctrl", cmd.JSON)
		if err == nil {
			err = c.revs.SetActive(u.Rev) // spec.md §4.3 set_active; S6 non-reboot activation
		}
		cmd.Reply(err)
		if err != nil {
			return PhaseWait
		}
		c.pending = u
		return PhaseRun
	case ctrlsocket.CmdMakeFactory:
		if c.claimed {
			cmd.Reply(perr.New(perr.CommandMisuse, "MAKE_FACTORY rejected: device already claimed"))
			return PhaseWait
		}
		rev := cmd.Rev
		if rev == "" {
			rev = c.currentRev()
		}
		err := c.revs.UpdateFactory(rev)
		cmd.Reply(err)
		return PhaseWait
	case ctrlsocket.CmdRunGC:
		c.runGC()
		cmd.Reply(nil)
		return PhaseWait
	default:
		cmd.Reply(perr.New(perr.CommandMisuse, "unknown command %q", cmd.Kind))
		return PhaseWait
	}
}

func (c *Controller) tickUpdate(ctx context.Context) Phase {
	next := c.pendingState
	c.pendingState = nil
	if next == nil {
		return PhaseWait
	}

	u, err := c.updater.Install(ctx, c.current, next)
	if err != nil {
		c.logErr("install update", err)
		return PhaseWait // spec.md §4.9: UPDATE error -> WAIT (update=FAILED)
	}
	c.pending = u

	if u.Status == updater.StatusInstalled {
		return PhaseReboot
	}
	// No reboot required: activate the new revision in place (spec.md
	// §4.3 set_active) so tickRun's next revs.Current() resolves to it.
	if err := c.revs.SetActive(next.Rev); err != nil {
		c.logErr("set active", err)
		return PhaseWait
	}
	c.current = next
	return PhaseRun
}

func (c *Controller) tickRollback(ctx context.Context) Phase {
	if c.pending != nil {
		_ = c.updater.Finish(ctx, c.pending, false)
	}
	rev := c.currentRev()
	if rev == revision.FactoryRev {
		return PhaseError // spec.md §4.9: ROLLBACK, rev == "0" -> ERROR
	}
	return PhaseReboot
}

func (c *Controller) tickReboot(ctx context.Context) Phase {
	if c.reboot != nil {
		_ = c.reboot.Reboot("pantavisor requested reboot")
	}
	return PhaseExit
}

func (c *Controller) tickPoweroff(ctx context.Context) Phase {
	if c.reboot != nil {
		_ = c.reboot.Poweroff("pantavisor requested poweroff")
	}
	return PhaseExit
}

// tickFactoryUpload drives the unclaimed-device handshake (spec.md §4.9
// S4): self-register with the hub if no device id is known yet, persist
// the returned identity, then poll GET /devices/<id> until an owner
// claims it. Progress is written to trails/0/.pv/progress at each stage:
// unregistered -> unclaimed -> syncing -> done.
func (c *Controller) tickFactoryUpload(ctx context.Context) Phase {
	if c.hub == nil {
		return PhaseWait
	}

	if c.deviceID == "" {
		if c.meta != nil {
			c.meta.SetPantahubState("register")
		}
		_ = c.revs.WriteProgress(revision.FactoryRev, "unregistered", "", 0)

		d, err := c.hub.RegisterDevice(ctx, randSecret(10))
		if err != nil {
			c.logErr("register device", err)
			return PhaseWait
		}
		c.deviceID = d.ID
		c.prn = d.PRN
		if c.creds != nil {
			c.creds.SetCred("creds.id", d.ID)
			c.creds.SetCred("creds.prn", d.PRN)
			c.creds.SetCred("creds.secret", d.Secret)
			if err := c.creds.WriteCredentials(); err != nil {
				c.logErr("write credentials", err)
			}
		}
		return PhaseWait
	}

	if c.meta != nil {
		c.meta.SetPantahubState("claim")
	}
	_ = c.revs.WriteProgress(revision.FactoryRev, "unclaimed", "", 0)

	d, err := c.hub.GetDevice(ctx, c.deviceID)
	if err != nil {
		c.logErr("poll device claim", err)
		return PhaseWait
	}
	if d.Owner == "" {
		return PhaseWait
	}

	c.claimed = true
	if c.meta != nil {
		c.meta.SetPantahubState("sync")
		c.meta.AddDevice("pantahub.claimed", "1")
	}
	_ = c.revs.WriteProgress(revision.FactoryRev, "syncing", "", 0)
	_ = c.revs.WriteProgress(revision.FactoryRev, "done", "", 100)
	return PhaseWait
}

// randSecret returns an n-character alphanumeric self-registration
// secret (spec.md §6: POST /devices/ with {"secret":"<10-char-rand>"}).
func randSecret(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, n)
	if _, err := cryptorand.Read(buf); err != nil {
		return strings.Repeat("x", n)
	}
	out := make([]byte, n)
	for i, v := range buf {
		out[i] = alphabet[int(v)%len(alphabet)]
	}
	return string(out)
}

func (c *Controller) runGC() {
	pinned := gc.Pinned{
		Current:     c.currentRev(),
		KeepFactory: c.policy.KeepFactory,
	}
	if c.pending != nil {
		pinned.PendingRev = c.pending.Rev
		if c.pending.State != nil {
			ids := make(map[string]bool, len(c.pending.State.Objects))
			for _, id := range c.pending.State.Objects {
				ids[id] = true
			}
			pinned.PendingObjectIDs = ids
		}
	}
	if rev, err := c.boot.GetRev(); err == nil {
		pinned.BootloaderPvRev = rev
	}
	if _, err := c.gc.Run(pinned); err != nil {
		c.logErr("gc", err)
	}
}

func (c *Controller) currentRev() string {
	if c.current != nil {
		return c.current.Rev
	}
	return ""
}

func (c *Controller) waitStart() time.Time {
	if c.pending != nil {
		return c.pending.TrialStart()
	}
	return time.Now()
}

func (c *Controller) logErr(op string, err error) {
	if c.log != nil {
		c.log.WithError(err).WithField("phase", c.phase.String()).Warn(op)
	}
}
