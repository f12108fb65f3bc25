// Package bootloader is the adapter to the device's dumb bootloader (C5).
//
// Three named variables (pv_try, pv_rev, pv_boot_rollback) are the entire
// interoperable surface (spec.md §4.5, §6). The shape follows
// internal/osutil's Runner pattern: build an argv, run it, parse/trust
// the output. Each
// backend wraps a single env-var tool; writes must reach stable storage
// before the controller requests a reboot (spec.md §5), so every Set*
// here ends in an fsync'd file write or an equivalent tool invocation.
package bootloader

import (
	"github.com/sirupsen/logrus"

	"github.com/pantacor/pantavisor-go/internal/perr"
)

// Vars are the three interoperable variable names (spec.md §4.5, §6).
const (
	VarTry          = "pv_try"
	VarRev          = "pv_rev"
	VarBootRollback = "pv_boot_rollback"
)

// Adapter is the interface every backend implements: get/set/clear of
// pv_try, get/set of pv_rev, and reading the pv_boot_rollback flag
// (spec.md §4.5).
type Adapter interface {
	// SetTry arms rev as the one-shot trial revision.
	SetTry(rev string) error
	// ClearTry clears the one-shot trial revision.
	ClearTry() error
	// SetRev records rev as the last known-good revision.
	SetRev(rev string) error
	// GetRev returns the last known-good revision.
	GetRev() (string, error)
	// GetTry returns the armed trial revision, or "" if none.
	GetTry() (string, error)
	// RollbackFlagged reports whether boot firmware set pv_boot_rollback.
	RollbackFlagged() (bool, error)
}

// New constructs the configured backend. back is one of "uboot",
// "uboot-pvk", "grub" (spec.md §4.1 bootloader.type).
func New(log *logrus.Entry, back, mtdEnv string, mtdOnly bool) (Adapter, error) {
	switch back {
	case "uboot":
		return newUbootAdapter(log, mtdEnv, mtdOnly), nil
	case "uboot-pvk":
		return newUbootPVKAdapter(log, mtdEnv, mtdOnly), nil
	case "grub":
		return newGrubAdapter(log, mtdEnv), nil
	default:
		return nil, perr.New(perr.Configuration, "unknown bootloader.type %q", back)
	}
}

// ResumeState is the outcome of the resume-time decision of spec.md §4.5's
// protocol paragraph: after reboot, read pv_rev/pv_try/pv_boot_rollback to
// determine whether a trial boot is in progress, succeeded, or was rolled
// back by firmware.
type ResumeState int

const (
	// ResumeNone: no trial was in progress.
	ResumeNone ResumeState = iota
	// ResumeTrying: pv_try is still set — firmware hasn't promoted or cleared it yet.
	ResumeTrying
	// ResumeRolledBack: firmware cleared pv_try and set pv_boot_rollback.
	ResumeRolledBack
)

// Resume inspects bootloader state at agent start and classifies it.
func Resume(a Adapter) (ResumeState, string, error) {
	try, err := a.GetTry()
	if err != nil {
		return ResumeNone, "", err
	}
	rollback, err := a.RollbackFlagged()
	if err != nil {
		return ResumeNone, "", err
	}
	if rollback {
		rev, err := a.GetRev()
		return ResumeRolledBack, rev, err
	}
	if try != "" {
		return ResumeTrying, try, nil
	}
	return ResumeNone, "", nil
}
