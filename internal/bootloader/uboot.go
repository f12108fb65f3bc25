package bootloader

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pantacor/pantavisor-go/internal/osutil"
	"github.com/pantacor/pantavisor-go/internal/perr"
)

// ubootAdapter drives fw_setenv/fw_printenv, optionally pinned to an mtd
// device via -c/--config. mtdOnly is recorded but does not change which
// commands are run or how they are invoked. Grounded on
// original_source/bootloader/uboot.c's fw_setenv/fw_printenv invocation
// pattern; the actual argv building mirrors the pattern used elsewhere
// in this codebase for constructing an exec.Cmd from a fixed binary
// name plus caller-supplied arguments.
type ubootAdapter struct {
	run     *osutil.Runner
	mtdEnv  string
	mtdOnly bool
}

func newUbootAdapter(log *logrus.Entry, mtdEnv string, mtdOnly bool) *ubootAdapter {
	return &ubootAdapter{run: osutil.NewRunner(log), mtdEnv: mtdEnv, mtdOnly: mtdOnly}
}

func (u *ubootAdapter) envArgs(extra ...string) []string {
	args := []string{}
	if u.mtdEnv != "" {
		args = append(args, "-c", u.mtdEnv)
	}
	return append(args, extra...)
}

func (u *ubootAdapter) set(key, val string) error {
	_, err := u.run.RunArgs("fw_setenv", u.envArgs(key, val)...)
	if err != nil {
		return perr.Wrap(perr.Transient, err, "fw_setenv %s", key)
	}
	return nil
}

func (u *ubootAdapter) clear(key string) error {
	_, err := u.run.RunArgs("fw_setenv", u.envArgs(key)...)
	if err != nil {
		return perr.Wrap(perr.Transient, err, "fw_setenv %s (clear)", key)
	}
	return nil
}

func (u *ubootAdapter) get(key string) (string, error) {
	out, err := u.run.RunArgs("fw_printenv", u.envArgs("-n", key)...)
	if err != nil {
		// fw_printenv exits non-zero when the variable is unset; treat as empty.
		return "", nil
	}
	return strings.TrimSpace(out), nil
}

func (u *ubootAdapter) SetTry(rev string) error { return u.set(VarTry, rev) }
func (u *ubootAdapter) ClearTry() error         { return u.clear(VarTry) }
func (u *ubootAdapter) SetRev(rev string) error { return u.set(VarRev, rev) }
func (u *ubootAdapter) GetRev() (string, error) { return u.get(VarRev) }
func (u *ubootAdapter) GetTry() (string, error) { return u.get(VarTry) }

func (u *ubootAdapter) RollbackFlagged() (bool, error) {
	v, err := u.get(VarBootRollback)
	if err != nil {
		return false, err
	}
	if v == "" || v == "0" {
		return false, nil
	}
	if err := u.clear(VarBootRollback); err != nil {
		return false, err
	}
	return true, nil
}

// ubootPVKAdapter wraps ubootAdapter with a signed-environment variant,
// selected by bootloader.type=uboot-pvk: every env write (set and clear)
// goes through pvk-fw-setenv, which additionally signs the environment
// block before committing it to flash. Reads still use fw_printenv.
type ubootPVKAdapter struct {
	*ubootAdapter
}

func newUbootPVKAdapter(log *logrus.Entry, mtdEnv string, mtdOnly bool) *ubootPVKAdapter {
	a := newUbootAdapter(log, mtdEnv, mtdOnly)
	return &ubootPVKAdapter{ubootAdapter: a}
}

func (u *ubootPVKAdapter) set(key, val string) error {
	_, err := u.run.RunArgs("pvk-fw-setenv", u.envArgs(key, val)...)
	if err != nil {
		return perr.Wrap(perr.Transient, err, "pvk-fw-setenv %s", key)
	}
	return nil
}

func (u *ubootPVKAdapter) SetTry(rev string) error { return u.set(VarTry, rev) }
func (u *ubootPVKAdapter) SetRev(rev string) error { return u.set(VarRev, rev) }
func (u *ubootPVKAdapter) ClearTry() error {
	_, err := u.run.RunArgs("pvk-fw-setenv", u.envArgs(VarTry)...)
	if err != nil {
		return perr.Wrap(perr.Transient, err, "pvk-fw-setenv %s (clear)", VarTry)
	}
	return nil
}

func (u *ubootPVKAdapter) RollbackFlagged() (bool, error) {
	v, err := u.get(VarBootRollback)
	if err != nil {
		return false, err
	}
	if v == "" || v == "0" {
		return false, nil
	}
	if _, err := u.run.RunArgs("pvk-fw-setenv", u.envArgs(VarBootRollback)...); err != nil {
		return false, perr.Wrap(perr.Transient, err, "pvk-fw-setenv %s (clear)", VarBootRollback)
	}
	return true, nil
}
