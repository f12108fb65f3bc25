package bootloader

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pantacor/pantavisor-go/internal/osutil"
	"github.com/pantacor/pantavisor-go/internal/perr"
)

// grubAdapter drives grub-editenv against a fixed env block file (commonly
// /boot/grub/pvenv or an mtdEnv-style path passed at config time).
// Grounded on original_source/bootloader/grub.c's grub-editenv wrapping.
type grubAdapter struct {
	run     *osutil.Runner
	envFile string
}

func newGrubAdapter(log *logrus.Entry, envFile string) *grubAdapter {
	return &grubAdapter{run: osutil.NewRunner(log), envFile: envFile}
}

func (g *grubAdapter) set(key, val string) error {
	_, err := g.run.RunArgs("grub-editenv", g.envFile, "set", key+"="+val)
	if err != nil {
		return perr.Wrap(perr.Transient, err, "grub-editenv set %s", key)
	}
	return nil
}

func (g *grubAdapter) clear(key string) error {
	_, err := g.run.RunArgs("grub-editenv", g.envFile, "unset", key)
	if err != nil {
		return perr.Wrap(perr.Transient, err, "grub-editenv unset %s", key)
	}
	return nil
}

func (g *grubAdapter) get(key string) (string, error) {
	out, err := g.run.RunArgs("grub-editenv", g.envFile, "list")
	if err != nil {
		return "", perr.Wrap(perr.Transient, err, "grub-editenv list")
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, key+"=") {
			return strings.TrimPrefix(line, key+"="), nil
		}
	}
	return "", nil
}

func (g *grubAdapter) SetTry(rev string) error { return g.set(VarTry, rev) }
func (g *grubAdapter) ClearTry() error         { return g.clear(VarTry) }
func (g *grubAdapter) SetRev(rev string) error { return g.set(VarRev, rev) }
func (g *grubAdapter) GetRev() (string, error) { return g.get(VarRev) }
func (g *grubAdapter) GetTry() (string, error) { return g.get(VarTry) }

func (g *grubAdapter) RollbackFlagged() (bool, error) {
	v, err := g.get(VarBootRollback)
	if err != nil {
		return false, err
	}
	if v == "" || v == "0" {
		return false, nil
	}
	if err := g.clear(VarBootRollback); err != nil {
		return false, err
	}
	return true, nil
}
