// Package watchdog kicks the hardware/software watchdog once per
// controller tick (spec.md §4.1 wdt.{enabled,timeout}, §4.9, §5).
//
// /dev/watchdog accepts a single magic byte per kick, which needs no
// parser or protocol library — a standard-library-by-necessity case,
// documented in DESIGN.md (no ecosystem dependency addresses raw
// device-file writes).
package watchdog

import (
	"os"
	"time"

	"github.com/pantacor/pantavisor-go/internal/perr"
)

// Kicker kicks a watchdog device, or does nothing if disabled.
type Kicker struct {
	enabled bool
	timeout time.Duration
	path    string
	f       *os.File
}

// New opens devicePath if enabled; if not enabled, Kick is a no-op
// (spec.md §4.1 wdt.enabled).
func New(enabled bool, timeout time.Duration, devicePath string) (*Kicker, error) {
	k := &Kicker{enabled: enabled, timeout: timeout, path: devicePath}
	if !enabled {
		return k, nil
	}
	f, err := os.OpenFile(devicePath, os.O_WRONLY, 0)
	if err != nil {
		return nil, perr.Wrap(perr.FatalEnvironment, err, "open watchdog device %s", devicePath)
	}
	k.f = f
	return k, nil
}

// Kick writes the keepalive byte. Its timeout must exceed the
// worst-case tick duration (spec.md §5); callers are responsible for
// calling Kick at least once per tick regardless of tick outcome.
func (k *Kicker) Kick() error {
	if !k.enabled || k.f == nil {
		return nil
	}
	if _, err := k.f.Write([]byte{0}); err != nil {
		return perr.Wrap(perr.Transient, err, "kick watchdog %s", k.path)
	}
	return nil
}

// Timeout is the configured watchdog timeout (wdt.timeout).
func (k *Kicker) Timeout() time.Duration { return k.timeout }

// Close disarms by writing the magic "V" close character before closing
// the fd, when the kernel driver supports it; errors are ignored since
// this runs during shutdown/disable paths only.
func (k *Kicker) Close() error {
	if k.f == nil {
		return nil
	}
	_, _ = k.f.Write([]byte{'V'})
	return k.f.Close()
}
