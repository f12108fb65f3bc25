// Command pantavisor is the device agent entrypoint: when running as
// pid 1 it performs the early mounts and reaps orphaned children, then
// in both pid1 and non-pid1 modes it assembles every collaborator and
// runs the init dispatcher followed by the controller's tick loop.
//
// Uses the same flaggy flag/version setup and debug.ReadBuildInfo()
// fallback for an unset version found throughout Go CLI entrypoints,
// adapted for a headless device process instead of a one-shot CLI: no
// TUI lifecycle, fatal/non-fatal classification handled by the init
// dispatcher instead.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/pantacor/pantavisor-go/internal/agentlog"
	"github.com/pantacor/pantavisor-go/internal/bootloader"
	"github.com/pantacor/pantavisor-go/internal/config"
	"github.com/pantacor/pantavisor-go/internal/controller"
	"github.com/pantacor/pantavisor-go/internal/ctrlsocket"
	"github.com/pantacor/pantavisor-go/internal/gc"
	"github.com/pantacor/pantavisor-go/internal/hub"
	"github.com/pantacor/pantavisor-go/internal/initdispatch"
	"github.com/pantacor/pantavisor-go/internal/metadata"
	"github.com/pantacor/pantavisor-go/internal/objects"
	"github.com/pantacor/pantavisor-go/internal/osutil"
	"github.com/pantacor/pantavisor-go/internal/platform"
	"github.com/pantacor/pantavisor-go/internal/revision"
	"github.com/pantacor/pantavisor-go/internal/state"
	"github.com/pantacor/pantavisor-go/internal/updater"
	"github.com/pantacor/pantavisor-go/internal/volumes"
	"github.com/pantacor/pantavisor-go/internal/watchdog"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	manifestFlag   = false
	debuggingFlag  = false
	configPathFlag = "/etc/pantavisor.config"
	credPathFlag   = "/pv/device.creds"
	overrideFlag   = ""
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf("%s\nDate: %s\nCommit: %s", version, date, commit)

	flaggy.SetName("pantavisor")
	flaggy.SetDescription("Atomic container-OS update agent for embedded Linux")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/pantacor/pantavisor"

	flaggy.Bool(&manifestFlag, "m", "manifest", "Print the merged configuration and exit")
	flaggy.Bool(&debuggingFlag, "d", "debug", "Log at debug level to stderr")
	flaggy.String(&configPathFlag, "c", "config", "Path to the factory configuration file")
	flaggy.String(&overrideFlag, "o", "override", "Path to a late configuration override file")
	flaggy.SetVersion(info)
	flaggy.Parse()

	isPid1 := os.Getpid() == 1
	if isPid1 {
		if err := earlyMounts(); err != nil {
			log.Fatalf("early mounts: %s", err)
		}
		go reapChildren()
	}

	cfg, err := config.Load(nil, configPathFlag, credPathFlag)
	if err != nil {
		log.Fatalf("load config: %s", err)
	}
	if overrideFlag != "" {
		if err := cfg.LoadOverrideFile(overrideFlag); err != nil {
			log.Fatalf("load override: %s", err)
		}
	}
	cfg.ApplyCmdline(bootCmdline())
	if debuggingFlag {
		cfg.Debug = true
	}

	if manifestFlag {
		fmt.Println(cfg.Dump())
		os.Exit(0)
	}

	logger := agentlog.New(cfg.Debug, cfg.Settings.Log.Level, cfg.Settings.Log.Dir)
	logger.WithField("version", version).WithField("commit", commit).Info("starting pantavisor")

	if err := run(logger, cfg); err != nil {
		newErr := errors.Wrap(err, 0)
		logger.Error(newErr.ErrorStack())
		log.Fatalf("fatal: %s", newErr.ErrorStack())
	}
}

// run assembles every collaborator through the init dispatcher (spec.md
// §4.11's canonical order: config -> mount storage -> credentials ->
// mount creds-dependent -> revision -> log -> device -> network ->
// platform -> bootloader -> state -> update), then drives the
// controller's tick loop until it reaches PhaseExit.
func run(logger *logrus.Entry, cfg *config.Config) error {
	mnt := cfg.Settings.Storage.MntPoint

	var (
		objs          *objects.Store
		revs          *revision.Store
		runner        *osutil.Runner
		boot          bootloader.Adapter
		hubClient     *hub.Client
		metaStore     *metadata.Store
		updaterEngine *updater.Engine
		collector     *gc.Collector
		volMgr        *volumes.Manager
		rt            platform.Runtime
	)

	dispatcher := initdispatch.New(logger,
		initdispatch.Entry{Name: "config", Fn: func() error {
			state.Register(state.NewMulti1Parser())
			state.Register(state.NewSystem1Parser())
			return nil
		}, CanFail: false},
		initdispatch.Entry{Name: "mount_storage", Fn: func() error {
			if err := ensureDir(mnt); err != nil {
				return err
			}
			objs = objects.New(mnt + "/objects")
			revs = revision.New(mnt, objs)
			runner = osutil.NewRunner(logger)
			return nil
		}, CanFail: false},
		initdispatch.Entry{Name: "credentials", Fn: func() error { return nil }, CanFail: true},
		initdispatch.Entry{Name: "mount_creds_dependent", Fn: func() error {
			hubBaseURL := fmt.Sprintf("https://%s:%d", cfg.Settings.Creds.Host, cfg.Settings.Creds.Port)
			var err error
			hubClient, err = hub.New(logger, hubBaseURL, "/certs")
			return err
		}, CanFail: true},
		initdispatch.Entry{Name: "revision", Fn: func() error {
			return ensureDir(revs.Root(revision.FactoryRev))
		}, CanFail: false},
		initdispatch.Entry{Name: "log", Fn: func() error {
			return ensureDir(cfg.Settings.Log.Dir)
		}, CanFail: true},
		initdispatch.Entry{Name: "device", Fn: func() error {
			metaStore = metadata.New("/pv/user-meta", mnt+"/user-meta", hubClient, cfg.Settings.Updater.Interval)
			mode := "local"
			if cfg.Settings.Control.Remote {
				mode = "remote"
			}
			rev, _ := revs.Current()
			metaStore.SeedDeviceMeta(metadata.ProbeDeviceInfo(version, rev, mode))
			return nil
		}, CanFail: true},
		initdispatch.Entry{Name: "network", Fn: func() error { return nil }, CanFail: true},
		initdispatch.Entry{Name: "platform", Fn: func() error {
			var err error
			rt, err = platform.New(logger, false)
			if err != nil {
				logger.WithError(err).Warn("no container runtime detected, falling back to mock")
				rt = platform.NewMockRuntime()
			}
			volMgr = volumes.New(runner, mnt)
			return nil
		}, CanFail: false},
		initdispatch.Entry{Name: "bootloader", Fn: func() error {
			var err error
			boot, err = bootloader.New(logger, string(cfg.Settings.Bootloader.Type), cfg.Settings.Bootloader.MTDEnv, cfg.Settings.Bootloader.MTDOnly)
			return err
		}, CanFail: false},
		initdispatch.Entry{Name: "state", Fn: func() error { return nil }, CanFail: false},
		initdispatch.Entry{Name: "update", Fn: func() error {
			updaterEngine = updater.New(logger, hubClient, objs, revs, boot, updater.Config{
				PRN:            cfg.Settings.Creds.Prn,
				Retries:        cfg.Settings.Updater.Retries,
				RetryTimeout:   cfg.Settings.Updater.RetryTimeout,
				CommitDelay:    cfg.Settings.Updater.CommitDelay,
				NetworkTimeout: cfg.Settings.Updater.NetworkTimeout,
			})
			collector = gc.New(logger, mnt, revs, objs)
			return nil
		}, CanFail: true},
	)
	if results, err := dispatcher.Run(); err != nil {
		for _, r := range results {
			logger.WithError(r.Err).WithField("step", r.Name).Warn("init step failed")
		}
		return fmt.Errorf("init dispatch: %w", err)
	}

	kicker, err := watchdog.New(cfg.Settings.Wdt.Enabled, cfg.Settings.Wdt.Timeout, "/dev/watchdog")
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	defer kicker.Close()

	ctrlSrv, err := ctrlsocket.Listen(logger, "/pv/pv-ctrl")
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer ctrlSrv.Close()

	ctrl := controller.New(controller.Config{
		Log:     logger,
		Revs:    revs,
		Updater: updaterEngine,
		Boot:    boot,
		Meta:    metaStore,
		GC:      collector,
		Vols:    volMgr,
		Runtime: rt,
		Ctrl:    ctrlSrv,
		Reboot:  sysRebooter{},
		Hub:     hubClient,
		Creds:   cfg,
		PRN:     cfg.Settings.Creds.Prn,
		Policy: controller.Policy{
			PollInterval:   cfg.Settings.Updater.Interval,
			NetworkTimeout: cfg.Settings.Updater.NetworkTimeout,
			CommitDelay:    cfg.Settings.Updater.CommitDelay,
			GCThreshold:    cfg.Settings.Storage.GCThreshold,
			GCReserved:     cfg.Settings.Storage.GCReserved,
			KeepFactory:    cfg.Settings.Storage.KeepFactory,
			Mnt:            mnt,
			RemoteMode:     cfg.Settings.Control.Remote,
		},
	})

	ctx := context.Background()
	for {
		_ = kicker.Kick()
		switch ctrl.Tick(ctx) {
		case controller.PhaseExit:
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}

// sysRebooter issues a real reboot/poweroff syscall (spec.md §4.9
// "reboot"/"poweroff"); injected as controller.Rebooter so tests can
// substitute a fake.
type sysRebooter struct{}

func (sysRebooter) Reboot(msg string) error {
	return syscall.Reboot(syscall.LINUX_REBOOT_CMD_RESTART)
}

func (sysRebooter) Poweroff(msg string) error {
	return syscall.Reboot(syscall.LINUX_REBOOT_CMD_POWER_OFF)
}

func updateBuildInfo() {
	if version == defaultVersion {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			if revSetting, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
				return s.Key == "vcs.revision"
			}); ok {
				commit = revSetting.Value
				if len(commit) > 7 {
					version = commit[:7]
				} else {
					version = commit
				}
			}
			if timeSetting, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
				return s.Key == "vcs.time"
			}); ok {
				date = timeSetting.Value
			}
		}
	}
}

// bootCmdline reads /proc/cmdline and splits it into whitespace-separated
// tokens; Config.ApplyCmdline keeps the pv_/ph_ prefixed ones (spec.md §4.1 "command-line overrides").
func bootCmdline() []string {
	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return nil
	}
	return strings.Fields(string(data))
}

// earlyMounts performs the minimal pid1 mount sequence before anything
// else can run: proc, sysfs, devtmpfs, and a tmpfs at /pv for runtime
// state.
func earlyMounts() error {
	mounts := []struct{ source, target, fstype string }{
		{"proc", "/proc", "proc"},
		{"sysfs", "/sys", "sysfs"},
		{"devtmpfs", "/dev", "devtmpfs"},
		{"tmpfs", "/pv", "tmpfs"},
	}
	for _, m := range mounts {
		os.MkdirAll(m.target, 0o755)
		if err := syscall.Mount(m.source, m.target, m.fstype, 0, ""); err != nil && err != syscall.EBUSY {
			return fmt.Errorf("mount %s on %s: %w", m.fstype, m.target, err)
		}
	}
	return nil
}

// reapChildren reaps zombies reparented to pid 1, the way an init
// process must since nothing else will collect their exit status.
func reapChildren() {
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, syscall.SIGCHLD)
	for range sigs {
		for {
			var status syscall.WaitStatus
			pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
			if pid <= 0 || err != nil {
				break
			}
		}
	}
}
