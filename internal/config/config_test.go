package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaultsWhenFilesMissing(t *testing.T) {
	c, err := Load(nil, filepath.Join(t.TempDir(), "missing.config"), filepath.Join(t.TempDir(), "missing.creds"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Settings.Storage.MntPoint != "/storage" {
		t.Errorf("MntPoint = %q, want default", c.Settings.Storage.MntPoint)
	}
	if c.Settings.Bootloader.Type != BootloaderUboot {
		t.Errorf("Bootloader.Type = %q, want default uboot", c.Settings.Bootloader.Type)
	}
}

func TestLoadMergesFactoryThenCreds(t *testing.T) {
	dir := t.TempDir()
	factory := filepath.Join(dir, "factory.config")
	creds := filepath.Join(dir, "device.creds")
	writeFile(t, factory, "storage.mntpoint=/data\ncreds.host=hub.example.com\n")
	writeFile(t, creds, "creds.host=override.example.com\ncreds.prn=prn:1234\n")

	c, err := Load(nil, factory, creds)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Settings.Storage.MntPoint != "/data" {
		t.Errorf("MntPoint = %q, want /data", c.Settings.Storage.MntPoint)
	}
	if c.Settings.Creds.Host != "override.example.com" {
		t.Errorf("Creds.Host = %q, want creds file to win", c.Settings.Creds.Host)
	}
	if c.Settings.Creds.Prn != "prn:1234" {
		t.Errorf("Creds.Prn = %q, want prn:1234", c.Settings.Creds.Prn)
	}
}

func TestApplyCmdlineOverridesAndAliases(t *testing.T) {
	c, err := Load(nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	c.ApplyCmdline([]string{"console=ttyS0", "pv_storage_gc_threshold=42", "ph_updater_keep_factory=false"})

	if c.Settings.Storage.GCThreshold != 42 {
		t.Errorf("GCThreshold = %d, want 42", c.Settings.Storage.GCThreshold)
	}
	if c.Settings.Storage.KeepFactory {
		t.Error("expected deprecated alias updater.keep_factory to resolve to storage.gc.keep_factory")
	}
}

func TestSetCredAndWriteCredentialsRoundTrip(t *testing.T) {
	credPath := filepath.Join(t.TempDir(), "device.creds")
	c, err := Load(nil, "", credPath)
	if err != nil {
		t.Fatal(err)
	}
	c.SetCred("creds.prn", "prn:abc")
	c.SetCred("creds.secret", "s3cr3t")
	if err := c.WriteCredentials(); err != nil {
		t.Fatalf("WriteCredentials: %v", err)
	}

	reloaded, err := Load(nil, "", credPath)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Settings.Creds.Prn != "prn:abc" {
		t.Errorf("reloaded Creds.Prn = %q, want prn:abc", reloaded.Settings.Creds.Prn)
	}
}

func TestGetDurationAcceptsBareSecondsAndGoDuration(t *testing.T) {
	c, err := Load(nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	c.ApplyCmdline([]string{"pv_updater_interval=30"})
	if got := c.Settings.Updater.Interval; got != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", got)
	}
	c.ApplyCmdline([]string{"pv_updater_commit_delay=2m"})
	if got := c.Settings.Updater.CommitDelay; got != 2*time.Minute {
		t.Errorf("CommitDelay = %v, want 2m", got)
	}
}
