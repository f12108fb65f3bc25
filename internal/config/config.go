// Package config is the process-wide typed configuration store (C1).
//
// Grounded on spec.md §4.1: three layers merged in a fixed order
// (factory config, device credentials, command-line overrides, with
// an optional late override file), persisted via load-mutate-rewrite
// the same way internal/osutil.WriteFileAtomic is used elsewhere. The
// on-disk format is flat newline-delimited key=value files, not YAML.
// github.com/imdario/mergo does the layering; github.com/mcuadros/go-lookup
// resolves a dotted key onto the typed Settings struct to warn on
// unknown command-line keys.
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/imdario/mergo"
	lookup "github.com/mcuadros/go-lookup"
	"github.com/sirupsen/logrus"
	"github.com/spkg/bom"

	"github.com/pantacor/pantavisor-go/internal/osutil"
	"github.com/pantacor/pantavisor-go/internal/perr"
)

// BootloaderType enumerates the C5 back-ends (spec.md §4.1, §4.5).
type BootloaderType string

const (
	BootloaderUboot    BootloaderType = "uboot"
	BootloaderUbootPVK BootloaderType = "uboot-pvk"
	BootloaderGrub     BootloaderType = "grub"
)

// SecurebootMode enumerates secureboot.mode (spec.md §4.1, SPEC_FULL.md Open Question 3).
type SecurebootMode string

const (
	SecurebootDisabled SecurebootMode = "disabled"
	SecurebootLenient  SecurebootMode = "lenient"
	SecurebootStrict   SecurebootMode = "strict"
)

// Storage groups storage.* keys.
type Storage struct {
	Device      string
	FSType      string
	Opts        string
	MntPoint    string
	MntType     string
	Wait        int
	GCReserved  int
	GCThreshold int
	KeepFactory bool
}

// Bootloader groups bootloader.* keys.
type Bootloader struct {
	Type    BootloaderType
	MTDOnly bool
	MTDEnv  string
}

// Creds groups creds.* keys (hub identity).
type Creds struct {
	Type   string
	Host   string
	Port   int
	ID     string
	Prn    string
	Secret string
	TPM    map[string]string
}

// Updater groups updater.* and revision.retries* keys.
type Updater struct {
	Interval       time.Duration
	NetworkTimeout time.Duration
	CommitDelay    time.Duration
	UseTmpObjects  bool
	KeepFactory    bool
	Retries        int
	RetryTimeout   time.Duration
}

// Wdt groups wdt.* keys.
type Wdt struct {
	Enabled bool
	Timeout time.Duration
}

// Log groups log.* keys.
type Log struct {
	Dir        string
	MaxSize    int
	Level      string
	BufNItems  int
	Push       bool
	Capture    bool
}

// Control groups control.* keys.
type Control struct {
	Remote bool
}

// Settings is the typed view over the merged configuration.
type Settings struct {
	Storage     Storage
	Bootloader  Bootloader
	Creds       Creds
	Updater     Updater
	Wdt         Wdt
	Log         Log
	Control     Control
	Secureboot  SecurebootMode
}

// deprecatedAliases maps a deprecated key to its canonical replacement
// (spec.md §4.1, §9 "Deprecated aliases"). Accepted on read; never written.
var deprecatedAliases = map[string]string{
	"updater.keep_factory": "storage.gc.keep_factory",
}

// Config is the process-wide config store (C1).
type Config struct {
	raw      map[string]string
	Settings Settings
	Debug    bool

	credPath string
	log      *logrus.Entry
}

// Load reads the factory config then the credentials file, in that fixed
// order, and derives Settings. Either path may be missing (credentials
// commonly don't exist yet on a fresh device).
func Load(log *logrus.Entry, factoryPath, credPath string) (*Config, error) {
	c := &Config{raw: map[string]string{}, credPath: credPath, log: log}

	if err := c.mergeFile(factoryPath, true); err != nil {
		return nil, err
	}
	if err := c.mergeFile(credPath, true); err != nil {
		return nil, err
	}
	c.deriveSettings()
	return c, nil
}

// LoadOverrideFile merges a subset of keys from a late override file on top
// of the current configuration (spec.md §4.1: "An override file may be
// loaded late to patch a subset of keys").
func (c *Config) LoadOverrideFile(path string) error {
	if err := c.mergeFile(path, true); err != nil {
		return err
	}
	c.deriveSettings()
	return nil
}

// ApplyCmdline re-parses a boot command line, folding pv_ and ph_ prefixed
// tokens into config overrides (spec.md §4.1, §6).
func (c *Config) ApplyCmdline(tokens []string) {
	overrides := map[string]string{}
	for _, tok := range tokens {
		key, val, ok := splitPrefixedToken(tok)
		if !ok {
			continue
		}
		canonical := resolveAlias(key)
		overrides[canonical] = val
		if c.log != nil {
			if !c.isKnownKey(canonical) {
				c.log.WithField("key", canonical).Warn("config override for unrecognised key")
			}
		}
	}
	if err := mergo.Merge(&c.raw, overrides, mergo.WithOverride); err != nil && c.log != nil {
		c.log.WithError(err).Warn("merging cmdline overrides")
	}
	c.deriveSettings()
}

func splitPrefixedToken(tok string) (key, val string, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(tok, "pv_"):
		rest = tok[len("pv_"):]
	case strings.HasPrefix(tok, "ph_"):
		rest = tok[len("ph_"):]
	default:
		return "", "", false
	}
	eq := strings.IndexByte(rest, '=')
	if eq < 0 {
		return "", "", false
	}
	key = strings.Replace(rest[:eq], "_", ".", -1)
	val = rest[eq+1:]
	return key, val, true
}

func resolveAlias(key string) string {
	if canonical, ok := deprecatedAliases[key]; ok {
		return canonical
	}
	// Boot command-line keys arrive with every "_" turned into "."
	// (splitPrefixedToken), so match aliases in that form too.
	for alias, canonical := range deprecatedAliases {
		if strings.ReplaceAll(alias, "_", ".") == key {
			return canonical
		}
	}
	return key
}

func (c *Config) mergeFile(path string, overrideExisting bool) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return perr.Wrap(perr.Configuration, err, "open %s", path)
	}
	defer f.Close()

	layer := map[string]string{}
	scanner := bufio.NewScanner(bom.NewReader(f))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := resolveAlias(strings.TrimSpace(line[:eq]))
		layer[key] = strings.TrimSpace(line[eq+1:])
	}
	if err := scanner.Err(); err != nil {
		return perr.Wrap(perr.Configuration, err, "read %s", path)
	}

	if overrideExisting {
		return mergo.Merge(&c.raw, layer, mergo.WithOverride)
	}
	return mergo.Merge(&c.raw, layer)
}

func (c *Config) isKnownKey(key string) bool {
	_, err := lookup.LookupString(c.Settings, dottedToFieldPath(key))
	return err == nil
}

// dottedToFieldPath converts a lower.dotted.key into the PascalCase field
// path go-lookup expects (e.g. "storage.gc.threshold" -> "Storage.Gc.Threshold").
// Settings doesn't nest a GC struct (flattened onto Storage), so this is a
// best-effort hint used only for the unknown-key warning, never to block a read.
func dottedToFieldPath(key string) string {
	parts := strings.Split(key, ".")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "_", " ")
		parts[i] = strings.ReplaceAll(strings.Title(p), " ", "")
	}
	return strings.Join(parts, ".")
}

func (c *Config) deriveSettings() {
	s := Settings{}
	s.Storage = Storage{
		Device:      c.GetString("storage.device", ""),
		FSType:      c.GetString("storage.fstype", "ext4"),
		Opts:        c.GetString("storage.opts", ""),
		MntPoint:    c.GetString("storage.mntpoint", "/storage"),
		MntType:     c.GetString("storage.mnttype", ""),
		Wait:        c.GetInt("storage.wait", 5),
		GCReserved:  c.GetInt("storage.gc.reserved", 5),
		GCThreshold: c.GetInt("storage.gc.threshold", 20),
		KeepFactory: c.GetBool("storage.gc.keep_factory", true),
	}
	s.Bootloader = Bootloader{
		Type:    BootloaderType(c.GetString("bootloader.type", string(BootloaderUboot))),
		MTDOnly: c.GetBool("bootloader.mtd_only", false),
		MTDEnv:  c.GetString("bootloader.mtd_env", ""),
	}
	s.Creds = Creds{
		Type:   c.GetString("creds.type", "builtin"),
		Host:   c.GetString("creds.host", ""),
		Port:   c.GetInt("creds.port", 443),
		ID:     c.GetString("creds.id", ""),
		Prn:    c.GetString("creds.prn", ""),
		Secret: c.GetString("creds.secret", ""),
	}
	s.Updater = Updater{
		Interval:       c.GetDuration("updater.interval", 60*time.Second),
		NetworkTimeout: c.GetDuration("updater.network_timeout", 120*time.Second),
		CommitDelay:    c.GetDuration("updater.commit.delay", 180*time.Second),
		UseTmpObjects:  c.GetBool("updater.use_tmp_objects", true),
		KeepFactory:    c.GetBool("storage.gc.keep_factory", true),
		Retries:        c.GetInt("revision.retries", 3),
		RetryTimeout:   c.GetDuration("revision.retries.timeout", 10*time.Second),
	}
	s.Wdt = Wdt{
		Enabled: c.GetBool("wdt.enabled", true),
		Timeout: c.GetDuration("wdt.timeout", 15*time.Second),
	}
	s.Log = Log{
		Dir:       c.GetString("log.dir", "/storage/logs"),
		MaxSize:   c.GetInt("log.maxsize", 1<<20),
		Level:     c.GetString("log.level", "info"),
		BufNItems: c.GetInt("log.buf_nitems", 128),
		Push:      c.GetBool("log.push", false),
		Capture:   c.GetBool("log.capture", true),
	}
	s.Control = Control{
		Remote: c.GetBool("control.remote", true),
	}
	s.Secureboot = SecurebootMode(c.GetString("secureboot.mode", string(SecurebootDisabled)))

	c.Debug = c.GetBool("debug", false)
	c.Settings = s
}

// --- typed getters ---

func (c *Config) GetString(key, def string) string {
	if v, ok := c.raw[key]; ok {
		return v
	}
	return def
}

func (c *Config) GetBool(key string, def bool) bool {
	v, ok := c.raw[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (c *Config) GetInt(key string, def int) int {
	v, ok := c.raw[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (c *Config) GetDuration(key string, def time.Duration) time.Duration {
	v, ok := c.raw[key]
	if !ok {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// SetCred sets a credential key in memory; call WriteCredentials to persist.
func (c *Config) SetCred(key, value string) {
	c.raw[key] = value
	c.deriveSettings()
}

// WriteCredentials persists the creds.* keys to the credentials file by
// writing a temp file and renaming (spec.md §4.1: "Credentials are
// persisted by writing to a temporary file and renaming").
func (c *Config) WriteCredentials() error {
	if c.credPath == "" {
		return perr.New(perr.Configuration, "no credentials path configured")
	}
	var buf bytes.Buffer
	for _, key := range []string{"creds.type", "creds.host", "creds.port", "creds.id", "creds.prn", "creds.secret"} {
		if v, ok := c.raw[key]; ok {
			fmt.Fprintf(&buf, "%s=%s\n", key, v)
		}
	}
	return osutil.WriteFileAtomic(c.credPath, buf.Bytes(), 0o600)
}

// Dump renders every loaded key as key=value, sorted by key, for --manifest.
func (c *Config) Dump() string {
	keys := make([]string, 0, len(c.raw))
	for k := range c.raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, c.raw[k])
	}
	return buf.String()
}
