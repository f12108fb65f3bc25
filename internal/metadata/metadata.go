// Package metadata is the two-map metadata store (C6): cloud-authoritative
// user metadata and device-authoritative device metadata, each mirrored
// to disk and to /pv/ hint files for on-device consumers.
//
// Grounded on spec.md §4.6. The staged-dirty-flag design has no close
// precedent elsewhere in this codebase; the locking discipline follows
// the same concurrency-safety stance taken for other shared state,
// using github.com/sasha-s/go-deadlock (debug-build deadlock
// detection on the controller's single most contended lock) since the
// wait tick, the hub sync goroutine and the control socket handler all
// touch these maps concurrently. Uploads are throttled with
// github.com/boz/go-throttle so a flood of devmeta.Add calls coalesces
// into one upload_dirty() call rather than one per key.
package metadata

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/boz/go-throttle"
	"github.com/sasha-s/go-deadlock"

	"github.com/pantacor/pantavisor-go/internal/osutil"
	"github.com/pantacor/pantavisor-go/internal/perr"
)

// Item is one metadata entry (spec.md §3 "Metadata item").
type Item struct {
	Key     string
	Value   string
	Updated bool
}

// Uploader serialises dirty device metadata to the hub; implemented by
// internal/hub in production, faked in tests. Values are pre-encoded
// json.RawMessage so a value whose content is itself a JSON object
// (leading '{') reaches the wire unquoted (spec.md §4.6, §9).
type Uploader interface {
	UploadDeviceMeta(pairs map[string]json.RawMessage) error
}

// Store holds both metadata maps plus the disk mirror root (hintRoot is
// normally /pv, mntRoot is the persistent storage mount).
type Store struct {
	mu deadlock.Mutex

	user   map[string]*Item
	device map[string]*Item

	hintRoot string // /pv
	mntRoot  string // <storage-mnt>/.../user-meta

	throttledUpload throttle.ThrottleDriver
	uploader        Uploader
}

// New returns an empty Store. uploadInterval coalesces repeated
// Add/devmeta churn into a single upload via go-throttle (spec.md §4.6
// upload_dirty, SPEC_FULL.md DOMAIN STACK).
func New(hintRoot, mntRoot string, uploader Uploader, uploadInterval time.Duration) *Store {
	s := &Store{
		user:     map[string]*Item{},
		device:   map[string]*Item{},
		hintRoot: hintRoot,
		mntRoot:  mntRoot,
		uploader: uploader,
	}
	s.throttledUpload = throttle.ThrottleFunc(uploadInterval, false, func() {
		_ = s.UploadDirty()
	})
	return s
}

// ParseFromJSON walks a hub user-meta document, upserting each pair with
// updated=true, then runs ClearStale to drop anything not touched this
// cycle (spec.md §4.6 usermeta.parse_from_json).
func (s *Store) ParseFromJSON(body []byte) error {
	var doc struct {
		UserMeta map[string]string `json:"user-meta"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return perr.Wrap(perr.Integrity, err, "parse user-meta document")
	}

	s.mu.Lock()
	for _, it := range s.user {
		it.Updated = false
	}
	s.mu.Unlock()

	for k, v := range doc.UserMeta {
		if err := s.upsertUser(k, v); err != nil {
			return err
		}
	}
	return s.ClearStale()
}

func (s *Store) upsertUser(key, value string) error {
	s.mu.Lock()
	it, ok := s.user[key]
	if !ok {
		it = &Item{Key: key}
		s.user[key] = it
	}
	it.Value = value
	it.Updated = true // spec.md §4.6: updated set on every walked pair, even if value is unchanged
	s.mu.Unlock()

	return s.mirrorUser(key, value)
}

func (s *Store) mirrorUser(key, value string) error {
	if s.mntRoot != "" {
		if err := osutil.WriteFileAtomic(filepath.Join(s.mntRoot, key), []byte(value), 0o644); err != nil {
			return err
		}
	}
	if s.hintRoot != "" {
		if err := osutil.WriteFileAtomic(filepath.Join(s.hintRoot, "user-meta", key), []byte(value), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// ClearStale deletes user metadata entries whose updated flag was not set
// this cycle (spec.md §4.6, invariant 4).
func (s *Store) ClearStale() error {
	s.mu.Lock()
	var stale []string
	for k, it := range s.user {
		if !it.Updated {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		delete(s.user, k)
	}
	s.mu.Unlock()

	for _, k := range stale {
		if s.mntRoot != "" {
			_ = removeQuiet(filepath.Join(s.mntRoot, k))
		}
		if s.hintRoot != "" {
			_ = removeQuiet(filepath.Join(s.hintRoot, "user-meta", k))
		}
	}
	return nil
}

// UserValue returns a user metadata value and whether it is present.
func (s *Store) UserValue(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.user[key]
	if !ok {
		return "", false
	}
	return it.Value, true
}

// AddDevice inserts or updates a device metadata key (spec.md §4.6
// devmeta.add): on insert or value change, marks updated=true and
// schedules a throttled upload.
func (s *Store) AddDevice(key, value string) {
	s.mu.Lock()
	it, ok := s.device[key]
	changed := !ok || it.Value != value
	if !ok {
		it = &Item{Key: key}
		s.device[key] = it
	}
	if changed {
		it.Value = value
		it.Updated = true
	}
	s.mu.Unlock()

	if changed && s.throttledUpload != nil {
		s.throttledUpload.Trigger()
	}
}

// UploadDirty serialises device metadata pairs with updated==true into a
// single JSON object via the Uploader; on success clears all updated
// flags (spec.md §4.6 devmeta.upload_dirty).
func (s *Store) UploadDirty() error {
	s.mu.Lock()
	pairs := map[string]json.RawMessage{}
	var dirtyKeys []string
	for k, it := range s.device {
		if it.Updated {
			pairs[k] = encodeDevMetaValue(it.Value)
			dirtyKeys = append(dirtyKeys, k)
		}
	}
	s.mu.Unlock()

	if len(pairs) == 0 {
		return nil
	}
	if s.uploader == nil {
		return perr.New(perr.Configuration, "no devmeta uploader configured")
	}
	if err := s.uploader.UploadDeviceMeta(pairs); err != nil {
		return perr.Wrap(perr.Transient, err, "upload device metadata")
	}

	s.mu.Lock()
	for _, k := range dirtyKeys {
		if it, ok := s.device[k]; ok {
			it.Updated = false
		}
	}
	s.mu.Unlock()
	return nil
}

// encodeDevMetaValue serialises one devmeta value for upload. A value
// that is itself a JSON object (detected by a leading '{') is emitted
// unquoted via json.RawMessage; everything else is JSON-string-encoded
// (spec.md §4.6, §9 "Hand-rolled JSON walking").
func encodeDevMetaValue(value string) json.RawMessage {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(value)
	return json.RawMessage(b)
}

// DeviceInfo carries the seed fields spec.md §4.6 lists for devmeta:
// hardware identity (arch/dtmodel/cpumodel), build identity
// (version/revision), operating mode and the initial hub-connectivity
// flags, plus the device hostname (an addition beyond §4.6's literal
// list, following the same read-helper-registry pattern).
type DeviceInfo struct {
	Arch     string
	Version  string
	DTModel  string
	CPUModel string
	Revision string
	Mode     string // "remote" | "local"
	Hostname string
	Online   bool
	Claimed  bool
}

// SeedDeviceMeta populates the fixed set of devmeta keys spec.md §4.6
// names ("Seed fields on init"). Callers run this once at startup,
// after ProbeDeviceInfo (or an equivalent) has gathered the hardware
// fields; the controller subsequently keeps pantahub.online,
// pantahub.claimed and pantahub.state current as it ticks.
func (s *Store) SeedDeviceMeta(info DeviceInfo) {
	s.AddDevice("pantavisor.arch", info.Arch)
	s.AddDevice("pantavisor.version", info.Version)
	s.AddDevice("pantavisor.dtmodel", info.DTModel)
	s.AddDevice("pantavisor.cpumodel", info.CPUModel)
	s.AddDevice("pantavisor.revision", info.Revision)
	s.AddDevice("pantavisor.mode", info.Mode)
	s.AddDevice("pantavisor.device-hostname", info.Hostname)
	s.AddDevice("pantahub.online", boolFlag(info.Online))
	s.AddDevice("pantahub.claimed", boolFlag(info.Claimed))
}

// SetPantahubState updates the controller-managed pantahub.state key,
// one of init|register|claim|sync|idle|update (spec.md §4.6).
func (s *Store) SetPantahubState(state string) {
	s.AddDevice("pantahub.state", state)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ProbeDeviceInfo reads the hardware-identity seed fields via the same
// kind of read-helper registry spec.md §4.6 calls out: runtime.GOARCH
// for arch, /proc/device-tree/model for dtmodel, and the "model name"
// line of /proc/cpuinfo for cpumodel. version, revision and mode come
// from build info, the current revision and config rather than a
// hardware probe, so the caller supplies them.
func ProbeDeviceInfo(version, revision, mode string) DeviceInfo {
	hostname, _ := os.Hostname()
	return DeviceInfo{
		Arch:     runtime.GOARCH,
		Version:  version,
		DTModel:  readDeviceTreeModel("/proc/device-tree/model"),
		CPUModel: readCPUModel("/proc/cpuinfo"),
		Revision: revision,
		Mode:     mode,
		Hostname: hostname,
	}
}

func readDeviceTreeModel(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(data), "\x00\n")
}

func readCPUModel(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "model name") || strings.HasPrefix(line, "Model") {
			if i := strings.IndexByte(line, ':'); i >= 0 {
				return strings.TrimSpace(line[i+1:])
			}
		}
	}
	return ""
}

func removeQuiet(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return perr.Wrap(perr.Transient, err, "remove %s", path)
	}
	return nil
}
