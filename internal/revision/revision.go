// Package revision is the on-disk revision store (C3): trails/<rev>/
// layout, progress/commit-message sidecars, boot-asset linking and the
// current/logs symlink swap.
//
// Grounded on spec.md §4.3. The atomic-write and atomic-symlink-swap
// idiom comes straight from internal/osutil, and object linking is
// delegated to internal/objects (C2).
package revision

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pantacor/pantavisor-go/internal/objects"
	"github.com/pantacor/pantavisor-go/internal/osutil"
	"github.com/pantacor/pantavisor-go/internal/perr"
	"github.com/pantacor/pantavisor-go/internal/state"
)

// FactoryRev is the literal factory revision id (spec.md §3, §4.9).
const FactoryRev = "0"

// LocalsPrefix marks a revision introduced locally, bypassing the hub
// (spec.md §3: "local revisions with the reserved prefix locals/").
const LocalsPrefix = "locals/"

// Store manages the trails/, logs/ and disks/rev/ trees under mnt.
type Store struct {
	mnt     string
	objects *objects.Store
}

// New returns a Store rooted at mnt (the configured storage mount point).
func New(mnt string, objStore *objects.Store) *Store {
	return &Store{mnt: mnt, objects: objStore}
}

// Root returns trails/<rev>.
func (s *Store) Root(rev string) string {
	return filepath.Join(s.mnt, "trails", rev)
}

// LogDir returns logs/<rev>.
func (s *Store) LogDir(rev string) string {
	return filepath.Join(s.mnt, "logs", rev)
}

// DiskDir returns disks/rev/<rev>.
func (s *Store) DiskDir(rev string) string {
	return filepath.Join(s.mnt, "disks", "rev", rev)
}

func (s *Store) pvrJSONPath(rev string) string {
	return filepath.Join(s.Root(rev), ".pvr", "json")
}

func (s *Store) progressPath(rev string) string {
	return filepath.Join(s.Root(rev), ".pv", "progress")
}

func (s *Store) commitMsgPath(rev string) string {
	return filepath.Join(s.Root(rev), ".pv", "commitmsg")
}

// WriteState writes canonical state JSON to trails/<rev>/.pvr/json
// atomically (spec.md §4.3).
func (s *Store) WriteState(rev string, canonicalJSON []byte) error {
	return osutil.WriteFileAtomic(s.pvrJSONPath(rev), canonicalJSON, 0o644)
}

// ReadState reads and parses trails/<rev>/.pvr/json.
func (s *Store) ReadState(rev string) (*state.State, error) {
	data, err := os.ReadFile(s.pvrJSONPath(rev))
	if err != nil {
		return nil, perr.Wrap(perr.Integrity, err, "read state for %s", rev)
	}
	return state.Parse(rev, data)
}

// WriteProgress atomically writes the progress sidecar
// trails/<rev>/.pv/progress (spec.md §3 "Progress sidecar").
func (s *Store) WriteProgress(rev string, status, statusMsg string, progress int) error {
	payload, err := json.Marshal(map[string]interface{}{
		"status":     status,
		"status-msg": statusMsg,
		"progress":   progress,
	})
	if err != nil {
		return perr.Wrap(perr.FatalEnvironment, err, "marshal progress")
	}
	return osutil.WriteFileAtomic(s.progressPath(rev), payload, 0o644)
}

// WriteCommitMsg writes a freeform commit message sidecar.
func (s *Store) WriteCommitMsg(rev, msg string) error {
	return osutil.WriteFileAtomic(s.commitMsgPath(rev), []byte(msg), 0o644)
}

// ExpandInlineJSONs materialises every state key ending ".json" as the
// named file under trails/<rev>/ (spec.md §4.3 expand_inline_jsons).
func (s *Store) ExpandInlineJSONs(rev string, st *state.State) error {
	for _, p := range st.Platforms {
		if !strings.HasSuffix(p.Name, ".json") && p.JSON != nil {
			name := p.Name + ".json"
			if err := osutil.WriteFileAtomic(filepath.Join(s.Root(rev), name), p.JSON, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

// LinkBootAssets hard-links the revision's BSP files from the object
// store into trails/<rev>/.pv/, looking up the relative paths that
// internal/state's parsers store in st.BSP.* (system1 prefixes them with
// bsp/, multi1 does not) (spec.md §4.3). st.Objects maps relative path ->
// object id.
func (s *Store) LinkBootAssets(rev string, st *state.State) error {
	assets := map[string]string{
		"pv-kernel.img": st.BSP.Kernel,
		"pv-fdt.dtb":    st.BSP.FDT,
	}
	for dstName, relPath := range assets {
		if relPath == "" {
			continue
		}
		id, ok := st.Objects[relPath]
		if !ok {
			continue // object id not listed; asset may be inline rather than object-backed
		}
		if err := s.objects.LinkInto(s.Root(rev), filepath.Join(".pv", dstName), id); err != nil {
			return err
		}
	}
	if st.BSP.Initrd != "" {
		if id, ok := st.Objects[st.BSP.Initrd]; ok {
			if err := s.objects.LinkInto(s.Root(rev), filepath.Join(".pv", "pv-initrd.img"), id); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetActive atomically replaces trails/current and logs/current to point
// at rev (spec.md §4.3 set_active; §5 "observably atomic for readers").
func (s *Store) SetActive(rev string) error {
	if err := os.MkdirAll(s.LogDir(rev), 0o755); err != nil {
		return perr.Wrap(perr.Transient, err, "mkdir %s", s.LogDir(rev))
	}
	if err := osutil.ReplaceSymlink(filepath.Join(s.mnt, "trails", "current"), rev); err != nil {
		return err
	}
	return osutil.ReplaceSymlink(filepath.Join(s.mnt, "logs", "current"), rev)
}

// Current resolves trails/current to its target revision id.
func (s *Store) Current() (string, error) {
	target, err := os.Readlink(filepath.Join(s.mnt, "trails", "current"))
	if err != nil {
		return "", perr.Wrap(perr.Integrity, err, "readlink trails/current")
	}
	return target, nil
}

// RemoveRev recursively deletes trails/<rev>/, logs/<rev>/ and
// disks/rev/<rev>/ (spec.md §4.3 remove_rev).
func (s *Store) RemoveRev(rev string) error {
	for _, dir := range []string{s.Root(rev), s.LogDir(rev), s.DiskDir(rev)} {
		if err := os.RemoveAll(dir); err != nil {
			return perr.Wrap(perr.Transient, err, "remove %s", dir)
		}
	}
	return nil
}

// UpdateFactory replaces trails/0 with the contents of srcRev, used when a
// local install is promoted to become the new factory baseline.
func (s *Store) UpdateFactory(srcRev string) error {
	if err := s.RemoveRev(FactoryRev); err != nil {
		return err
	}
	if err := copyTree(s.Root(srcRev), s.Root(FactoryRev)); err != nil {
		return perr.Wrap(perr.Transient, err, "copy %s -> factory", srcRev)
	}
	return nil
}

// ListRevs returns the union of trails/* and trails/locals/*, excluding
// ".", "..", "current" and "locals" itself (spec.md §4.3 list_revs).
func (s *Store) ListRevs() ([]string, error) {
	trailsDir := filepath.Join(s.mnt, "trails")
	entries, err := os.ReadDir(trailsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perr.Wrap(perr.Transient, err, "readdir %s", trailsDir)
	}

	var revs []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == "current" {
			continue
		}
		if name == "locals" {
			localEntries, err := os.ReadDir(filepath.Join(trailsDir, "locals"))
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, perr.Wrap(perr.Transient, err, "readdir trails/locals")
			}
			for _, le := range localEntries {
				if le.IsDir() {
					revs = append(revs, LocalsPrefix+le.Name())
				}
			}
			continue
		}
		revs = append(revs, name)
	}
	return revs, nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return osutil.WriteFileAtomic(target, data, info.Mode())
	})
}
