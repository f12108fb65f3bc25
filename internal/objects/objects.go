// Package objects is the content-addressed blob store (C2).
//
// Grounded on spec.md §3/§4.2. The "stream bytes while hashing, verify,
// then commit" shape follows the same pattern used for image pull/stream
// handling elsewhere, adapted from network streaming to on-disk staging.
// samber/lo provides the set-style filtering used by list/verify helpers.
package objects

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/samber/lo"

	"github.com/pantacor/pantavisor-go/internal/perr"
)

// Store is the object store rooted at <mnt>/objects.
type Store struct {
	root string
}

// New returns a Store rooted at objectsDir (<mnt>/objects).
func New(objectsDir string) *Store {
	return &Store{root: objectsDir}
}

// Path returns the on-disk path of object id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) tempPath(id string) string {
	return filepath.Join(s.root, id+".new")
}

// Has reports whether the object exists and hashes to id (spec.md §4.7:
// "if objects/<id> present and verifies, skip").
func (s *Store) Has(id string) bool {
	ok, err := s.Verify(id)
	return err == nil && ok
}

// Put streams r into objects/<id>.new while hashing, verifies the digest,
// then renames into place. On mismatch the temp file is removed and
// ChecksumMismatch (perr.Integrity) is returned (spec.md §4.2).
func (s *Store) Put(id string, r io.Reader) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return perr.Wrap(perr.Transient, err, "mkdir %s", s.root)
	}
	tmp := s.tempPath(id)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return perr.Wrap(perr.Transient, err, "create %s", tmp)
	}

	h := sha256.New()
	mw := io.MultiWriter(f, h)
	if _, err := io.Copy(mw, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return perr.Wrap(perr.Transient, err, "stream into %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return perr.Wrap(perr.Transient, err, "fsync %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return perr.Wrap(perr.Transient, err, "close %s", tmp)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !constantTimeEqualHex(got, id) {
		os.Remove(tmp)
		return perr.New(perr.Integrity, "checksum mismatch: want %s got %s", id, got)
	}

	if err := os.Rename(tmp, s.Path(id)); err != nil {
		os.Remove(tmp)
		return perr.Wrap(perr.Transient, err, "rename %s", tmp)
	}
	return nil
}

// Verify re-hashes objects/<id> and compares against id.
func (s *Store) Verify(id string) (bool, error) {
	f, err := os.Open(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, perr.Wrap(perr.Transient, err, "open %s", id)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, perr.Wrap(perr.Transient, err, "hash %s", id)
	}
	got := hex.EncodeToString(h.Sum(nil))
	return constantTimeEqualHex(got, id), nil
}

// LinkInto hard-links objects/<id> to <revRoot>/<relPath>, creating parent
// directories as needed (spec.md §4.2).
func (s *Store) LinkInto(revRoot, relPath, id string) error {
	dst := filepath.Join(revRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return perr.Wrap(perr.Transient, err, "mkdir %s", filepath.Dir(dst))
	}
	os.Remove(dst) // idempotent: a prior partial install may have left a link/file here
	if err := os.Link(s.Path(id), dst); err != nil {
		return perr.Wrap(perr.Transient, err, "link %s -> %s", id, dst)
	}
	return nil
}

// ListIDs enumerates objects present on disk, skipping in-flight *.new files.
func (s *Store) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perr.Wrap(perr.Transient, err, "readdir %s", s.root)
	}
	names := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		if e.IsDir() || filepath.Ext(e.Name()) == ".new" {
			return "", false
		}
		return e.Name(), true
	})
	return names, nil
}

// Stat reports the link count of objects/<id>, used by GC's nlink==1 heuristic.
func (s *Store) Stat(id string) (os.FileInfo, error) {
	return os.Stat(s.Path(id))
}

// Unlink removes objects/<id> and fsyncs the parent directory.
func (s *Store) Unlink(id string) error {
	if err := os.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
		return perr.Wrap(perr.Transient, err, "unlink %s", id)
	}
	return syncRoot(s.root)
}

func syncRoot(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer f.Close()
	_ = f.Sync()
	return nil
}

// constantTimeEqualHex compares two hex-encoded digests in constant time
// over their decoded bytes, per spec.md §4.2 ("constant-length byte
// comparisons on the 32-byte digest").
func constantTimeEqualHex(a, b string) bool {
	da, err1 := hex.DecodeString(a)
	db, err2 := hex.DecodeString(b)
	if err1 != nil || err2 != nil || len(da) != len(db) {
		return false
	}
	var v byte
	for i := range da {
		v |= da[i] ^ db[i]
	}
	return v == 0
}
