package objects

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func digestOf(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func TestPutVerifyHas(t *testing.T) {
	s := New(t.TempDir())
	data := []byte("kernel image bytes")
	id := digestOf(data)

	if err := s.Put(id, bytes.NewReader(data)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Has(id) {
		t.Fatal("expected Has to report true after Put")
	}
	ok, err := s.Verify(id)
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v", ok, err)
	}
}

func TestPutChecksumMismatchRejected(t *testing.T) {
	s := New(t.TempDir())
	data := []byte("some bytes")
	wrongID := digestOf([]byte("different bytes"))

	err := s.Put(wrongID, bytes.NewReader(data))
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	if s.Has(wrongID) {
		t.Fatal("mismatched object must not be committed")
	}
}

func TestLinkIntoHardLinks(t *testing.T) {
	s := New(t.TempDir())
	data := []byte("fdt blob")
	id := digestOf(data)
	if err := s.Put(id, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}

	revRoot := t.TempDir()
	if err := s.LinkInto(revRoot, ".pv/pv-fdt.dtb", id); err != nil {
		t.Fatalf("LinkInto: %v", err)
	}
	linked := filepath.Join(revRoot, ".pv/pv-fdt.dtb")
	got, err := os.ReadFile(linked)
	if err != nil {
		t.Fatalf("read linked file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("linked content = %q, want %q", got, data)
	}
}

func TestUnlinkRemovesObject(t *testing.T) {
	s := New(t.TempDir())
	data := []byte("disposable")
	id := digestOf(data)
	if err := s.Put(id, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	if err := s.Unlink(id); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if s.Has(id) {
		t.Fatal("expected object to be gone after Unlink")
	}
}

func TestListIDsSkipsInFlightTemp(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	data := []byte("committed")
	id := digestOf(data)
	if err := s.Put(id, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("deadbeef", bytes.NewReader([]byte("mismatched, temp file removed"))); err == nil {
		t.Fatal("expected mismatch error")
	}
	if err := os.WriteFile(filepath.Join(dir, digestOf([]byte("partial"))+".new"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ListIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("ListIDs = %v, want [%s]", ids, id)
	}
}
