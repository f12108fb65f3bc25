package metadata

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

type fakeUploader struct {
	calls []map[string]json.RawMessage
}

func (f *fakeUploader) UploadDeviceMeta(pairs map[string]json.RawMessage) error {
	f.calls = append(f.calls, pairs)
	return nil
}

func TestParseFromJSONAndClearStale(t *testing.T) {
	dir := t.TempDir()
	hint := filepath.Join(dir, "pv")
	mnt := filepath.Join(dir, "meta")
	s := New(hint, mnt, nil, time.Hour)

	if err := s.ParseFromJSON([]byte(`{"user-meta":{"foo":"bar"}}`)); err != nil {
		t.Fatal(err)
	}
	v, ok := s.UserValue("foo")
	if !ok || v != "bar" {
		t.Fatalf("got (%q, %v), want (bar, true)", v, ok)
	}

	if err := s.ParseFromJSON([]byte(`{"user-meta":{}}`)); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.UserValue("foo"); ok {
		t.Errorf("expected foo to be cleared as stale")
	}
}

func TestUploadDirty(t *testing.T) {
	up := &fakeUploader{}
	s := New("", "", up, time.Hour)
	s.AddDevice("arch", "arm64")
	if err := s.UploadDirty(); err != nil {
		t.Fatal(err)
	}
	if len(up.calls) != 1 || string(up.calls[0]["arch"]) != `"arm64"` {
		t.Fatalf("got calls %v", up.calls)
	}
	// Second upload with nothing dirty should be a no-op.
	if err := s.UploadDirty(); err != nil {
		t.Fatal(err)
	}
	if len(up.calls) != 1 {
		t.Errorf("expected no additional upload call, got %d", len(up.calls))
	}
}

func TestUploadDirtyEmitsObjectValuesUnquoted(t *testing.T) {
	up := &fakeUploader{}
	s := New("", "", up, time.Hour)
	s.AddDevice("plain", "hello")
	s.AddDevice("nested", `{"a":1}`)
	if err := s.UploadDirty(); err != nil {
		t.Fatal(err)
	}
	if len(up.calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(up.calls))
	}
	pairs := up.calls[0]
	if string(pairs["plain"]) != `"hello"` {
		t.Errorf("plain value = %s, want JSON-string-encoded", pairs["plain"])
	}
	if string(pairs["nested"]) != `{"a":1}` {
		t.Errorf("nested value = %s, want unquoted object", pairs["nested"])
	}
}

func TestSeedDeviceMeta(t *testing.T) {
	up := &fakeUploader{}
	s := New("", "", up, time.Hour)
	s.SeedDeviceMeta(DeviceInfo{
		Arch:     "arm64",
		Version:  "1.2.3",
		DTModel:  "raspberrypi",
		CPUModel: "Cortex-A72",
		Revision: "5",
		Mode:     "remote",
		Hostname: "pv-device",
		Online:   true,
		Claimed:  false,
	})

	want := map[string]string{
		"pantavisor.arch":            "arm64",
		"pantavisor.version":         "1.2.3",
		"pantavisor.dtmodel":         "raspberrypi",
		"pantavisor.cpumodel":        "Cortex-A72",
		"pantavisor.revision":        "5",
		"pantavisor.mode":            "remote",
		"pantavisor.device-hostname": "pv-device",
		"pantahub.online":            "1",
		"pantahub.claimed":           "0",
	}
	for k, v := range want {
		got, ok := s.device[k]
		if !ok || got.Value != v {
			t.Errorf("device[%q] = %+v, want %q", k, got, v)
		}
	}

	s.SetPantahubState("register")
	if got := s.device["pantahub.state"]; got == nil || got.Value != "register" {
		t.Errorf("pantahub.state = %+v, want register", got)
	}
}

func TestEncodeDevMetaValue(t *testing.T) {
	if got := encodeDevMetaValue("plain"); string(got) != `"plain"` {
		t.Errorf("got %s, want quoted string", got)
	}
	if got := encodeDevMetaValue(`{"k":"v"}`); string(got) != `{"k":"v"}` {
		t.Errorf("got %s, want unquoted object", got)
	}
	// Malformed leading-brace content falls back to a quoted string rather
	// than shipping invalid JSON.
	if got := encodeDevMetaValue(`{not json`); string(got) != `"{not json"` {
		t.Errorf("got %s, want quoted fallback for invalid object", got)
	}
}
