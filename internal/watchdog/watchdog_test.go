package watchdog

import "testing"

func TestDisabledKickIsNoop(t *testing.T) {
	k, err := New(false, 0, "/dev/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Kick(); err != nil {
		t.Errorf("expected no-op kick, got %v", err)
	}
}
