package bootloader

import "testing"

type fakeAdapter struct {
	try, rev string
	rollback bool
}

func (f *fakeAdapter) SetTry(rev string) error { f.try = rev; return nil }
func (f *fakeAdapter) ClearTry() error         { f.try = ""; return nil }
func (f *fakeAdapter) SetRev(rev string) error { f.rev = rev; return nil }
func (f *fakeAdapter) GetRev() (string, error) { return f.rev, nil }
func (f *fakeAdapter) GetTry() (string, error) { return f.try, nil }
func (f *fakeAdapter) RollbackFlagged() (bool, error) {
	return f.rollback, nil
}

func TestResumeNone(t *testing.T) {
	a := &fakeAdapter{rev: "3"}
	state, rev, err := Resume(a)
	if err != nil {
		t.Fatal(err)
	}
	if state != ResumeNone {
		t.Errorf("got %v, want ResumeNone", state)
	}
	if rev != "" {
		t.Errorf("got rev %q, want empty", rev)
	}
}

func TestResumeTrying(t *testing.T) {
	a := &fakeAdapter{rev: "3", try: "4"}
	state, rev, err := Resume(a)
	if err != nil {
		t.Fatal(err)
	}
	if state != ResumeTrying || rev != "4" {
		t.Errorf("got (%v, %q), want (ResumeTrying, 4)", state, rev)
	}
}

func TestResumeRolledBack(t *testing.T) {
	a := &fakeAdapter{rev: "3", try: "4", rollback: true}
	state, rev, err := Resume(a)
	if err != nil {
		t.Fatal(err)
	}
	if state != ResumeRolledBack || rev != "3" {
		t.Errorf("got (%v, %q), want (ResumeRolledBack, 3)", state, rev)
	}
}
