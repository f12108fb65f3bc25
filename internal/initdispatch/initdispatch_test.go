package initdispatch

import (
	"errors"
	"testing"
)

func TestRunStopsOnFatalFailure(t *testing.T) {
	var ran []string
	d := New(nil,
		Entry{Name: "a", Fn: func() error { ran = append(ran, "a"); return nil }},
		Entry{Name: "b", Fn: func() error { ran = append(ran, "b"); return errors.New("boom") }},
		Entry{Name: "c", Fn: func() error { ran = append(ran, "c"); return nil }},
	)
	results, err := d.Run()
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if len(ran) != 2 {
		t.Fatalf("expected dispatcher to stop after b, ran=%v", ran)
	}
	if !results[len(results)-1].Fatal {
		t.Error("expected last result marked fatal")
	}
}

func TestRunContinuesPastCanFail(t *testing.T) {
	var ran []string
	d := New(nil,
		Entry{Name: "a", Fn: func() error { ran = append(ran, "a"); return errors.New("soft") }, CanFail: true},
		Entry{Name: "b", Fn: func() error { ran = append(ran, "b"); return nil }},
	)
	_, err := d.Run()
	if err != nil {
		t.Fatalf("expected no fatal error, got %v", err)
	}
	if len(ran) != 2 {
		t.Fatalf("expected both steps to run, ran=%v", ran)
	}
}
