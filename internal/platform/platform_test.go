package platform

import (
	"context"
	"testing"
	"time"
)

func TestMockRuntimeStartStop(t *testing.T) {
	m := NewMockRuntime()
	ctx := context.Background()

	if err := m.Start(ctx, Spec{Name: "app"}); err != nil {
		t.Fatal(err)
	}
	running, err := m.IsRunning(ctx, "app")
	if err != nil || !running {
		t.Fatalf("got (%v, %v), want (true, nil)", running, err)
	}

	if err := m.Stop(ctx, "app", time.Second); err != nil {
		t.Fatal(err)
	}
	running, _ = m.IsRunning(ctx, "app")
	if running {
		t.Error("expected platform stopped")
	}
}

func TestMockRuntimeWaitOnSimulatedExit(t *testing.T) {
	m := NewMockRuntime()
	ctx := context.Background()
	if err := m.Start(ctx, Spec{Name: "app"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan int, 1)
	go func() {
		code, err := m.Wait(ctx, "app")
		if err != nil {
			t.Error(err)
		}
		done <- code
	}()

	m.SimulateExit("app", 137)
	select {
	case code := <-done:
		if code != 137 {
			t.Errorf("got %d, want 137", code)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit")
	}
}

func TestMockRuntimeCheckExited(t *testing.T) {
	m := NewMockRuntime()
	ctx := context.Background()
	if err := m.Start(ctx, Spec{Name: "app"}); err != nil {
		t.Fatal(err)
	}

	exited, _, err := m.CheckExited(ctx, "app")
	if err != nil || exited {
		t.Fatalf("got (%v, %v), want (false, nil) for a still-running platform", exited, err)
	}

	m.SimulateExit("app", 42)
	exited, code, err := m.CheckExited(ctx, "app")
	if err != nil || !exited || code != 42 {
		t.Fatalf("got (%v, %v, %v), want (true, 42, nil)", exited, code, err)
	}

	// A second poll after the exit has already been observed must not
	// report stale state.
	exited, _, err = m.CheckExited(ctx, "app")
	if err != nil || exited {
		t.Fatalf("got (%v, %v), want (false, nil) on re-poll after exit drained", exited, err)
	}
}

func TestMockRuntimeCheckExitedUnknownPlatform(t *testing.T) {
	m := NewMockRuntime()
	exited, _, err := m.CheckExited(context.Background(), "never-started")
	if err != nil || exited {
		t.Fatalf("got (%v, %v), want (false, nil) for a platform that was never started", exited, err)
	}
}
