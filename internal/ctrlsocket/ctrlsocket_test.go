package ctrlsocket

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestDrainReceivesCommand(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "pv-ctrl")
	s, err := Listen(nil, sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := json.NewEncoder(conn).Encode(map[string]string{"kind": "REBOOT", "msg": "update applied"}); err != nil {
		t.Fatal(err)
	}

	var cmd *Command
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cmd = s.Drain(); cmd != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if cmd == nil {
		t.Fatal("expected a drained command")
	}
	if cmd.Kind != CmdReboot || cmd.Msg != "update applied" {
		t.Errorf("got %+v", cmd)
	}
	cmd.Reply(nil)
}

func TestRejectedDuringUpdate(t *testing.T) {
	if !RejectedDuringUpdate(CmdReboot) {
		t.Error("expected REBOOT rejected during update")
	}
	if RejectedDuringUpdate(CmdUpdateMetadata) {
		t.Error("expected UPDATE_METADATA allowed during update")
	}
}
