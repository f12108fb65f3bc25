// Package ctrlsocket is the local control channel (C10): a unix socket
// at /pv/pv-ctrl accepting one command per connection.
//
// Grounded on spec.md §4.10. The accept-loop-plus-buffered-channel
// pattern feeds results back to a single-threaded consumer: the
// controller drains the channel once per WAIT tick rather than a
// goroutine reacting immediately, preserving spec.md §5's
// single-threaded-cooperative core.
package ctrlsocket

import (
	"encoding/json"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/pantacor/pantavisor-go/internal/perr"
)

// CommandKind enumerates the one-per-message control commands (spec.md §4.10).
type CommandKind string

const (
	CmdUpdateMetadata CommandKind = "UPDATE_METADATA"
	CmdReboot         CommandKind = "REBOOT"
	CmdPoweroff       CommandKind = "POWEROFF"
	CmdLocalRun       CommandKind = "LOCAL_RUN"
	CmdMakeFactory    CommandKind = "MAKE_FACTORY"
	CmdRunGC          CommandKind = "RUN_GC"
)

// Command is one decoded control message, with a reply channel the
// server uses to report accept/reject back to the caller.
type Command struct {
	Kind  CommandKind
	JSON  []byte // UPDATE_METADATA, LOCAL_RUN payload
	Msg   string // REBOOT/POWEROFF message
	Rev   string // MAKE_FACTORY optional target rev

	reply chan error
}

// Reply tells the original caller whether the command was accepted.
func (c *Command) Reply(err error) {
	if c.reply != nil {
		c.reply <- err
		close(c.reply)
	}
}

type wireCommand struct {
	Kind string          `json:"kind"`
	JSON json.RawMessage `json:"json,omitempty"`
	Msg  string          `json:"msg,omitempty"`
	Rev  string          `json:"rev,omitempty"`
}

// Server accepts connections on a unix socket and funnels decoded
// commands onto a buffered channel for the controller's WAIT tick to drain.
type Server struct {
	log      *logrus.Entry
	listener net.Listener
	commands chan *Command
}

// Listen creates the socket at path (removing a stale one first) and
// starts accepting connections in the background.
func Listen(log *logrus.Entry, path string) (*Server, error) {
	_ = os.Remove(path) // stale socket from a prior crash; bind fails otherwise
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, perr.Wrap(perr.FatalEnvironment, err, "listen on %s", path)
	}
	s := &Server{log: log, listener: ln, commands: make(chan *Command, 16)}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	var wire wireCommand
	if err := json.NewDecoder(conn).Decode(&wire); err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("ctrlsocket: malformed command")
		}
		return
	}
	cmd := &Command{
		Kind:  CommandKind(wire.Kind),
		JSON:  wire.JSON,
		Msg:   wire.Msg,
		Rev:   wire.Rev,
		reply: make(chan error, 1),
	}
	s.commands <- cmd

	if err := <-cmd.reply; err != nil {
		json.NewEncoder(conn).Encode(map[string]string{"error": err.Error()})
	} else {
		json.NewEncoder(conn).Encode(map[string]string{"status": "ok"})
	}
}

// Drain returns at most one pending command, or nil if none is waiting
// (spec.md §4.9 "drains one command from the control channel per tick").
func (s *Server) Drain() *Command {
	select {
	case c := <-s.commands:
		return c
	default:
		return nil
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

// RejectedDuringUpdate reports whether kind must be rejected while an
// update is in progress (spec.md §4.10).
func RejectedDuringUpdate(kind CommandKind) bool {
	switch kind {
	case CmdReboot, CmdPoweroff, CmdLocalRun, CmdMakeFactory:
		return true
	default:
		return false
	}
}
