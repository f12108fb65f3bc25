// Package initdispatch runs the ordered list of startup steps (C11):
// config, storage mount, credentials, creds-dependent mounts, revision
// store, logging, device identity, network, platform runtime,
// bootloader, state, update engine.
//
// Grounded on spec.md §4.11. Each step is a named unit of startup work
// that may or may not be allowed to fail, run strictly in order.
package initdispatch

import "github.com/sirupsen/logrus"

// Entry is one init step.
type Entry struct {
	Name    string
	Fn      func() error
	CanFail bool // CAN_FAIL: dispatcher continues past a non-zero return
}

// Dispatcher runs entries in order, stopping at the first non-CAN_FAIL
// failure.
type Dispatcher struct {
	log     *logrus.Entry
	entries []Entry
}

// New returns a Dispatcher that will run entries in the given order.
func New(log *logrus.Entry, entries ...Entry) *Dispatcher {
	return &Dispatcher{log: log, entries: entries}
}

// Result reports the outcome of one init step, for callers that want to
// log or surface which steps were skipped versus genuinely failed.
type Result struct {
	Name   string
	Err    error
	Fatal  bool
}

// Run executes every entry in order. It returns the first fatal error
// (a failing entry without CAN_FAIL) and the full per-entry result log.
func (d *Dispatcher) Run() ([]Result, error) {
	var results []Result
	for _, e := range d.entries {
		err := e.Fn()
		res := Result{Name: e.Name, Err: err}
		if err != nil {
			if d.log != nil {
				d.log.WithError(err).WithField("step", e.Name).WithField("can_fail", e.CanFail).
					Warn("init step failed")
			}
			if !e.CanFail {
				res.Fatal = true
				results = append(results, res)
				return results, err
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// CanonicalOrder is the fixed step-name order named by spec.md §4.11:
// "config → mount storage → credentials → mount creds-dependent →
// revision → log → device → network → platform → bootloader → state →
// update." Callers build their Entry slice in this order; this slice
// exists so tests and logging can assert the order wasn't scrambled.
var CanonicalOrder = []string{
	"config",
	"mount_storage",
	"credentials",
	"mount_creds_dependent",
	"revision",
	"log",
	"device",
	"network",
	"platform",
	"bootloader",
	"state",
	"update",
}
