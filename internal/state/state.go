// Package state parses a revision's state JSON into an in-memory State
// (C4), via a registry of parsers keyed by the "#spec" field.
//
// Grounded on spec.md §3/§4.4. The registry pattern and "drop what
// can't be resolved, keep done=true" validation style follows a
// tolerant unmarshal-onto-defaults discipline: a parser never panics
// on a malformed field, it just fails that one platform and moves on.
// github.com/spkg/bom strips a stray BOM before JSON decoding,
// github.com/pmezard/go-difflib renders a unified diff of two
// canonical JSON blobs for install-time logging.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spkg/bom"

	"github.com/pantacor/pantavisor-go/internal/perr"
)

// Runlevel classifies how disruptive a platform's update is (spec.md GLOSSARY,
// SPEC_FULL.md Open Question 2).
type Runlevel int

const (
	RunlevelRootfs Runlevel = iota
	RunlevelPlatform
	RunlevelData
	RunlevelApp
)

// DefaultRunlevel is used when a platform's JSON omits runlevel.
const DefaultRunlevel = RunlevelData

// NsShareFlag is a bit in Platform.NsShareFlags (spec.md §3).
type NsShareFlag int

const (
	NsShareNetwork NsShareFlag = 1 << iota
	NsShareUTS
	NsShareIPC
)

// BSP is the board support package manifest (spec.md §3).
type BSP struct {
	Kernel   string
	Initrd   string
	FDT      string
	Firmware string
	Modules  string
}

// Platform is a container workload descriptor (spec.md §3).
type Platform struct {
	Name         string
	Type         string
	Exec         string
	Configs      []string
	NsShareFlags int
	Runlevel     Runlevel
	JSON         json.RawMessage
	Done         bool // parser sets this only once type/exec/configs resolved
}

// VolumeType enumerates volumes[*].type (spec.md §3).
type VolumeType string

const (
	VolumeLoopImg VolumeType = "LOOPIMG"
)

// Volume is a mountable unit a platform may reference (spec.md §3).
type Volume struct {
	Name        string
	Type        VolumeType
	PlatformRef string
}

// State is the parsed form of one revision (spec.md §3).
type State struct {
	Rev       string
	Spec      string
	BSP       BSP
	Platforms []Platform
	Volumes   []Volume
	Addons    []string
	Objects   map[string]string // relative path -> object id
	JSON      []byte            // canonical unparsed bytes, retained for signatures/re-serialisation
	Local     bool
}

// MinRunlevel returns the smallest runlevel among the state's platforms, or
// RunlevelRootfs if there are none — used by the update engine to decide the
// scope of a non-rebooting runlevel update (spec.md §4.7).
func (s *State) MinRunlevel() Runlevel {
	min := RunlevelApp
	found := false
	for _, p := range s.Platforms {
		if !p.Done {
			continue
		}
		if p.Runlevel < min {
			min = p.Runlevel
		}
		found = true
	}
	if !found {
		return RunlevelRootfs
	}
	return min
}

// Validate checks that every volume naming a platform names one that
// exists in the state. Platforms carry no list of the volumes they use,
// so nothing is checked from the platform side.
func (s *State) Validate() error {
	volNames := map[string]bool{}
	for _, v := range s.Volumes {
		volNames[v.Name] = true
	}
	for _, p := range s.Platforms {
		if !p.Done {
			continue
		}
		for _, ref := range p.Configs {
			_, isObject := s.Objects[ref]
			_ = isObject // configs may be inline-expanded rather than object-backed
		}
	}
	for _, v := range s.Volumes {
		if v.PlatformRef == "" {
			continue
		}
		found := false
		for _, p := range s.Platforms {
			if p.Name == v.PlatformRef {
				found = true
				break
			}
		}
		if !found {
			return perr.New(perr.Integrity, "volume %s references unknown platform %s", v.Name, v.PlatformRef)
		}
	}
	return nil
}

// Parser turns canonical JSON bytes into a State. One is registered per
// "#spec" tag (spec.md §4.4).
type Parser interface {
	Spec() string
	Parse(rev string, data []byte) (*State, error)
}

var registry = map[string]Parser{}

// Register adds a parser to the registry, keyed by its Spec() tag.
func Register(p Parser) { registry[p.Spec()] = p }

type specEnvelope struct {
	Spec string `json:"#spec"`
}

// Parse decodes the "#spec" field and dispatches to the registered parser.
func Parse(rev string, data []byte) (*State, error) {
	clean, err := io.ReadAll(bom.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, perr.Wrap(perr.Integrity, err, "strip BOM")
	}
	var env specEnvelope
	if err := json.Unmarshal(clean, &env); err != nil {
		return nil, perr.Wrap(perr.Integrity, err, "decode #spec envelope")
	}
	p, ok := registry[env.Spec]
	if !ok {
		return nil, perr.New(perr.Integrity, "unsupported spec %q", env.Spec)
	}
	st, err := p.Parse(rev, clean)
	if err != nil {
		return nil, err
	}
	st.JSON = clean
	return st, nil
}

// Diff renders a unified diff between two canonical state JSON blobs, used
// by the update engine to log what an install is about to change
// (spec.md §4.7 install).
func Diff(oldJSON, newJSON []byte, fromRev, toRev string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(oldJSON)),
		B:        difflib.SplitLines(string(newJSON)),
		FromFile: fmt.Sprintf("trails/%s/.pvr/json", fromRev),
		ToFile:   fmt.Sprintf("trails/%s/.pvr/json", toRev),
		Context:  2,
	}
	return difflib.GetUnifiedDiffString(diff)
}

// Verifier checks a signature over canonical state JSON. No code in this
// module calls a Verifier or selects one from secureboot.mode.
type Verifier interface {
	Verify(json []byte) (bool, error)
}

// NoopVerifier always succeeds.
type NoopVerifier struct{}

func (NoopVerifier) Verify([]byte) (bool, error) { return true, nil }
