package state

import (
	"encoding/json"
	"strings"

	"github.com/pantacor/pantavisor-go/internal/perr"
)

// Multi1Spec is the "#spec" tag for the flat multi-platform format
// (spec.md §4.4: "pantavisor-multi-platform@1 (flat: top-level pantavisor.json
// holds the BSP manifest, platforms live at top level as keys ending .json,
// other top-level string keys map to object ids)"). Grounded on
// original_source/parser/parser_multi1.c's convention of recognising
// platforms by ".json"-suffixed top-level keys.
const Multi1Spec = "pantavisor-multi-platform@1"

type multi1Parser struct{}

// NewMulti1Parser returns the C4 parser for Multi1Spec.
func NewMulti1Parser() Parser { return multi1Parser{} }

func (multi1Parser) Spec() string { return Multi1Spec }

type multi1BSP struct {
	Kernel   string `json:"linux"`
	Initrd   string `json:"initrd.img"`
	FDT      string `json:"fdt"`
	Firmware string `json:"firmware"`
	Modules  string `json:"modules"`
}

func (p multi1Parser) Parse(rev string, data []byte) (*State, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, perr.Wrap(perr.Integrity, err, "decode multi1 top level")
	}

	st := &State{
		Rev:     rev,
		Spec:    Multi1Spec,
		Objects: map[string]string{},
	}

	if rawBSP, ok := raw["pantavisor.json"]; ok {
		var bsp multi1BSP
		if err := json.Unmarshal(rawBSP, &bsp); err == nil {
			st.BSP = BSP{
				Kernel:   bsp.Kernel,
				Initrd:   bsp.Initrd,
				FDT:      bsp.FDT,
				Firmware: bsp.Firmware,
				Modules:  bsp.Modules,
			}
		}
	}

	for key, val := range raw {
		switch {
		case key == "#spec" || key == "pantavisor.json":
			continue
		case strings.HasSuffix(key, ".json"):
			name := strings.TrimSuffix(key, ".json")
			platform, ok := parseMulti1Platform(name, val)
			if ok {
				st.Platforms = append(st.Platforms, platform)
			}
		default:
			var id string
			if err := json.Unmarshal(val, &id); err == nil && id != "" {
				st.Objects[key] = id
			}
		}
	}

	return st, nil
}

type multi1PlatformJSON struct {
	Type         string   `json:"type"`
	Exec         string   `json:"exec"`
	Configs      []string `json:"configs"`
	Runlevel     *int     `json:"runlevel"`
	ShareNetwork bool     `json:"share_network"`
	ShareUTS     bool     `json:"share_uts"`
	ShareIPC     bool     `json:"share_ipc"`
}

// parseMulti1Platform builds a Platform from an inline-JSON child. Per
// spec.md §4.4, "Parsers must drop platforms for which required fields
// (type/exec/configs) could not be resolved; only done=true platforms
// survive" — so a malformed platform is reported with ok=false and the
// caller (Parse) drops it; it never reaches the State.
func parseMulti1Platform(name string, raw json.RawMessage) (Platform, bool) {
	var pj multi1PlatformJSON
	if err := json.Unmarshal(raw, &pj); err != nil {
		return Platform{}, false
	}
	if pj.Type == "" || pj.Exec == "" || len(pj.Configs) == 0 {
		return Platform{Name: name, JSON: raw, Done: false}, false
	}

	flags := 0
	if pj.ShareNetwork {
		flags |= int(NsShareNetwork)
	}
	if pj.ShareUTS {
		flags |= int(NsShareUTS)
	}
	if pj.ShareIPC {
		flags |= int(NsShareIPC)
	}

	rl := DefaultRunlevel
	if pj.Runlevel != nil {
		rl = Runlevel(*pj.Runlevel)
	}

	return Platform{
		Name:         name,
		Type:         pj.Type,
		Exec:         pj.Exec,
		Configs:      pj.Configs,
		NsShareFlags: flags,
		Runlevel:     rl,
		JSON:         raw,
		Done:         true,
	}, true
}
