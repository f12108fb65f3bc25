package state

import (
	"encoding/json"

	"github.com/pantacor/pantavisor-go/internal/perr"
)

// System1Spec is the "#spec" tag for the structured format (spec.md §4.4:
// "pantavisor-service-system@1 (BSP under bsp/, platforms as structured
// entries)").
const System1Spec = "pantavisor-service-system@1"

type system1Parser struct{}

// NewSystem1Parser returns the C4 parser for System1Spec.
func NewSystem1Parser() Parser { return system1Parser{} }

func (system1Parser) Spec() string { return System1Spec }

type system1Doc struct {
	BSP struct {
		Kernel   string `json:"kernel"`
		Initrd   string `json:"initrd"`
		FDT      string `json:"fdt"`
		Firmware string `json:"firmware"`
		Modules  string `json:"modules"`
	} `json:"bsp"`
	Platforms []system1PlatformJSON `json:"platforms"`
	Volumes   []system1VolumeJSON   `json:"volumes"`
	Addons    []string              `json:"addons"`
	Objects   map[string]string     `json:"objects"`
}

type system1PlatformJSON struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Exec         string   `json:"exec"`
	Configs      []string `json:"configs"`
	Runlevel     *int     `json:"runlevel"`
	ShareNetwork bool     `json:"share_network"`
	ShareUTS     bool     `json:"share_uts"`
	ShareIPC     bool     `json:"share_ipc"`
}

type system1VolumeJSON struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	PlatformRef string `json:"platform"`
}

func (p system1Parser) Parse(rev string, data []byte) (*State, error) {
	var doc system1Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, perr.Wrap(perr.Integrity, err, "decode system1 document")
	}

	st := &State{
		Rev:  rev,
		Spec: System1Spec,
		BSP: BSP{
			Kernel:   withPrefix("bsp/", doc.BSP.Kernel),
			Initrd:   withPrefix("bsp/", doc.BSP.Initrd),
			FDT:      withPrefix("bsp/", doc.BSP.FDT),
			Firmware: withPrefix("bsp/", doc.BSP.Firmware),
			Modules:  withPrefix("bsp/", doc.BSP.Modules),
		},
		Addons:  doc.Addons,
		Objects: doc.Objects,
	}
	if st.Objects == nil {
		st.Objects = map[string]string{}
	}

	for _, pj := range doc.Platforms {
		if pj.Name == "" || pj.Type == "" || pj.Exec == "" || len(pj.Configs) == 0 {
			continue // spec.md §4.4: drop platforms missing required fields
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
		raw, _ := json.Marshal(pj)
		st.Platforms = append(st.Platforms, Platform{
			Name:         pj.Name,
			Type:         pj.Type,
			Exec:         pj.Exec,
			Configs:      pj.Configs,
			NsShareFlags: flags,
			Runlevel:     rl,
			JSON:         raw,
			Done:         true,
		})
	}

	for _, vj := range doc.Volumes {
		st.Volumes = append(st.Volumes, Volume{
			Name:        vj.Name,
			Type:        VolumeType(vj.Type),
			PlatformRef: vj.PlatformRef,
		})
	}

	return st, nil
}

func withPrefix(prefix, path string) string {
	if path == "" {
		return ""
	}
	return prefix + path
}
