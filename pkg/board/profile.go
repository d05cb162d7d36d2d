// Package board selects per-board-family behavior. A Profile is chosen once
// from the device configuration; callers never branch on board names.
package board

import (
	"fmt"
	"sort"

	"github.com/fly-io/boardlab/pkg/console"
	"github.com/fly-io/boardlab/pkg/device"
)

// Profile is the capability set of a board family.
type Profile interface {
	Name() string
	// BootloaderPrompt matches the bootloader's interactive prompt.
	BootloaderPrompt() console.Pattern
	// RebootMarkers are the console lines that acknowledge a soft reboot.
	RebootMarkers() []console.Pattern
}

var defaultRebootMarkers = []string{
	"Restarting system.",
	"The system is going down for reboot NOW",
	"Will now restart",
	"U-Boot",
}

type profile struct {
	name    string
	prompt  console.Pattern
	markers []console.Pattern
}

func (p *profile) Name() string                      { return p.name }
func (p *profile) BootloaderPrompt() console.Pattern { return p.prompt }
func (p *profile) RebootMarkers() []console.Pattern  { return p.markers }

var prompts = map[string]string{
	"uboot":    "#",
	"imx":      ">",
	"snowball": "$",
}

// Names returns the known profile names.
func Names() []string {
	names := make([]string, 0, len(prompts))
	for n := range prompts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Select returns the profile named by cfg.BoardProfile. A non-empty
// cfg.BootloaderPrompt replaces the profile's prompt.
func Select(cfg *device.Config) (Profile, error) {
	name := cfg.BoardProfile
	if name == "" {
		name = "uboot"
	}
	prompt, ok := prompts[name]
	if !ok {
		return nil, fmt.Errorf("unknown board profile %q (known: %v)", name, Names())
	}
	if cfg.BootloaderPrompt != "" {
		prompt = cfg.BootloaderPrompt
	}

	markers := make([]console.Pattern, len(defaultRebootMarkers))
	for i, m := range defaultRebootMarkers {
		markers[i] = console.Literal(m)
	}
	return &profile{name: name, prompt: console.Literal(prompt), markers: markers}, nil
}
