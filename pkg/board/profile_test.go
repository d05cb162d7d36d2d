package board

import (
	"testing"

	"github.com/fly-io/boardlab/pkg/console"
	"github.com/fly-io/boardlab/pkg/device"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		profile  string
		override string
		want     string
		wantErr  bool
	}{
		{"", "", "#", false},
		{"uboot", "", "#", false},
		{"imx", "", ">", false},
		{"snowball", "", "$", false},
		{"uboot", "Panda #", "Panda #", false},
		{"beaglebone", "", "", true},
	}

	for _, tt := range tests {
		p, err := Select(&device.Config{BoardProfile: tt.profile, BootloaderPrompt: tt.override})
		if tt.wantErr {
			if err == nil {
				t.Errorf("Select(%q): expected error", tt.profile)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Select(%q): %v", tt.profile, err)
		}
		if got := p.BootloaderPrompt().String(); !p.BootloaderPrompt().Equal(console.Literal(tt.want)) {
			t.Errorf("Select(%q) prompt = %q, want literal %q", tt.profile, got, tt.want)
		}
		if len(p.RebootMarkers()) != 4 {
			t.Errorf("expected 4 reboot markers, got %d", len(p.RebootMarkers()))
		}
	}
}
