package line

import (
	"testing"

	"github.com/ryogrid/dftl-kvssd/internal/config"
)

func TestGeometry_RoundTrip(t *testing.T) {
	p := config.New(config.WithGeometry(4, 2, 1, 8, 16))
	g := NewGeometry(p)

	tests := []struct {
		name string
		addr Addr
	}{
		{name: "origin", addr: Addr{0, 0, 0, 0, 0}},
		{name: "last page of first block", addr: Addr{0, 0, 0, 0, 15}},
		{name: "second channel", addr: Addr{1, 0, 0, 0, 0}},
		{name: "second lun", addr: Addr{0, 1, 0, 0, 0}},
		{name: "deep block", addr: Addr{3, 1, 0, 7, 15}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ppa := g.Compose(tt.addr)
			got := g.Decompose(ppa)
			if got != tt.addr {
				t.Errorf("Decompose(Compose(%+v)) = %+v, want %+v", tt.addr, got, tt.addr)
			}
		})
	}
}

func TestGeometry_RoundTrip_AllPPAs(t *testing.T) {
	p := config.New(config.WithGeometry(2, 2, 1, 2, 4))
	g := NewGeometry(p)

	for ppa := PPA(0); ppa < PPA(g.TotalPages()); ppa++ {
		addr := g.Decompose(ppa)
		if got := g.Compose(addr); got != ppa {
			t.Fatalf("PPA %d decomposed to %+v but recomposed to %d", ppa, addr, got)
		}
	}
}

func TestGeometry_ChannelDecomposition_NotTruncated(t *testing.T) {
	// Regression for the original's confirmed bug: using `% pgs_per_ch`
	// instead of `% nchs` for the channel component truncates the channel
	// index to the page-per-channel count instead of the channel count.
	// With 4 channels and a small per-channel page count, a PPA near the
	// end of the address space must still decompose to a channel index
	// strictly less than the channel count.
	p := config.New(config.WithGeometry(4, 1, 1, 1, 4))
	g := NewGeometry(p)

	last := PPA(g.TotalPages() - 1)
	addr := g.Decompose(last)
	if addr.Channel >= p.Channels {
		t.Fatalf("channel %d out of range [0, %d)", addr.Channel, p.Channels)
	}
}
