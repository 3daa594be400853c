package vmm

import "testing"

func TestBuildCmdlineDefaultsAndAppendsFragments(t *testing.T) {
	got := buildCmdline("", []string{" virtio_mmio.device=4K@0x10000000:5"})
	want := defaultCmdline + " virtio_mmio.device=4K@0x10000000:5"
	if got != want {
		t.Fatalf("buildCmdline = %q, want %q", got, want)
	}
}

func TestBuildCmdlineHonorsOperatorBase(t *testing.T) {
	got := buildCmdline("console=ttyS0 ip=dhcp", nil)
	if got != "console=ttyS0 ip=dhcp" {
		t.Fatalf("buildCmdline = %q, want operator string unchanged", got)
	}
}
