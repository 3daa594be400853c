package net

import (
	"testing"

	"github.com/DO-2K24-27/cloude/internal/mmioalloc"
)

func TestDeviceFeaturesMatchesBitList(t *testing.T) {
	var want uint64
	for _, bit := range []int{
		FVersion1,
		FRingEventIdx,
		FInOrder,
		NetFCsum,
		NetFGuestCsum,
		NetFGuestTSO4,
		NetFGuestTSO6,
		NetFGuestUFO,
		NetFHostTSO4,
		NetFHostTSO6,
		NetFHostUFO,
	} {
		want |= 1 << uint(bit)
	}

	if DeviceFeatures != want {
		t.Fatalf("DeviceFeatures = %#x, want %#x", DeviceFeatures, want)
	}
}

func TestCmdlineFragmentExactFormat(t *testing.T) {
	d := New(nil, "tap0", mmioalloc.Range{Start: 0xD0000000, End: 0xD0001000}, 5, -1)

	got := d.CmdlineFragment()
	want := " virtio_mmio.device=4K@0xd0000000:5"
	if got != want {
		t.Fatalf("CmdlineFragment() = %q, want %q", got, want)
	}
}
