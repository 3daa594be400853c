package nettap

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestIfReqNameFitsKernelFieldWidth(t *testing.T) {
	var req ifReq
	name := "cloude-tap0" // under IFNAMSIZ (16)
	copy(req.Name[:], name)
	for i := len(name); i < len(req.Name); i++ {
		if req.Name[i] != 0 {
			t.Fatalf("expected zero padding after name, byte %d = %d", i, req.Name[i])
		}
	}
}

func TestIfReqFlagsCombination(t *testing.T) {
	var req ifReq
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI | unix.IFF_VNET_HDR
	if req.Flags&unix.IFF_TAP == 0 {
		t.Fatal("expected IFF_TAP set")
	}
	if req.Flags&unix.IFF_NO_PI == 0 {
		t.Fatal("expected IFF_NO_PI set")
	}
	if req.Flags&unix.IFF_VNET_HDR == 0 {
		t.Fatal("expected IFF_VNET_HDR set")
	}
}

func TestIfReqSizeMatchesKernelStructIfreq(t *testing.T) {
	// struct ifreq on linux/amd64 is 40 bytes: 16-byte ifr_name union
	// member plus a 24-byte union of the remaining fields (ifr_flags is
	// the first field in that union, so it starts right after the name).
	if unsafe.Sizeof(ifReq{}) != 40 {
		t.Fatalf("ifReq size = %d, want 40", unsafe.Sizeof(ifReq{}))
	}
}
