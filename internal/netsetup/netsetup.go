// Package netsetup brings up the host side of guest networking: a Linux
// bridge the TAP devices attach to, and a NAT masquerade rule so guest
// traffic can reach the outside world. Ported from
// original_source/backend/src/network.rs's setup_bridge/setup_nat, using
// github.com/vishvananda/netlink (the pack's rtnetlink equivalent,
// confirmed against mirendev-runtime/network/bridge.go's ensureBridge
// pattern) in place of the Rust rtnetlink crate. nftables has no
// pack-attested Go client, so NAT setup shells out to the nft binary
// instead of linking an out-of-pack library (see DESIGN.md).
package netsetup

import (
	"bytes"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"

	"github.com/DO-2K24-27/cloude/internal/logging"
)

var log = logging.For("netsetup")

// SetupBridge ensures a bridge named name exists, carries ip/prefixLen,
// and is administratively up. Idempotent: re-running against an
// already-configured bridge is a no-op.
func SetupBridge(name string, ip net.IP, prefixLen int) error {
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil && err != syscall.EEXIST {
		return fmt.Errorf("netsetup: create bridge %q: %w", name, err)
	} else if err == nil {
		log.WithField("bridge", name).Info("created bridge")
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("netsetup: lookup bridge %q: %w", name, err)
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(prefixLen, 32)}}
	if err := netlink.AddrAdd(link, addr); err != nil && err != syscall.EEXIST {
		return fmt.Errorf("netsetup: add address %s/%d to %q: %w", ip, prefixLen, name, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("netsetup: bring up %q: %w", name, err)
	}
	return nil
}

// SetupNAT installs an nftables postrouting masquerade rule for traffic
// originating from subnetCIDR, so guests behind the bridge can reach the
// outside network through the host's default route. Skips installation
// if an equivalent rule is already present.
func SetupNAT(subnetCIDR string) error {
	exists, err := natRuleExists(subnetCIDR)
	if err != nil {
		return err
	}
	if exists {
		log.WithField("subnet", subnetCIDR).Info("nat rule already present")
		return nil
	}

	script := fmt.Sprintf(`
add table ip nat
add chain ip nat POSTROUTING { type nat hook postrouting priority 100; policy accept; }
add rule ip nat POSTROUTING ip saddr %s masquerade
`, subnetCIDR)

	cmd := exec.Command("nft", "-f", "-")
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("netsetup: nft apply failed: %w: %s", err, stderr.String())
	}
	log.WithField("subnet", subnetCIDR).Info("nat rule installed")
	return nil
}

func natRuleExists(subnetCIDR string) (bool, error) {
	out, err := exec.Command("nft", "list", "ruleset").Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// nft not initialized or no ruleset yet; treat as absent.
			return false, nil
		}
		return false, fmt.Errorf("netsetup: nft list ruleset: %w", err)
	}
	return bytes.Contains(out, []byte(subnetCIDR)) && bytes.Contains(out, []byte("masquerade")), nil
}
