// Package ipalloc implements the JSON-file-backed IP pool allocator used
// to hand each guest a stable address from a host-reserved subnet.
// Ported from original_source/backend/src/ip_manager.rs: allocation is
// idempotent per VM ID, persisted to disk after every mutation, and
// first-fit over the [start, end] range.
package ipalloc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/DO-2K24-27/cloude/internal/logging"
)

var log = logging.For("ipalloc")

// ErrPoolExhausted is returned when every address in [start, end] is
// already allocated to some other VM ID.
var ErrPoolExhausted = errors.New("ip pool exhausted")

type state struct {
	Allocations map[string]string `json:"allocations"`
}

// Allocator hands out IPv4 addresses from a fixed range, persisting the
// vmID -> address mapping to a JSON file so allocations survive process
// restarts.
type Allocator struct {
	mu       sync.Mutex
	filePath string
	start    uint32
	end      uint32
}

// New opens (or creates) filePath and returns an Allocator over the
// inclusive [start, end] IPv4 range.
func New(filePath string, start, end net.IP) (*Allocator, error) {
	a := &Allocator{
		filePath: filePath,
		start:    ipToUint32(start),
		end:      ipToUint32(end),
	}
	if _, err := os.Stat(filePath); errors.Is(err, os.ErrNotExist) {
		if err := a.writeState(&state{Allocations: map[string]string{}}); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Allocate returns vmID's existing address if one was already assigned,
// otherwise claims the first free address in range and persists it.
func (a *Allocator) Allocate(vmID string) (net.IP, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, err := a.readState()
	if err != nil {
		return nil, err
	}

	if existing, ok := st.Allocations[vmID]; ok {
		return net.ParseIP(existing), nil
	}

	used := make(map[string]struct{}, len(st.Allocations))
	for _, ip := range st.Allocations {
		used[ip] = struct{}{}
	}

	for v := a.start; v <= a.end; v++ {
		ip := uint32ToIP(v)
		addr := ip.String()
		if _, taken := used[addr]; !taken {
			st.Allocations[vmID] = addr
			if err := a.writeState(st); err != nil {
				return nil, err
			}
			return ip, nil
		}
	}
	return nil, ErrPoolExhausted
}

// Release frees vmID's address, reporting whether it had one.
func (a *Allocator) Release(vmID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, err := a.readState()
	if err != nil {
		return false, err
	}
	if _, ok := st.Allocations[vmID]; !ok {
		return false, nil
	}
	delete(st.Allocations, vmID)
	if err := a.writeState(st); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Allocator) readState() (*state, error) {
	data, err := os.ReadFile(a.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return &state{Allocations: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ipalloc: read state: %w", err)
	}
	if len(data) == 0 {
		return &state{Allocations: map[string]string{}}, nil
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("ipalloc: decode state: %w", err)
	}
	if st.Allocations == nil {
		st.Allocations = map[string]string{}
	}
	return &st, nil
}

func (a *Allocator) writeState(st *state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("ipalloc: encode state: %w", err)
	}
	if err := os.WriteFile(a.filePath, data, 0o644); err != nil {
		return fmt.Errorf("ipalloc: write state: %w", err)
	}
	return nil
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
