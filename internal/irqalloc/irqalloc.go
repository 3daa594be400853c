// Package irqalloc hands out monotonically increasing guest IRQ numbers.
//
// Grounded on original_source/vmm/src/irq_allocator.rs: a plain
// post-incrementing counter, fatal on overflow.
package irqalloc

import "fmt"

// Allocator hands out guest IRQ numbers starting at a configured base.
// Legacy IRQs 0-4 are conventionally reserved by the caller (IRQ 4 for
// the serial device) before the allocator is ever consulted.
type Allocator struct {
	next uint32
}

// New returns an allocator whose first Allocate() call yields start.
func New(start uint32) *Allocator {
	return &Allocator{next: start}
}

// Allocate returns the next free IRQ number. It panics on overflow: running
// out of a 32-bit IRQ space is a programming error, not a recoverable
// runtime condition.
func (a *Allocator) Allocate() uint32 {
	if a.next == ^uint32(0) {
		panic(fmt.Sprintf("irqalloc: exhausted IRQ space at %d", a.next))
	}
	irq := a.next
	a.next++
	return irq
}

// Peek reports the next IRQ that Allocate would return, without consuming it.
func (a *Allocator) Peek() uint32 {
	return a.next
}
