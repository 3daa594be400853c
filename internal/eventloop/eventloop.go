// Package eventloop implements the single-threaded epoll multiplexer that
// drives every FD-based subscriber in the VMM (stdin, virtio queue
// eventfds, the TAP fd).
//
// No example in the retrieval pack wraps epoll directly in Go (the
// teacher dispatches devices synchronously from PIO/MMIO exits instead).
// This is authored fresh against golang.org/x/sys/unix's
// EpollCreate1/EpollCtl/EpollWait, following the init(ops)/process(events,
// ops) subscriber shape documented by
// original_source/vmm/src/devices/stdin.rs's MutEventSubscriber trait.
package eventloop

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/DO-2K24-27/cloude/internal/vmmerr"
)

// Events reports the readiness flags delivered for a single fd.
type Events uint32

const (
	In  Events = unix.EPOLLIN
	Out Events = unix.EPOLLOUT
)

func (e Events) Readable() bool { return e&In != 0 }
func (e Events) Writable() bool { return e&Out != 0 }

// Subscriber handles readiness events for the FD(s) it registers in Init.
type Subscriber interface {
	// Init is called once, immediately after the subscriber is added to
	// the loop, so it can declare its FD interest via ops.
	Init(ops *Ops) error
	// Process is called with the readiness mask observed for one of this
	// subscriber's FDs.
	Process(events Events, ops *Ops)
}

// Loop is a single-threaded, level-triggered epoll multiplexer. The
// subscribers map is guarded by mu because virtio-net activation can
// register a new subscriber from a vCPU thread while RunWithTimeout is
// concurrently dispatching on the event loop's own goroutine (spec
// section 4.8: add_net_device's handler comes up mid-run, not at
// configure() time).
type Loop struct {
	epfd        int
	mu          sync.Mutex
	subscribers map[int]Subscriber
}

// New creates an epoll instance.
func New() (*Loop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, vmmerr.Wrap(vmmerr.ErrEpoll, "epoll_create1", err)
	}
	return &Loop{epfd: fd, subscribers: make(map[int]Subscriber)}, nil
}

// Ops is the capability a subscriber uses to change its own FD
// registration from within Init or Process.
type Ops struct {
	loop *Loop
	owner Subscriber
}

// Add registers fd for the given readiness mask, routing events on it to
// owner's Process method.
func (o *Ops) Add(fd int, mask Events, owner Subscriber) error {
	ev := unix.EpollEvent{Events: uint32(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(o.loop.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return vmmerr.Wrap(vmmerr.ErrEpoll, "epoll_ctl add", err)
	}
	o.loop.mu.Lock()
	o.loop.subscribers[fd] = owner
	o.loop.mu.Unlock()
	return nil
}

// Remove deregisters fd.
func (o *Ops) Remove(fd int) {
	_ = unix.EpollCtl(o.loop.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	o.loop.mu.Lock()
	delete(o.loop.subscribers, fd)
	o.loop.mu.Unlock()
}

// AddSubscriber calls sub.Init so it can register its own FDs.
func (l *Loop) AddSubscriber(sub Subscriber) error {
	ops := &Ops{loop: l, owner: sub}
	return sub.Init(ops)
}

// RunWithTimeout waits up to timeout for readiness and dispatches to
// subscribers, matching spec section 4.7's run_with_timeout(100ms)
// contract: the bounded wait guarantees shutdown responsiveness even
// without I/O.
func (l *Loop) RunWithTimeout(timeout time.Duration) error {
	events := make([]unix.EpollEvent, 16)
	n, err := unix.EpollWait(l.epfd, events, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return vmmerr.Wrap(vmmerr.ErrEpoll, "epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		l.mu.Lock()
		sub, ok := l.subscribers[fd]
		l.mu.Unlock()
		if !ok {
			continue
		}
		ops := &Ops{loop: l, owner: sub}
		sub.Process(Events(events[i].Events), ops)
	}
	return nil
}

// Close releases the epoll fd.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
