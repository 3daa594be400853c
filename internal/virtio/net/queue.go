package net

import "encoding/binary"

// Descriptor mirrors the virtio ring descriptor layout (16 bytes),
// matching the field order used by other_examples's bobuhiro11-gokvm
// virtio-net.go VirtQueue.DescTable entries.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const (
	descFNext     uint16 = 1
	descFWrite    uint16 = 2
	descSize             = 16
	availHdrSize         = 4 // flags + idx
	availRingSize        = 2
	usedHdrSize          = 4
	usedElemSize         = 8
)

// Queue is a view over one virtqueue's descriptor table, available ring,
// and used ring, resolved against guest memory by GPA. Size is the queue
// depth in the device's QueueNum register at activation, which starts at
// QueueSize (256) and is whatever the driver last wrote there.
type Queue struct {
	mem         GuestMemory
	descGPA     uint64
	availGPA    uint64
	usedGPA     uint64
	size        uint16
	lastAvail   uint16
	lastUsedIdx uint16
}

// NewQueue binds a Queue to the descriptor/avail/used addresses the guest
// driver wrote into the device's MMIO registers during activation.
func NewQueue(mem GuestMemory, descGPA, availGPA, usedGPA uint64, size uint16) *Queue {
	return &Queue{mem: mem, descGPA: descGPA, availGPA: availGPA, usedGPA: usedGPA, size: size}
}

func (q *Queue) descriptor(index uint16) (Descriptor, error) {
	buf, err := q.mem.Slice(q.descGPA+uint64(index)*descSize, descSize)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *Queue) availIdx() (uint16, error) {
	buf, err := q.mem.Slice(q.availGPA+2, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (q *Queue) availRing(slot uint16) (uint16, error) {
	off := q.availGPA + availHdrSize + uint64(slot%q.size)*availRingSize
	buf, err := q.mem.Slice(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// usedEvent reads the driver-written used_event field, which the VIRTIO
// 1.0 avail ring layout places immediately after the ring array: { flags,
// idx, ring[size], used_event }.
func (q *Queue) usedEvent() (uint16, error) {
	off := q.availGPA + availHdrSize + uint64(q.size)*availRingSize
	buf, err := q.mem.Slice(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// HasAvailable reports whether the driver has made a new descriptor chain
// available since the last PopAvailChain.
func (q *Queue) HasAvailable() (bool, error) {
	idx, err := q.availIdx()
	if err != nil {
		return false, err
	}
	return idx != q.lastAvail, nil
}

// Chain walks one available descriptor chain starting at head, following
// the NEXT flag, matching the IN_ORDER in-order consumption invariant of
// spec section 4.8.
type Chain struct {
	HeadIndex uint16
	Descs     []Descriptor
}

// PopAvailChain consumes the next available descriptor chain, if any.
func (q *Queue) PopAvailChain() (*Chain, error) {
	has, err := q.HasAvailable()
	if err != nil || !has {
		return nil, err
	}
	head, err := q.availRing(q.lastAvail)
	if err != nil {
		return nil, err
	}
	q.lastAvail++

	chain := &Chain{HeadIndex: head}
	idx := head
	for {
		d, err := q.descriptor(idx)
		if err != nil {
			return nil, err
		}
		chain.Descs = append(chain.Descs, d)
		if d.Flags&descFNext == 0 {
			break
		}
		idx = d.Next
	}
	return chain, nil
}

// PushUsed publishes a completed chain to the used ring and advances
// used.idx with release ordering relative to the descriptor writes the
// caller already performed, per spec section 5's virtio ordering rule.
// It returns whether the interrupt should fire, per the RING_EVENT_IDX
// suppression rule in VIRTIO 1.0 section 2.4.7 (the vring_need_event
// check: only interrupt once the driver's requested used_event point has
// been reached or passed since the last notification).
func (q *Queue) PushUsed(headIndex uint16, length uint32) (bool, error) {
	idxBuf, err := q.mem.Slice(q.usedGPA+2, 2)
	if err != nil {
		return false, err
	}
	usedIdx := binary.LittleEndian.Uint16(idxBuf)

	elemOff := q.usedGPA + usedHdrSize + uint64(usedIdx%q.size)*usedElemSize
	elem, err := q.mem.Slice(elemOff, usedElemSize)
	if err != nil {
		return false, err
	}
	binary.LittleEndian.PutUint32(elem[0:4], uint32(headIndex))
	binary.LittleEndian.PutUint32(elem[4:8], length)

	newUsedIdx := usedIdx + 1
	binary.LittleEndian.PutUint16(idxBuf, newUsedIdx)

	usedEvent, err := q.usedEvent()
	if err != nil {
		return false, err
	}

	needEvent := uint16(newUsedIdx-usedEvent-1) < uint16(newUsedIdx-q.lastUsedIdx)
	q.lastUsedIdx = newUsedIdx
	return needEvent, nil
}
