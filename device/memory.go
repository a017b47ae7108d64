// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package device

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// NewMemory creates a Device backed by host memory. It never allows more
// than capacity bytes to be allocated at once, zero meaning unlimited.
// Formats lists the formats the device claims to support.
func NewMemory(capacity int64, caps Capabilities, formats ...Format) *Memory {
	supported := make(map[Format]bool, len(formats))
	for _, f := range formats {
		supported[f] = true
	}
	return &Memory{
		capacity: capacity,
		caps:     caps,
		formats:  supported,
		blocks:   make(map[Handle][]byte),
	}
}

// Memory is a Device whose storage lives in host memory. It is used
// headless and in tests, every method is safe for concurrent use.
type Memory struct {
	capacity int64
	caps     Capabilities
	formats  map[Format]bool

	mutex     sync.RWMutex
	next      Handle
	allocated int64
	blocks    map[Handle][]byte

	uploaded int64
	copied   int64
}

// AllocateStorage returns zeroed storage of size bytes.
func (m *Memory) AllocateStorage(size int64) (Handle, error) {
	if size <= 0 {
		return 0, errors.Errorf("device: allocation of %d bytes", size)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.capacity > 0 && m.allocated+size > m.capacity {
		return 0, errors.Wrapf(ErrOutOfMemory, "%d of %d bytes in use, %d requested", m.allocated, m.capacity, size)
	}
	m.next++
	m.blocks[m.next] = make([]byte, size)
	m.allocated += size
	return m.next, nil
}

// Release frees memory.
func (m *Memory) Release(h Handle) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if block, ok := m.blocks[h]; ok {
		m.allocated -= int64(len(block))
		delete(m.blocks, h)
	}
}

func (m *Memory) block(h Handle, region Region) ([]byte, error) {
	block, ok := m.blocks[h]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidHandle, "handle %d", h)
	}
	if region.Offset < 0 || region.Size < 0 || region.Offset+region.Size > int64(len(block)) {
		return nil, errors.Wrapf(ErrOutOfRange, "%d+%d of %d bytes", region.Offset, region.Size, len(block))
	}
	return block[region.Offset : region.Offset+region.Size], nil
}

// Upload writes data into the region.
func (m *Memory) Upload(h Handle, region Region, data []byte) error {
	if int64(len(data)) != region.Size {
		return errors.Wrapf(ErrOutOfRange, "%d bytes for a %d byte region", len(data), region.Size)
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()
	dst, err := m.block(h, region)
	if err != nil {
		return err
	}
	copy(dst, data)
	atomic.AddInt64(&m.uploaded, region.Size)
	return nil
}

// CopyRegion copies between two blocks of storage.
func (m *Memory) CopyRegion(src, dst Handle, region Region, dstOffset int64) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	from, err := m.block(src, region)
	if err != nil {
		return err
	}
	to, err := m.block(dst, Region{Offset: dstOffset, Size: region.Size})
	if err != nil {
		return err
	}
	copy(to, from)
	atomic.AddInt64(&m.copied, region.Size)
	return nil
}

// Read returns a copy of the bytes in the region.
func (m *Memory) Read(h Handle, region Region) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	from, err := m.block(h, region)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), from...), nil
}

// SupportsFormat checks the format against the list given at creation.
func (m *Memory) SupportsFormat(f Format) bool {
	return m.formats[f]
}

// Capabilities returns the capabilities given at creation.
func (m *Memory) Capabilities() Capabilities {
	return m.caps
}

// Allocated returns the number of bytes currently allocated.
func (m *Memory) Allocated() int64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.allocated
}

// Blocks returns the number of live allocations.
func (m *Memory) Blocks() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.blocks)
}

// Uploaded returns the total number of bytes uploaded.
func (m *Memory) Uploaded() int64 {
	return atomic.LoadInt64(&m.uploaded)
}

// Copied returns the total number of bytes copied between blocks.
func (m *Memory) Copied() int64 {
	return atomic.LoadInt64(&m.copied)
}
