package msc

import (
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"

	"github.com/ardnew/usbcore/pkg"
)

// Storage is a block device backing an MSC function.
type Storage interface {
	BlockSize() uint32
	BlockCount() uint64

	// Read copies blocks starting at lba into buf and returns the number
	// of blocks read.
	Read(lba uint64, blocks uint32, buf []byte) (uint32, error)

	// Write stores blocks from buf starting at lba and returns the number
	// of blocks written.
	Write(lba uint64, blocks uint32, buf []byte) (uint32, error)

	Sync() error
	IsReadOnly() bool
	IsRemovable() bool
	IsPresent() bool

	// Eject removes the medium. Fixed media return pkg.ErrNotSupported.
	Eject() error
}

// span returns the byte range of blocks at lba, or an error if it does
// not fit in size bytes or buf.
func span(lba uint64, blocks, blockSize uint32, size uint64, buf []byte) (uint64, uint64, error) {
	offset := lba * uint64(blockSize)
	length := uint64(blocks) * uint64(blockSize)
	if offset+length > size {
		return 0, 0, pkg.ErrInvalidParameter
	}
	if uint64(len(buf)) < length {
		return 0, 0, pkg.ErrBufferTooSmall
	}
	return offset, length, nil
}

// MemoryStorage is a RAM disk.
type MemoryStorage struct {
	data      []byte
	blockSize uint32
	readOnly  bool
	removable bool
	present   bool
	mutex     sync.RWMutex
}

// NewMemoryStorage creates a RAM disk of size bytes.
func NewMemoryStorage(size uint64, blockSize uint32) *MemoryStorage {
	return &MemoryStorage{
		data:      make([]byte, size),
		blockSize: blockSize,
		present:   true,
	}
}

// BlockSize returns the block size.
func (m *MemoryStorage) BlockSize() uint32 {
	return m.blockSize
}

// BlockCount returns the number of blocks.
func (m *MemoryStorage) BlockCount() uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return uint64(len(m.data)) / uint64(m.blockSize)
}

// Read copies blocks out of the disk.
func (m *MemoryStorage) Read(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if !m.present {
		return 0, pkg.ErrNoDevice
	}
	offset, length, err := span(lba, blocks, m.blockSize, uint64(len(m.data)), buf)
	if err != nil {
		return 0, err
	}
	copy(buf, m.data[offset:offset+length])
	return blocks, nil
}

// Write copies blocks into the disk.
func (m *MemoryStorage) Write(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.present {
		return 0, pkg.ErrNoDevice
	}
	if m.readOnly {
		return 0, pkg.ErrNotSupported
	}
	offset, length, err := span(lba, blocks, m.blockSize, uint64(len(m.data)), buf)
	if err != nil {
		return 0, err
	}
	copy(m.data[offset:offset+length], buf)
	return blocks, nil
}

// Sync does nothing.
func (m *MemoryStorage) Sync() error {
	return nil
}

// IsReadOnly reports whether writes are refused.
func (m *MemoryStorage) IsReadOnly() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.readOnly
}

// SetReadOnly sets write protection.
func (m *MemoryStorage) SetReadOnly(readOnly bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.readOnly = readOnly
}

// IsRemovable reports whether the medium can be ejected.
func (m *MemoryStorage) IsRemovable() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.removable
}

// SetRemovable marks the medium removable.
func (m *MemoryStorage) SetRemovable(removable bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.removable = removable
}

// IsPresent reports whether a medium is loaded.
func (m *MemoryStorage) IsPresent() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.present
}

// SetPresent loads or unloads the medium.
func (m *MemoryStorage) SetPresent(present bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.present = present
}

// Eject unloads a removable medium.
func (m *MemoryStorage) Eject() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.removable {
		return pkg.ErrNotSupported
	}
	m.present = false
	return nil
}

// FileStorage is a disk image file. The image is locked for the lifetime
// of the storage so two emulated devices cannot share it.
type FileStorage struct {
	file      *os.File
	lock      *flock.Flock
	blockSize uint32
	size      uint64
	readOnly  bool
	mutex     sync.RWMutex
}

// NewFileStorage opens the image at path. It fails if another process
// holds the image.
func NewFileStorage(path string, blockSize uint32, readOnly bool) (*FileStorage, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: %w", path, pkg.ErrBusy)
	}

	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		_ = lock.Unlock()
		return nil, err
	}

	return &FileStorage{
		file:      file,
		lock:      lock,
		blockSize: blockSize,
		size:      uint64(stat.Size()),
		readOnly:  readOnly,
	}, nil
}

// BlockSize returns the block size.
func (f *FileStorage) BlockSize() uint32 {
	return f.blockSize
}

// BlockCount returns the number of whole blocks in the image.
func (f *FileStorage) BlockCount() uint64 {
	return f.size / uint64(f.blockSize)
}

// Read reads blocks from the image.
func (f *FileStorage) Read(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	if f.file == nil {
		return 0, pkg.ErrNoDevice
	}
	offset, length, err := span(lba, blocks, f.blockSize, f.size, buf)
	if err != nil {
		return 0, err
	}
	n, err := f.file.ReadAt(buf[:length], int64(offset))
	if err != nil {
		return 0, err
	}
	return uint32(n) / f.blockSize, nil
}

// Write writes blocks to the image.
func (f *FileStorage) Write(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return 0, pkg.ErrNoDevice
	}
	if f.readOnly {
		return 0, pkg.ErrNotSupported
	}
	offset, length, err := span(lba, blocks, f.blockSize, f.size, buf)
	if err != nil {
		return 0, err
	}
	n, err := f.file.WriteAt(buf[:length], int64(offset))
	if err != nil {
		return 0, err
	}
	return uint32(n) / f.blockSize, nil
}

// Sync flushes the image.
func (f *FileStorage) Sync() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.readOnly || f.file == nil {
		return nil
	}
	return f.file.Sync()
}

// IsReadOnly reports whether the image was opened read-only.
func (f *FileStorage) IsReadOnly() bool {
	return f.readOnly
}

// IsRemovable returns false.
func (f *FileStorage) IsRemovable() bool {
	return false
}

// IsPresent reports whether the image is open.
func (f *FileStorage) IsPresent() bool {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.file != nil
}

// Eject returns pkg.ErrNotSupported.
func (f *FileStorage) Eject() error {
	return pkg.ErrNotSupported
}

// Close closes the image and releases its lock.
func (f *FileStorage) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	if unlockErr := f.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*FileStorage)(nil)
)
