// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// readatbuf provides wrappers adding caching to types that implement the `ReaderAt` interface.
// It sits in front of word-granular tracee reads, where every uncached byte costs a syscall.

package readatbuf // import "github.com/cuzmem/fossa/libpf/readatbuf"

import (
	"errors"
	"fmt"
	"io"

	lru "github.com/elastic/go-freelru"

	"github.com/cuzmem/fossa/libpf"
)

// page represents a cached region from the underlying reader.
type page struct {
	// data contains the data cached from a previous read.
	data []byte
	// eof determines whether we encountered an EOF when reading the page originally.
	eof bool
}

// Statistics contains statistics about cache efficiency.
type Statistics struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	// Bypasses counts reads served directly because a whole page could not be read.
	Bypasses uint64
}

// Reader implements buffering for random access reads via the `ReaderAt` interface.
type Reader struct {
	inner        io.ReaderAt
	cache        *lru.LRU[libpf.Address, page]
	pageSize     uint
	stats        Statistics
	sparePageBuf []byte
}

// New creates a new buffered reader supporting random access. The pageSize argument decides the
// size of each region (page) tracked in the cache. cacheSize defines the maximum number of pages
// to cache.
func New(inner io.ReaderAt, pageSize, cacheSize uint) (reader *Reader, err error) {
	if pageSize == 0 {
		return nil, errors.New("pageSize cannot be zero")
	}
	if cacheSize == 0 {
		return nil, errors.New("cacheSize cannot be zero")
	}

	reader = &Reader{
		inner:    inner,
		pageSize: pageSize,
	}

	reader.cache, err = lru.New[libpf.Address, page](uint32(cacheSize), libpf.Address.Hash32)
	if err != nil {
		return nil, fmt.Errorf("failed to create internal cache: %w", err)
	}

	reader.cache.SetOnEvict(func(_ libpf.Address, page page) {
		reader.stats.Evictions++
		// For EOF pages, the slice might have been truncated. All slices were
		// allocated with page size, so they can be expanded back up to capacity.
		reader.sparePageBuf = page.data[:pageSize]
	})

	return
}

// InvalidateCache flushes the internal cache. Resets the statistics.
func (reader *Reader) InvalidateCache() {
	reader.cache.Purge()
	reader.stats = Statistics{}
}

// Statistics returns statistics about cache efficiency.
func (reader *Reader) Statistics() Statistics {
	return reader.stats
}

// ReadAt implements the `ReaderAt` interface.
func (reader *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset value %d given", off)
	}

	// Large reads skip the cache so a single read cannot trash it.
	if uint(len(p)) > reader.pageSize*3/2 {
		return reader.inner.ReadAt(p, off)
	}

	writeOffset := uint(0)
	remaining := uint(len(p))
	skipOffset := uint(off) % reader.pageSize
	pageIdx := uint(off) / reader.pageSize

	for remaining > 0 {
		data, eof, err := reader.getOrReadPage(pageIdx)
		if err != nil {
			// The page straddles memory that cannot be read. Serve the
			// exact request so reads near a mapping end still succeed.
			reader.stats.Bypasses++
			n, err := reader.inner.ReadAt(p[writeOffset:],
				int64(pageIdx*reader.pageSize+skipOffset))
			return int(writeOffset) + n, err
		}
		if skipOffset > uint(len(data)) {
			return 0, io.EOF
		}

		copyLen := min(remaining, uint(len(data))-skipOffset)
		copy(p[writeOffset:][:copyLen], data[skipOffset:][:copyLen])

		skipOffset = 0
		pageIdx++
		writeOffset += copyLen
		remaining -= copyLen

		if eof {
			if remaining == 0 {
				break
			}
			// The read is incomplete.
			return int(writeOffset), io.EOF
		}
	}

	return int(writeOffset), nil
}

func (reader *Reader) getOrReadPage(pageIdx uint) (data []byte, eof bool, err error) {
	// Pages are keyed by their start address.
	key := libpf.Address(pageIdx * reader.pageSize)
	if cachedPage, exists := reader.cache.Get(key); exists {
		reader.stats.Hits++
		return cachedPage.data, cachedPage.eof, nil
	}

	reader.stats.Misses++

	var buffer []byte
	if reader.sparePageBuf != nil {
		buffer = reader.sparePageBuf
		reader.sparePageBuf = nil
	} else {
		buffer = make([]byte, reader.pageSize)
	}

	n, err := reader.inner.ReadAt(buffer, int64(pageIdx*reader.pageSize))
	if err != nil {
		// We speculatively read more than the caller asked for, so EOF is expected.
		if err == io.EOF {
			buffer = buffer[:n]
			eof = true
		} else {
			reader.sparePageBuf = buffer
			return nil, false, err
		}
	}

	if !eof && uint(n) < reader.pageSize {
		reader.sparePageBuf = buffer
		return nil, false, errors.New("failed to read whole page")
	}

	reader.cache.Add(key, page{data: buffer, eof: eof})
	return buffer, eof, nil
}
