package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/writeintent/pkg/blockio"
)

func TestAllocStorageGeometry(t *testing.T) {
	// One chunk: one byte of bits plus the superblock.
	s := allocStorage(1, true)
	require.Equal(t, uint64(superblockSize+1), s.bytes)
	require.Equal(t, 1, s.filePages)
	require.NotNil(t, s.sbPage)
	require.Same(t, &s.sbPage[0], &s.filemap[0][0])

	// Without a superblock the bits stand alone.
	s = allocStorage(16, false)
	require.Equal(t, uint64(2), s.bytes)
	require.Nil(t, s.sbPage)

	// Enough chunks to spill onto a second page.
	chunks := uint64((PageSize - superblockSize) * 8)
	s = allocStorage(chunks+1, true)
	require.Equal(t, 2, s.filePages)
	require.Equal(t, 1, s.lastPageSize())
}

func TestStoragePageMapping(t *testing.T) {
	s := allocStorage(100000, true)

	// The superblock shifts the bit array: chunk 0 lands after 256
	// bytes of header.
	require.Equal(t, 0, s.pageIndex(0))
	require.Equal(t, uint64(superblockSize*8), s.pageOffset(0))

	firstPageChunks := uint64((PageSize - superblockSize) * 8)
	require.Equal(t, 0, s.pageIndex(firstPageChunks-1))
	require.Equal(t, 1, s.pageIndex(firstPageChunks))
	require.Equal(t, uint64(0), s.pageOffset(firstPageChunks))

	// External images have no header offset.
	ext := allocStorage(100000, false)
	require.Equal(t, uint64(0), ext.pageOffset(0))
	require.Equal(t, 1, ext.pageIndex(pageBits))
}

func TestPageAttrs(t *testing.T) {
	s := allocStorage(200000, true)
	require.GreaterOrEqual(t, s.filePages, 2)

	s.setAttr(1, attrDirty)
	require.True(t, s.testAttr(1, attrDirty))
	require.False(t, s.testAttr(1, attrPending))
	require.False(t, s.testAttr(0, attrDirty))

	// Flags are independent per page and per attribute.
	s.setAttr(0, attrNeedwrite)
	require.True(t, s.testAttr(0, attrNeedwrite))
	require.True(t, s.testAttr(1, attrDirty))

	require.True(t, s.testAndClearAttr(1, attrDirty))
	require.False(t, s.testAttr(1, attrDirty))
	require.False(t, s.testAndClearAttr(1, attrDirty))

	s.clearAttr(0, attrNeedwrite)
	require.False(t, s.testAttr(0, attrNeedwrite))
}

func TestBitEndiannessRoundTrip(t *testing.T) {
	// A page written and read back under the same bit order reproduces
	// the same set, for both orders.
	bits := []uint64{0, 1, 7, 8, 63, 64, 100, 1000, pageBits - 1}

	for _, host := range []bool{false, true} {
		buf := make([]byte, PageSize)

		for _, bit := range bits {
			if host {
				setBitHost(buf, bit)
			} else {
				setBitLE(buf, bit)
			}
		}

		for _, bit := range bits {
			if host {
				require.True(t, testBitHost(buf, bit), "host bit %d", bit)
			} else {
				require.True(t, testBitLE(buf, bit), "le bit %d", bit)
			}
		}

		// Clearing restores a zero page.
		for _, bit := range bits {
			if host {
				clearBitHost(buf, bit)
			} else {
				clearBitLE(buf, bit)
			}
		}

		for _, b := range buf {
			require.Zero(t, b)
		}
	}
}

func TestStorageBitOps(t *testing.T) {
	s := allocStorage(1000, true)

	s.setBit(5, false)
	require.True(t, s.testBit(5, false))
	require.False(t, s.testBit(4, false))
	require.False(t, s.testBit(6, false))

	s.clearBit(5, false)
	require.False(t, s.testBit(5, false))

	// Past-the-end chunks are ignored, not panics.
	s.setBit(1<<40, false)
	require.False(t, s.testBit(1<<40, false))
}

func TestSnapshotPageIsolation(t *testing.T) {
	s := allocStorage(8, true)

	s.setBit(0, false)

	snap, payload := s.snapshotPage(0)
	require.Equal(t, int(s.bytes), payload)

	// Later mutations don't leak into the snapshot.
	s.setBit(1, false)
	require.True(t, s.testBit(1, false))

	bit := s.pageOffset(1)
	require.False(t, testBitLE(snap, bit))
	require.True(t, testBitLE(snap, s.pageOffset(0)))
}

func TestCheckPlacement(t *testing.T) {
	member := func(sbStart, dataOffset int64, sectors uint64) *blockio.Member {
		m := blockio.NewMember("dev", blockio.NewMemStore(0), sbStart, dataOffset, sectors)
		return m
	}

	tests := []struct {
		name     string
		m        *blockio.Member
		offset   int64
		index    int
		external bool
		wantErr  bool
	}{
		{
			name:   "metadata bitmap data ok",
			m:      member(8, 2048, 100000),
			offset: 16,
			index:  0,
		},
		{
			name:    "bitmap runs into data",
			m:       member(8, 64, 100000),
			offset:  16,
			index:   5,
			wantErr: true,
		},
		{
			name:   "negative offset ok",
			m:      member(100000, 0, 99000),
			offset: -512,
			index:  0,
		},
		{
			name:    "negative offset runs into metadata",
			m:       member(100000, 0, 99000),
			offset:  -8,
			index:   1,
			wantErr: true,
		},
		{
			name:    "negative offset data runs into bitmap",
			m:       member(100000, 0, 100000),
			offset:  -512,
			index:   0,
			wantErr: true,
		},
		{
			name:     "external clear of data",
			m:        member(0, 8, 64),
			offset:   96,
			index:    0,
			external: true,
		},
		{
			name:     "external overlapping data",
			m:        member(0, 8, 1024),
			offset:   16,
			index:    0,
			external: true,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkPlacement(tt.m, tt.offset, tt.index, PageSize, tt.external)

			if tt.wantErr {
				require.ErrorIs(t, err, ErrOverlap)
				return
			}

			require.NoError(t, err)
		})
	}
}
