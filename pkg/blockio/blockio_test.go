package blockio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreReadWrite(t *testing.T) {
	s := NewMemStore(16)

	require.NoError(t, s.WriteAt([]byte{1, 2, 3}, 4))

	buf := make([]byte, 3)
	require.NoError(t, s.ReadAt(buf, 4))
	require.Equal(t, []byte{1, 2, 3}, buf)

	// Writes past the end grow the store.
	require.NoError(t, s.WriteAt([]byte{9}, 31))

	size, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, int64(32), size)

	// Reads past the end do not.
	require.Error(t, s.ReadAt(buf, 31))

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.WriteAt([]byte{1}, 0), ErrClosed)
	require.ErrorIs(t, s.ReadAt(buf, 0), ErrClosed)
}

func TestFaultStoreInjectsWriteFailures(t *testing.T) {
	s := NewFaultStore(NewMemStore(64))

	one := []byte{1}

	require.NoError(t, s.WriteAt(one, 0))

	s.FailWriteAt(3)

	require.NoError(t, s.WriteAt(one, 1))
	require.ErrorIs(t, s.WriteAt(one, 2), ErrFault)
	// Stays failed from that point on.
	require.ErrorIs(t, s.WriteAt(one, 3), ErrFault)

	require.Equal(t, 4, s.Writes())

	s.FailWriteAt(0)
	require.NoError(t, s.WriteAt(one, 4))
}

func TestFaultStoreInjectsReadFailures(t *testing.T) {
	s := NewFaultStore(NewMemStore(64))

	buf := make([]byte, 1)

	require.NoError(t, s.ReadAt(buf, 0))

	s.FailReads(true)
	require.ErrorIs(t, s.ReadAt(buf, 0), ErrFault)

	s.FailReads(false)
	require.NoError(t, s.ReadAt(buf, 0))
	require.Equal(t, 3, s.Reads())
}

func TestMemberSectorAddressing(t *testing.T) {
	mem := NewMemStore(16 * SectorSize)
	m := NewMember("dev0", mem, 8, 2048, 1<<20)

	require.True(t, m.InSync())
	require.False(t, m.Faulty())
	require.Equal(t, SectorSize, m.LogicalBlockSize)

	payload := make([]byte, SectorSize)
	payload[0] = 0xAB

	require.NoError(t, m.WriteSectors(2, payload))

	buf := make([]byte, SectorSize)
	require.NoError(t, m.ReadSectors(2, buf))
	require.Equal(t, byte(0xAB), buf[0])

	// Sector 2 is byte 1024.
	raw := mem.Bytes()
	require.Equal(t, byte(0xAB), raw[2*SectorSize])

	m.SetFaulty(true)
	require.True(t, m.Faulty())

	m.SetInSync(false)
	require.False(t, m.InSync())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")

	s, err := OpenFileStore(path, true)
	require.NoError(t, err)

	require.Equal(t, path, s.Path())

	data := []byte("write-intent")
	require.NoError(t, s.WriteAt(data, 128))
	require.NoError(t, s.Sync())

	size, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, int64(128+len(data)), size)

	buf := make([]byte, len(data))
	require.NoError(t, s.ReadAt(buf, 128))
	require.Equal(t, data, buf)

	// Reads past EOF fail rather than shorting.
	require.Error(t, s.ReadAt(buf, size))

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.ReadAt(buf, 0), ErrClosed)

	// Close is idempotent.
	require.NoError(t, s.Close())

	// Reopening without create sees the same bytes.
	s2, err := OpenFileStore(path, false)
	require.NoError(t, err)
	defer func() { require.NoError(t, s2.Close()) }()

	require.NoError(t, s2.ReadAt(buf, 128))
	require.Equal(t, data, buf)

	// Missing files fail without create.
	_, err = OpenFileStore(filepath.Join(t.TempDir(), "missing"), false)
	require.Error(t, err)
}
