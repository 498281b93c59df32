package persistence

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPartitionFileStopsAtCRCMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.log")

	var buf []byte
	buf = append(buf, framedRecord(encodeAppendBody(0, 1, []byte("good")))...)

	// A second record with a corrupted body (CRC computed over the
	// original, but the stored body mutated afterward).
	body := encodeAppendBody(1, 2, []byte("corrupt"))
	framed := framedRecord(body)
	framed[len(framed)-1] ^= 0xFF // flip a payload byte after CRC was computed
	buf = append(buf, framed...)

	require.NoError(t, os.WriteFile(path, buf, 0o644))

	records := loadPartitionFile(path)
	require.Len(t, records, 1)
	assert.Equal(t, []byte("good"), records[0].Payload)
}

func TestLoadCommitsFileLastWriterWinsPerPartition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commits.log")

	var buf []byte
	buf = append(buf, framedRecord(encodeCommitBody(1, 0, 10, "g1"))...)
	buf = append(buf, framedRecord(encodeCommitBody(1, 0, 20, "g1"))...)
	buf = append(buf, framedRecord(encodeCommitBody(1, 1, 5, "g1"))...)
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	groups := loadCommitsFile(path)
	g, ok := groups["g1"]
	require.True(t, ok)
	assert.Equal(t, uint64(20), g.Offsets[0])
	assert.Equal(t, uint64(5), g.Offsets[1])
}

func framedRecord(body []byte) []byte {
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(body))
	return append(append([]byte(nil), header[:]...), body...)
}
