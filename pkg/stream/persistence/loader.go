package persistence

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
)

// RecoveredState is what warm start rebuilds from a topic's durable log:
// every partition's surviving messages, and the last-writer-wins committed
// offsets per consumer group.
type RecoveredState struct {
	Partitions map[uint32][]AppendRecord
	Groups     map[string]RecoveredGroup
}

// RecoveredGroup is one group's replayed generation and per-partition
// committed offsets.
type RecoveredGroup struct {
	Generation uint64
	Offsets    map[uint32]uint64
}

// Recover walks rootDir, reading every "<partition>.log" up to partitions-1
// and the shared "commits.log". A CRC mismatch in a partition log stops
// that partition's recovery at the last good record; a mismatch in
// commits.log stops commit replay at the last good record. Nonexistent
// files or directory simply yield an empty state (a fresh topic).
func Recover(rootDir string, partitions uint32) RecoveredState {
	state := RecoveredState{
		Partitions: make(map[uint32][]AppendRecord),
		Groups:     make(map[string]RecoveredGroup),
	}

	if _, err := os.Stat(rootDir); err != nil {
		return state
	}

	for p := uint32(0); p < partitions; p++ {
		path := filepath.Join(rootDir, partitionFileName(p))
		if _, err := os.Stat(path); err != nil {
			continue
		}
		records := loadPartitionFile(path)
		if len(records) > 0 {
			state.Partitions[p] = records
		}
	}

	commitsPath := filepath.Join(rootDir, "commits.log")
	if _, err := os.Stat(commitsPath); err == nil {
		state.Groups = loadCommitsFile(commitsPath)
	}
	return state
}

func partitionFileName(id uint32) string {
	return fmt.Sprintf("%d.log", id)
}

func loadPartitionFile(path string) []AppendRecord {
	var records []AppendRecord
	f, err := os.Open(path)
	if err != nil {
		logger.L().Error("failed to open stream partition log", "path", path, "error", err)
		return records
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		body, ok := readFramed(r, path)
		if !ok {
			break
		}
		if len(body) < 16 {
			logger.L().Error("stream append record too short", "path", path)
			break
		}
		offset := binary.BigEndian.Uint64(body[0:8])
		timestamp := int64(binary.BigEndian.Uint64(body[8:16]))
		payload := append([]byte(nil), body[16:]...)
		records = append(records, AppendRecord{Offset: offset, Timestamp: timestamp, Payload: payload})
	}
	return records
}

func loadCommitsFile(path string) map[string]RecoveredGroup {
	groups := make(map[string]RecoveredGroup)
	f, err := os.Open(path)
	if err != nil {
		logger.L().Error("failed to open stream commits log", "path", path, "error", err)
		return groups
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		body, ok := readFramed(r, path)
		if !ok {
			break
		}
		if len(body) < 22 {
			continue
		}
		generation := binary.BigEndian.Uint64(body[0:8])
		partition := binary.BigEndian.Uint32(body[8:12])
		offset := binary.BigEndian.Uint64(body[12:20])
		groupLen := int(binary.BigEndian.Uint16(body[20:22]))
		if len(body) < 22+groupLen {
			continue
		}
		groupID := string(body[22 : 22+groupLen])

		g, ok := groups[groupID]
		if !ok {
			g = RecoveredGroup{Offsets: make(map[uint32]uint64)}
		}
		if generation > g.Generation {
			g.Generation = generation
		}
		g.Offsets[partition] = offset // last-writer-wins
		groups[groupID] = g
	}
	return groups
}

// readFramed reads one [len:u32][crc32:u32][body] record, verifying the
// CRC. It returns (nil, false) on clean EOF or on the first corrupt/
// truncated record, which is exactly where recovery should stop.
func readFramed(r *bufio.Reader, path string) ([]byte, bool) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, false
	}
	length := binary.BigEndian.Uint32(header[0:4])
	storedCRC := binary.BigEndian.Uint32(header[4:8])

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		logger.L().Warn("unexpected EOF reading stream record body", "path", path)
		return nil, false
	}

	if crc32.ChecksumIEEE(body) != storedCRC {
		logger.L().Error("CRC mismatch in stream log, stopping recovery", "path", path)
		return nil, false
	}
	return body, true
}
