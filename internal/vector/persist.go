package vector

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// File layout (little endian):
//
//	magic "TSVX" | version u32 | dimension u32 | count u32
//	count x { idLen u32 | id | dimension x float32 }
//	crc32 (IEEE) of everything above
const (
	fileMagic    = "TSVX"
	fileVersion  = 1
	maxIDLen     = 1 << 16
	maxDimension = 1 << 16
)

// Persist writes the index to path atomically. The directory is created if needed.
func (ix *Index) Persist(path string) error {
	if path == "" {
		return &IndexUnavailableError{Op: "persist", Path: path, Err: errors.New("empty path")}
	}
	// Exclusive with writers so the file matches one published snapshot.
	ix.mu.Lock()
	s := ix.snap.Load()
	ix.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteString(fileMagic)
	writeU32(&buf, fileVersion)
	writeU32(&buf, uint32(ix.dim))
	writeU32(&buf, uint32(len(s.ids)))
	vecBuf := make([]byte, ix.dim*4)
	for i, id := range s.ids {
		writeU32(&buf, uint32(len(id)))
		buf.WriteString(id)
		for j, v := range s.vecs[i] {
			binary.LittleEndian.PutUint32(vecBuf[j*4:], math.Float32bits(v))
		}
		buf.Write(vecBuf)
	}
	writeU32(&buf, crc32.ChecksumIEEE(buf.Bytes()))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &IndexUnavailableError{Op: "persist", Path: path, Err: fmt.Errorf("create index dir: %w", err)}
	}
	pending, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return &IndexUnavailableError{Op: "persist", Path: path, Err: err}
	}
	defer pending.Cleanup()
	if _, err := pending.Write(buf.Bytes()); err != nil {
		return &IndexUnavailableError{Op: "persist", Path: path, Err: fmt.Errorf("write index: %w", err)}
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return &IndexUnavailableError{Op: "persist", Path: path, Err: err}
	}
	ix.opts.logger.Debug("vector index persisted")
	return nil
}

// Load reads an index written by Persist. A missing, truncated or corrupt file yields
// an *IndexUnavailableError; nothing is partially loaded.
func Load(path string, opts ...Option) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IndexUnavailableError{Op: "load", Path: path, Err: err}
	}
	dim, ids, vecs, err := decode(data)
	if err != nil {
		return nil, &IndexUnavailableError{Op: "load", Path: path, Err: err}
	}
	ix, err := New(dim, opts...)
	if err != nil {
		return nil, &IndexUnavailableError{Op: "load", Path: path, Err: err}
	}
	if err := ix.AddPoints(ids, vecs); err != nil {
		return nil, &IndexUnavailableError{Op: "load", Path: path, Err: err}
	}
	return ix, nil
}

func decode(data []byte) (int, []string, [][]float32, error) {
	if len(data) < len(fileMagic)+16 {
		return 0, nil, nil, errors.New("file too short")
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return 0, nil, nil, errors.New("checksum mismatch")
	}
	if string(body[:4]) != fileMagic {
		return 0, nil, nil, errors.New("bad magic")
	}
	r := bytes.NewReader(body[4:])
	var version, dim, count uint32
	for _, p := range []*uint32{&version, &dim, &count} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return 0, nil, nil, fmt.Errorf("read header: %w", err)
		}
	}
	if version != fileVersion {
		return 0, nil, nil, fmt.Errorf("unsupported version %d", version)
	}
	if dim == 0 || dim > maxDimension {
		return 0, nil, nil, fmt.Errorf("invalid dimension %d", dim)
	}
	// Each entry needs at least 4 + dim*4 bytes.
	if uint64(count)*(4+uint64(dim)*4) > uint64(r.Len()) {
		return 0, nil, nil, errors.New("count exceeds file size")
	}

	ids := make([]string, count)
	vecs := make([][]float32, count)
	vecBuf := make([]byte, dim*4)
	for i := range ids {
		var idLen uint32
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return 0, nil, nil, fmt.Errorf("read id len: %w", err)
		}
		if idLen == 0 || idLen > maxIDLen {
			return 0, nil, nil, fmt.Errorf("invalid id length %d", idLen)
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(r, id); err != nil {
			return 0, nil, nil, fmt.Errorf("read id: %w", err)
		}
		if _, err := io.ReadFull(r, vecBuf); err != nil {
			return 0, nil, nil, fmt.Errorf("read vector: %w", err)
		}
		v := make([]float32, dim)
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(vecBuf[j*4:]))
		}
		ids[i] = string(id)
		vecs[i] = v
	}
	if r.Len() != 0 {
		return 0, nil, nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return int(dim), ids, vecs, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
