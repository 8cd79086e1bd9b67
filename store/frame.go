package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/xxh3"
)

// Compression selects how the sqlite engines compress record payloads.
type Compression uint8

const (
	NoCompression Compression = iota
	SnappyCompression
	LZ4Compression
	ZstdCompression
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case LZ4Compression:
		return "lz4"
	case ZstdCompression:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a Compression. The empty
// string means none.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "lz4":
		return LZ4Compression, nil
	case "zstd":
		return ZstdCompression, nil
	}
	return 0, fmt.Errorf("unknown compression %q (supported: none, snappy, lz4, zstd)", s)
}

// Frame layout: 1 byte compression type, 8 bytes big-endian xxh3 of the
// uncompressed payload, then the (possibly compressed) payload.
const frameHeaderLen = 9

func encodeFrame(c Compression, payload []byte) ([]byte, error) {
	body, err := compress(c, payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, frameHeaderLen, frameHeaderLen+len(body))
	out[0] = byte(c)
	binary.BigEndian.PutUint64(out[1:frameHeaderLen], xxh3.Hash(payload))
	return append(out, body...), nil
}

// decodeFrame returns the payload of a frame. Any framing, decompression or
// checksum failure is reported as ErrCorrupt.
func decodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderLen {
		return nil, fmt.Errorf("%w: frame of %d bytes is shorter than its header", ErrCorrupt, len(frame))
	}
	c := Compression(frame[0])
	want := binary.BigEndian.Uint64(frame[1:frameHeaderLen])
	payload, err := decompress(c, frame[frameHeaderLen:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if got := xxh3.Hash(payload); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch (stored %016x, computed %016x)", ErrCorrupt, want, got)
	}
	return payload, nil
}

func compress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		return snappy.Encode(nil, data), nil
	case LZ4Compression:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil
	case ZstdCompression:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}
}

func decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		return snappy.Decode(nil, data)
	case LZ4Compression:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case ZstdCompression:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}
}
