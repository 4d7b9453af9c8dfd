// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a frame payload is compressed. The value
// is the first byte of every frame and is part of the wire protocol.
type Compression uint8

const (
	// CompressionNone sends the CBOR payload as is.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression. Cheap on both ends;
	// the default for interactive editing sessions.
	CompressionLZ4 Compression = 1
	// CompressionZstd uses zstd at the default level. Better ratio for
	// the large text payloads produced by pasted or generated content.
	CompressionZstd Compression = 2
)

// MaxFrameSize bounds the decoded size of a single frame. A batch
// larger than this is a client bug, and the bound keeps a corrupted
// length prefix from allocating unbounded memory.
const MaxFrameSize = 16 << 20

var errIncompressible = errors.New("codec: payload did not shrink")

// String returns the configuration name of the compression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a configuration name. The empty string
// means none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("codec: unknown compression %q (want none, lz4, or zstd)", name)
	}
}

// zstd encoders and decoders are safe for concurrent EncodeAll and
// DecodeAll calls, so one of each serves every connection.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeFrame marshals v to CBOR and prefixes the compression header.
// Payloads shorter than threshold, or that do not shrink, are sent
// uncompressed regardless of the requested compression.
//
// Frame layout:
//
//	[1 byte Compression][uvarint decoded length, compressed frames only][payload]
func EncodeFrame(v any, compression Compression, threshold int) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encoding frame payload: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("codec: frame payload is %d bytes, limit is %d", len(payload), MaxFrameSize)
	}
	if compression == CompressionNone || len(payload) < threshold {
		return plainFrame(payload), nil
	}

	var compressed []byte
	switch compression {
	case CompressionLZ4:
		compressed, err = compressLZ4(payload)
	case CompressionZstd:
		compressed, err = compressZstd(payload)
	default:
		return nil, fmt.Errorf("codec: unsupported compression %d", uint8(compression))
	}
	if errors.Is(err, errIncompressible) {
		return plainFrame(payload), nil
	}
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 1+binary.MaxVarintLen64+len(compressed))
	frame = append(frame, byte(compression))
	frame = binary.AppendUvarint(frame, uint64(len(payload)))
	return append(frame, compressed...), nil
}

// DecodeFrame reverses EncodeFrame into v.
func DecodeFrame(frame []byte, v any) error {
	if len(frame) == 0 {
		return errors.New("codec: empty frame")
	}
	compression := Compression(frame[0])
	body := frame[1:]
	if compression == CompressionNone {
		return Unmarshal(body, v)
	}

	size, read := binary.Uvarint(body)
	if read <= 0 {
		return errors.New("codec: malformed frame length")
	}
	if size > MaxFrameSize {
		return fmt.Errorf("codec: frame declares %d bytes, limit is %d", size, MaxFrameSize)
	}
	body = body[read:]

	var payload []byte
	var err error
	switch compression {
	case CompressionLZ4:
		payload, err = decompressLZ4(body, int(size))
	case CompressionZstd:
		payload, err = decompressZstd(body, int(size))
	default:
		return fmt.Errorf("codec: unsupported compression %d", uint8(compression))
	}
	if err != nil {
		return err
	}
	return Unmarshal(payload, v)
}

func plainFrame(payload []byte) []byte {
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, byte(CompressionNone))
	return append(frame, payload...)
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("codec: lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("codec: lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("codec: lz4 decompress: got %d bytes, frame declared %d", read, size)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	payload, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("codec: zstd decompress: %w", err)
	}
	if len(payload) != size {
		return nil, fmt.Errorf("codec: zstd decompress: got %d bytes, frame declared %d", len(payload), size)
	}
	return payload, nil
}
