package encode

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
	)
	if err != nil {
		panic("encode: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("encode: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
	}
	return out, nil
}

// compressLZ4 emits a one-byte flag (1 = LZ4 block, 0 = stored) followed
// by the payload. Incompressible input is stored.
func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, 1+lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		out := make([]byte, 1+len(data))
		copy(out[1:], data)
		return out, nil
	}
	dst[0] = 1
	return dst[:1+n], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, fmt.Errorf("lz4 decompress: empty payload")
	}
	if compressed[0] == 0 {
		if len(compressed)-1 != size {
			return nil, fmt.Errorf("lz4 stored block: got %d bytes, expected %d", len(compressed)-1, size)
		}
		return compressed[1:], nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(compressed[1:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return out, nil
}
