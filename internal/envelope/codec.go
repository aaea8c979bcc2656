package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}

	// Map bodies decode to map[string]any rather than the CBOR default
	// map[any]any.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic("envelope: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("envelope: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Compression identifies the codec applied to an encoded envelope.
type Compression byte

const (
	CompressionNone   Compression = 0
	CompressionGzip   Compression = 1
	CompressionSnappy Compression = 2
	CompressionLz4    Compression = 3
	CompressionZstd   Compression = 4
)

var (
	ErrEmptyFrame         = errors.New("envelope: empty frame")
	ErrUnknownCompression = errors.New("envelope: unknown compression")
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLz4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

// ParseCompression maps a codec name to a Compression. The empty string
// means none.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLz4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("%w: %q", ErrUnknownCompression, s)
	}
}

// Encode serializes env into a frame compressed with c.
func Encode(env *Envelope, c Compression) ([]byte, error) {
	payload, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	compressed, err := compress(payload, c)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(compressed)+1)
	frame = append(frame, byte(c))
	return append(frame, compressed...), nil
}

// Decode parses a frame produced by Encode.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	payload, err := decompress(frame[1:], Compression(frame[0]))
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := decMode.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	return &env, nil
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil

	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		return buf.Bytes(), nil

	case CompressionSnappy:
		return snappy.Encode(nil, data), nil

	case CompressionLz4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		return buf.Bytes(), nil

	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, byte(c))
	}
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil

	case CompressionGzip:
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer reader.Close()
		return io.ReadAll(reader)

	case CompressionSnappy:
		return snappy.Decode(nil, data)

	case CompressionLz4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))

	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, byte(c))
	}
}

// EncodeBody serializes a plain record body and reports its data type.
// Byte slices pass through, strings are UTF-8, maps and lists are CBOR
// and anything else is JSON text.
func EncodeBody(body any) (string, []byte, error) {
	switch v := body.(type) {
	case nil:
		return DataBytes, nil, nil
	case []byte:
		return DataBytes, v, nil
	case string:
		return DataText, []byte(v), nil
	}

	switch reflect.TypeOf(body).Kind() {
	case reflect.Map:
		data, err := encMode.Marshal(body)
		if err != nil {
			return "", nil, fmt.Errorf("envelope: encode map body: %w", err)
		}
		return DataMap, data, nil
	case reflect.Slice, reflect.Array:
		data, err := encMode.Marshal(body)
		if err != nil {
			return "", nil, fmt.Errorf("envelope: encode list body: %w", err)
		}
		return DataList, data, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return "", nil, fmt.Errorf("envelope: encode body: %w", err)
		}
		return DataText, data, nil
	}
}

// DecodeBody reverses EncodeBody. Unknown data types yield the raw bytes.
func DecodeBody(dataType string, data []byte) (any, error) {
	switch dataType {
	case DataText:
		return string(data), nil
	case DataMap:
		var m map[string]any
		if err := decMode.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("envelope: decode map body: %w", err)
		}
		return m, nil
	case DataList:
		var l []any
		if err := decMode.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("envelope: decode list body: %w", err)
		}
		return l, nil
	default:
		return data, nil
	}
}
