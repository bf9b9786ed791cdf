package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// PayloadCodec serializes packet payloads. The header codec never looks
// inside the payload, so any codec can be paired with any connection.
type PayloadCodec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Format tags of the built-in codecs.
const (
	FormatJSON    = "json"
	FormatCBOR    = "cbor"
	FormatMsgpack = "msgpack"

	zstdSuffix = "+zstd"
)

var (
	codecsMu sync.RWMutex
	codecs   = map[string]PayloadCodec{}
)

func init() {
	RegisterCodec(jsonCodec{})
	RegisterCodec(newCBORCodec())
	RegisterCodec(msgpackCodec{})
}

// RegisterCodec makes a codec available by its Name. Registering the same
// name twice replaces the earlier codec.
func RegisterCodec(c PayloadCodec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[c.Name()] = c
}

// LookupCodec returns the codec for a format tag. The tag "<inner>+zstd"
// wraps any registered codec in zstd compression.
func LookupCodec(name string) (PayloadCodec, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultCodec(), nil
	}
	codecsMu.RLock()
	c, ok := codecs[name]
	codecsMu.RUnlock()
	if ok {
		return c, nil
	}
	if inner, found := strings.CutSuffix(name, zstdSuffix); found {
		ic, err := LookupCodec(inner)
		if err != nil {
			return nil, err
		}
		c := Compressed(ic)
		RegisterCodec(c)
		return c, nil
	}
	return nil, fmt.Errorf("unknown payload format %q", name)
}

// DefaultCodec returns the JSON codec.
func DefaultCodec() PayloadCodec {
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return FormatJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	// Generic decoding yields string-keyed maps so payloads look the same
	// as under JSON.
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string                         { return FormatCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return FormatMsgpack }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

type compressedCodec struct {
	inner PayloadCodec
}

// Compressed wraps inner so that its output is zstd-compressed on the wire.
func Compressed(inner PayloadCodec) PayloadCodec {
	return compressedCodec{inner: inner}
}

func (c compressedCodec) Name() string { return c.inner.Name() + zstdSuffix }

func (c compressedCodec) Marshal(v any) ([]byte, error) {
	enc, _, err := zstdCoders()
	if err != nil {
		return nil, err
	}
	data, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, nil), nil
}

func (c compressedCodec) Unmarshal(data []byte, v any) error {
	_, dec, err := zstdCoders()
	if err != nil {
		return err
	}
	plain, err := dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd: %w", err)
	}
	return c.inner.Unmarshal(plain, v)
}
