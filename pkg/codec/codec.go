// Package codec turns message fields into bytes and back, with an optional
// authenticated-encryption layer in between.
//
// encode/decode are pure functions of (fields, serializer, key): no I/O, no
// process state. A backend that needs a textual transport wraps the result
// in base64 itself (see pkg/queue/cloudqueue); codec never assumes that.
package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

func init() {
	// gob requires every concrete type ever stored in an interface{} slot
	// to be registered up front; Fields values are whatever JSON-ish
	// scalars and containers a caller's struct fields produced.
	for _, v := range []any{
		"", 0, int64(0), float64(0), true,
		[]any{}, map[string]any{}, []byte(nil),
	} {
		gob.Register(v)
	}
}

// Serializer picks the structured encoding used before any encryption.
type Serializer string

const (
	// SerializerJSON is self-describing and language-agnostic: the default
	// choice for producers and consumers that are not both this library.
	SerializerJSON Serializer = "json"

	// SerializerBinary is a compact encoding/gob form for trusted pairs of
	// producer and consumer running this same package. It is the Go
	// analogue of a same-language pickle-style serializer: fast and
	// compact, but only decodable by code that registered the same
	// concrete types.
	SerializerBinary Serializer = "binary"
)

// Fields is the flat user-field bag a message carries (reserved
// metadata keys live alongside it; of those, the engines pass only
// _classpath through Encode/Decode).
type Fields map[string]any

// Key is a derived 32-byte symmetric key. A zero-value Key (all bytes
// zero) means "no encryption configured"; use DeriveKey to build one from
// an operator-supplied secret.
type Key [32]byte

// IsZero reports whether k carries no key material.
func (k Key) IsZero() bool {
	return k == Key{}
}

// DeriveKey hashes an arbitrary-length secret down to a fixed 32-byte key
// suitable for chacha20poly1305. Hashing (rather than truncating/padding)
// means operators can supply secrets of any length and still get a
// uniformly distributed key.
func DeriveKey(secret string) Key {
	return Key(sha256.Sum256([]byte(secret)))
}

// Encode serializes fields with the given Serializer and, if key carries
// key material, seals the result with an AEAD cipher. The nonce is
// generated randomly per call and prepended to the ciphertext.
func Encode(fields Fields, ser Serializer, key Key) ([]byte, error) {
	plain, err := serialize(fields, ser)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	if key.IsZero() {
		return plain, nil
	}
	sealed, err := seal(plain, key)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return sealed, nil
}

// Decode reverses Encode. A non-zero key is required to match whatever key
// Encode used; a key mismatch or corrupted payload surfaces as an error
// (callers should treat this as a decode failure, never deliver the
// message to user code, and not attempt further retries of the bytes
// themselves).
func Decode(data []byte, ser Serializer, key Key) (Fields, error) {
	plain := data
	if !key.IsZero() {
		opened, err := open(data, key)
		if err != nil {
			return nil, fmt.Errorf("codec: decode: %w", err)
		}
		plain = opened
	}
	fields, err := deserialize(plain, ser)
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return fields, nil
}

func serialize(fields Fields, ser Serializer) ([]byte, error) {
	switch ser {
	case SerializerJSON, "":
		return json.Marshal(fields)
	case SerializerBinary:
		var buf gobBuffer
		enc := gob.NewEncoder(&buf)
		if err := enc.Encode(fields); err != nil {
			return nil, err
		}
		return buf.b, nil
	default:
		return nil, fmt.Errorf("codec: unknown serializer %q", ser)
	}
}

func deserialize(data []byte, ser Serializer) (Fields, error) {
	switch ser {
	case SerializerJSON, "":
		var fields Fields
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
		return fields, nil
	case SerializerBinary:
		var fields Fields
		dec := gob.NewDecoder(&gobBuffer{b: data})
		if err := dec.Decode(&fields); err != nil {
			return nil, err
		}
		return fields, nil
	default:
		return nil, fmt.Errorf("codec: unknown serializer %q", ser)
	}
}

func seal(plain []byte, key Key) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func open(data []byte, key Key) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(data) < ns {
		return nil, fmt.Errorf("codec: ciphertext shorter than nonce")
	}
	nonce, ct := data[:ns], data[ns:]
	return aead.Open(nil, nonce, ct, nil)
}

// gobBuffer is a minimal io.Reader/io.Writer over a byte slice, avoiding a
// bytes.Buffer import just for this one use.
type gobBuffer struct {
	b   []byte
	off int
}

func (g *gobBuffer) Write(p []byte) (int, error) {
	g.b = append(g.b, p...)
	return len(p), nil
}

func (g *gobBuffer) Read(p []byte) (int, error) {
	if g.off >= len(g.b) {
		return 0, io.EOF
	}
	n := copy(p, g.b[g.off:])
	g.off += n
	return n, nil
}
