// Package fieldenc turns identifying field values into the privacy-preserving
// encodings consumed by the secure comparator.
//
// Fuzzy fields become bloom filters over padded n-grams, exact fields become
// fixed-width byte strings. Both parties must encode with the same
// AlgorithmConfig and FieldSpecs; encodings are fully deterministic.
package fieldenc

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
)

// Encoding is the encoded form of one field value. An absent encoding stands
// for a missing value and is never equal to an all-zero encoding.
type Encoding struct {
	Bits   []byte
	Absent bool
}

// Absent is the marker for missing source values.
func Absent() Encoding {
	return Encoding{Absent: true}
}

// MarshalJSON writes absent encodings as null and others as base64.
func (e Encoding) MarshalJSON() ([]byte, error) {
	if e.Absent {
		return []byte("null"), nil
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(e.Bits))
}

func (e *Encoding) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil {
		*e = Absent()
		return nil
	}
	bits, err := base64.StdEncoding.DecodeString(*s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBitmask, err)
	}
	*e = Encoding{Bits: bits}
	return nil
}

// Encoder encodes values of a configured set of fields.
type Encoder struct {
	algo   AlgorithmConfig
	fields map[string]FieldSpec
	order  []string
}

// NewEncoder validates the algorithm and field configuration.
func NewEncoder(algo AlgorithmConfig, fields ...FieldSpec) (*Encoder, error) {
	if err := algo.Validate(); err != nil {
		return nil, err
	}
	e := &Encoder{
		algo:   algo,
		fields: make(map[string]FieldSpec, len(fields)),
	}
	for _, f := range fields {
		if err := f.Validate(algo); err != nil {
			return nil, err
		}
		if _, dup := e.fields[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidFieldSpec, f.Name)
		}
		e.fields[f.Name] = f
		e.order = append(e.order, f.Name)
	}
	return e, nil
}

func (e *Encoder) Algorithm() AlgorithmConfig {
	return e.algo
}

// Fields returns the configured fields in configuration order.
func (e *Encoder) Fields() []FieldSpec {
	out := make([]FieldSpec, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.fields[name])
	}
	return out
}

// EncodeRecord encodes every value of rec. Fields configured but missing from
// rec are encoded as absent.
func (e *Encoder) EncodeRecord(rec map[string]any) (map[string]Encoding, error) {
	for name := range rec {
		if _, ok := e.fields[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
	}
	out := make(map[string]Encoding, len(e.fields))
	for _, name := range e.order {
		enc, err := e.Encode(rec[name], e.fields[name])
		if err != nil {
			return nil, err
		}
		out[name] = enc
	}
	return out, nil
}

// EncodeField encodes value as the configured field name.
func (e *Encoder) EncodeField(name string, value any) (Encoding, error) {
	spec, ok := e.fields[name]
	if !ok {
		return Encoding{}, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return e.Encode(value, spec)
}

// Encode maps value to its encoding under spec. nil and blank strings are
// absent.
func (e *Encoder) Encode(value any, spec FieldSpec) (Encoding, error) {
	if value == nil {
		return Absent(), nil
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return Absent(), nil
	}

	switch spec.Comparator {
	case ComparatorBitmask:
		return e.encodeBitmask(value, spec)
	case ComparatorBinary:
		return e.encodeBinary(value, spec)
	}
	return Encoding{}, fmt.Errorf("%w: %s: unknown comparator %q", ErrInvalidFieldSpec, spec.Name, spec.Comparator)
}

func (e *Encoder) encodeBitmask(value any, spec FieldSpec) (Encoding, error) {
	s, ok := value.(string)
	if !ok {
		return Encoding{}, fmt.Errorf("%w: %s expects a string, got %T", ErrUnsupportedValue, spec.Name, value)
	}
	m := spec.Bits(e.algo)
	if spec.Type == TypeBitmask {
		bits, err := decodeBitmask(s, m)
		if err != nil {
			return Encoding{}, fmt.Errorf("%s: %w", spec.Name, err)
		}
		return Encoding{Bits: bits}, nil
	}
	return Encoding{Bits: BloomFilter(s, e.algo.NGramLength, e.algo.HashFunctions, m)}, nil
}

func (e *Encoder) encodeBinary(value any, spec FieldSpec) (Encoding, error) {
	width := spec.Bytes(e.algo)
	order := e.algo.ByteOrder

	switch spec.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return Encoding{}, fmt.Errorf("%w: %s expects a string, got %T", ErrUnsupportedValue, spec.Name, value)
		}
		if len(s) > width {
			return Encoding{}, fmt.Errorf("%w: %s: %d bytes into %d", ErrFieldTooWide, spec.Name, len(s), width)
		}
		return Encoding{Bits: pad([]byte(s), width, order)}, nil

	case TypeInteger:
		v, err := toUint(value)
		if err != nil {
			return Encoding{}, fmt.Errorf("%s: %w", spec.Name, err)
		}
		if width < 8 && v>>(8*uint(width)) != 0 {
			return Encoding{}, fmt.Errorf("%w: %s: %d into %d bytes", ErrFieldTooWide, spec.Name, v, width)
		}
		return Encoding{Bits: putUint(v, width, order)}, nil

	case TypeNumber:
		f, err := toFloat(value)
		if err != nil {
			return Encoding{}, fmt.Errorf("%s: %w", spec.Name, err)
		}
		return Encoding{Bits: putUint(math.Float64bits(f), width, order)}, nil
	}
	return Encoding{}, fmt.Errorf("%w: %s: type %q", ErrUnsupportedValue, spec.Name, spec.Type)
}

// BloomFilter sets, for every n-gram of the space padded value, the k
// positions (h1 + i*h2) mod m where h1 and h2 are the SHA-1 and MD5 digests of
// the n-gram reduced mod m. Bit p lives in byte p/8 at mask 0x80>>(p%8).
func BloomFilter(value string, n, k, m int) []byte {
	bloom := make([]byte, (m+7)/8)
	modulus := big.NewInt(int64(m))

	for _, gram := range NGrams(value, n) {
		s1 := sha1.Sum([]byte(gram))
		s2 := md5.Sum([]byte(gram))
		h1 := digestMod(s1[:], modulus)
		h2 := digestMod(s2[:], modulus)
		for i := range uint64(k) {
			p := (h1 + i*h2) % uint64(m)
			bloom[p/8] |= 0x80 >> (p % 8)
		}
	}
	return bloom
}

// NGrams returns the overlapping n-rune substrings of value padded with n-1
// spaces on both ends.
func NGrams(value string, n int) []string {
	if n < 1 {
		return nil
	}
	blank := strings.Repeat(" ", n-1)
	runes := []rune(blank + value + blank)
	if len(runes) < n {
		return nil
	}
	grams := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+n]))
	}
	return grams
}

func digestMod(digest []byte, m *big.Int) uint64 {
	return new(big.Int).Mod(new(big.Int).SetBytes(digest), m).Uint64()
}

// decodeBitmask reads a pre-encoded filter of m bits and clears any bit set
// past position m.
func decodeBitmask(s string, m int) ([]byte, error) {
	bits, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBitmask, err)
	}
	if len(bits) != (m+7)/8 {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedBitmask, len(bits), (m+7)/8)
	}
	if extra := m % 8; extra != 0 {
		bits[len(bits)-1] &= byte(0xff << (8 - extra))
	}
	return bits, nil
}

func pad(b []byte, width int, order ByteOrder) []byte {
	out := make([]byte, width)
	if order == BigEndian {
		copy(out[width-len(b):], b)
	} else {
		copy(out, b)
	}
	return out
}

func putUint(v uint64, width int, order ByteOrder) []byte {
	var buf [8]byte
	if order == BigEndian {
		binary.BigEndian.PutUint64(buf[:], v)
		if width >= 8 {
			return pad(buf[:], width, order)
		}
		return append([]byte(nil), buf[8-width:]...)
	}
	binary.LittleEndian.PutUint64(buf[:], v)
	if width >= 8 {
		return pad(buf[:], width, order)
	}
	return append([]byte(nil), buf[:width]...)
}

func toUint(value any) (uint64, error) {
	switch v := value.(type) {
	case int:
		return nonNegative(int64(v))
	case int32:
		return nonNegative(int64(v))
	case int64:
		return nonNegative(v)
	case uint:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || v < 0 || v >= math.MaxUint64 {
			return 0, fmt.Errorf("%w: %v is not a non-negative integer", ErrUnsupportedValue, v)
		}
		return uint64(v), nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return nonNegative(i)
	}
	return 0, fmt.Errorf("%w: %T is not an integer", ErrUnsupportedValue, value)
}

func nonNegative(v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: negative integer %d", ErrUnsupportedValue, v)
	}
	return uint64(v), nil
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %T is not a number", ErrUnsupportedValue, value)
}
