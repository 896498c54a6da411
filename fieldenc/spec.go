package fieldenc

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrFieldTooWide     = errors.New("value does not fit the configured field width")
	ErrUnknownField     = errors.New("unknown field")
	ErrUnsupportedValue = errors.New("unsupported value for field")
	ErrMalformedBitmask = errors.New("malformed bitmask")
	ErrInvalidFieldSpec = errors.New("invalid field specification")
	ErrInvalidAlgorithm = errors.New("invalid algorithm configuration")
)

// Comparator is how the external comparator treats a field.
type Comparator string

const (
	// ComparatorBitmask fields are compared fuzzily on their bloom filters.
	ComparatorBitmask Comparator = "bitmask"
	// ComparatorBinary fields are compared for exact equality.
	ComparatorBinary Comparator = "binary"
)

// FieldType is the type of the source value.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	// TypeBitmask values are already bloom encoded and arrive base64 encoded.
	TypeBitmask FieldType = "bitmask"
)

type ByteOrder string

const (
	BigEndian    ByteOrder = "big"
	LittleEndian ByteOrder = "little"
)

// AlgorithmConfig holds the encoding parameters shared by all fields. Both
// parties must use identical values.
type AlgorithmConfig struct {
	NGramLength   int       `mapstructure:"ngram_length" yaml:"ngram_length"`
	HashFunctions int       `mapstructure:"hash_functions" yaml:"hash_functions"`
	BloomLength   int       `mapstructure:"bloom_length" yaml:"bloom_length"`
	ByteOrder     ByteOrder `mapstructure:"byte_order" yaml:"byte_order"`
}

// DefaultAlgorithm returns bigrams, 15 hash functions, 500 bit filters and big
// endian binary fields.
func DefaultAlgorithm() AlgorithmConfig {
	return AlgorithmConfig{
		NGramLength:   2,
		HashFunctions: 15,
		BloomLength:   500,
		ByteOrder:     BigEndian,
	}
}

func (a AlgorithmConfig) Validate() error {
	switch {
	case a.NGramLength < 1:
		return fmt.Errorf("%w: ngram_length must be positive", ErrInvalidAlgorithm)
	case a.HashFunctions < 1:
		return fmt.Errorf("%w: hash_functions must be positive", ErrInvalidAlgorithm)
	case a.BloomLength < 1:
		return fmt.Errorf("%w: bloom_length must be positive", ErrInvalidAlgorithm)
	case a.ByteOrder != BigEndian && a.ByteOrder != LittleEndian:
		return fmt.Errorf("%w: byte_order must be big or little, got %q", ErrInvalidAlgorithm, a.ByteOrder)
	}
	return nil
}

// FieldSpec describes one identifying field.
type FieldSpec struct {
	Name       string     `mapstructure:"name" yaml:"name"`
	Comparator Comparator `mapstructure:"comparator" yaml:"comparator"`
	Type       FieldType  `mapstructure:"type" yaml:"type"`
	// BitSize of the encoding. Bitmask fields default to the bloom length.
	BitSize   int     `mapstructure:"bitsize" yaml:"bitsize"`
	Frequency float64 `mapstructure:"frequency" yaml:"frequency,omitempty"`
	ErrorRate float64 `mapstructure:"error_rate" yaml:"error_rate,omitempty"`
}

// Bits is the encoding length of the field in bits.
func (f FieldSpec) Bits(a AlgorithmConfig) int {
	if f.BitSize == 0 && f.Comparator == ComparatorBitmask {
		return a.BloomLength
	}
	return f.BitSize
}

// Bytes is the encoding length of the field in bytes.
func (f FieldSpec) Bytes(a AlgorithmConfig) int {
	return (f.Bits(a) + 7) / 8
}

// Weight is the field's agreement weight log2((1-e)/f). It is zero when no
// frequency is configured.
func (f FieldSpec) Weight() float64 {
	if f.Frequency <= 0 {
		return 0
	}
	return math.Log2((1 - f.ErrorRate) / f.Frequency)
}

func (f FieldSpec) Validate(a AlgorithmConfig) error {
	if f.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidFieldSpec)
	}
	switch f.Comparator {
	case ComparatorBitmask:
		if f.Type != TypeString && f.Type != TypeBitmask {
			return fmt.Errorf("%w: %s: bitmask comparison needs a string or bitmask field, got %q", ErrInvalidFieldSpec, f.Name, f.Type)
		}
	case ComparatorBinary:
		if f.Type != TypeString && f.Type != TypeInteger && f.Type != TypeNumber {
			return fmt.Errorf("%w: %s: binary comparison needs a string, integer or number field, got %q", ErrInvalidFieldSpec, f.Name, f.Type)
		}
	default:
		return fmt.Errorf("%w: %s: unknown comparator %q", ErrInvalidFieldSpec, f.Name, f.Comparator)
	}
	if f.Bits(a) < 1 {
		return fmt.Errorf("%w: %s: bitsize must be positive", ErrInvalidFieldSpec, f.Name)
	}
	if f.Type == TypeNumber && f.Bytes(a) < 8 {
		return fmt.Errorf("%w: %s: number fields need at least 64 bits", ErrInvalidFieldSpec, f.Name)
	}
	if f.Frequency < 0 || f.Frequency > 1 || f.ErrorRate < 0 || f.ErrorRate >= 1 {
		return fmt.Errorf("%w: %s: frequency and error_rate must be probabilities", ErrInvalidFieldSpec, f.Name)
	}
	return nil
}
