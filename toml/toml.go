// Package toml adds the configuration value types used by relay config
// files and applies environment variable overrides to decoded configs.
package toml

import (
	"encoding"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
)

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	// Ignore if there is no value set.
	if len(text) == 0 {
		return nil
	}

	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText converts a duration to a string for decoding toml
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// Size represents a TOML parseable file size.
// Users can specify size using "k" or "K" for kibibytes, "m" or "M" for mebibytes,
// and "g" or "G" for gibibytes. If a size suffix isn't specified then bytes are assumed.
type Size uint64

// String renders the size for humans, e.g. "256 MiB".
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// UnmarshalText parses a byte size from text.
func (s *Size) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return fmt.Errorf("size was empty")
	}

	// The multiplier defaults to 1 in case the size has
	// no suffix (and is then just raw bytes)
	mult := uint64(1)

	// Preserve the original text for error messages
	sizeText := text

	// Parse unit of measure
	suffix := text[len(sizeText)-1]
	if !unicode.IsDigit(rune(suffix)) {
		switch suffix {
		case 'k', 'K':
			mult = 1 << 10 // KiB
		case 'm', 'M':
			mult = 1 << 20 // MiB
		case 'g', 'G':
			mult = 1 << 30 // GiB
		default:
			return fmt.Errorf("unknown size suffix: %c (expected k, m, or g)", suffix)
		}
		sizeText = sizeText[:len(sizeText)-1]
	}

	// Parse numeric portion of value.
	size, err := strconv.ParseUint(string(sizeText), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size: %s", string(text))
	}

	if math.MaxUint64/mult < size {
		return fmt.Errorf("size would overflow the max size (%d) of a uint: %s", uint64(math.MaxUint64), string(text))
	}

	size *= mult

	*s = Size(size)
	return nil
}

// MarshalText renders the size with the largest suffix that divides it.
func (s Size) MarshalText() ([]byte, error) {
	n := uint64(s)
	for _, u := range []struct {
		suffix string
		mult   uint64
	}{{"g", 1 << 30}, {"m", 1 << 20}, {"k", 1 << 10}} {
		if n != 0 && n%u.mult == 0 {
			return []byte(strconv.FormatUint(n/u.mult, 10) + u.suffix), nil
		}
	}
	return []byte(strconv.FormatUint(n, 10)), nil
}

// HexBytes is a byte string written in hex, e.g. "fcffffff00000000".
// Whitespace between digits is ignored.
type HexBytes []byte

// UnmarshalText decodes hex text. Empty text decodes to nil.
func (b *HexBytes) UnmarshalText(text []byte) error {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, string(text))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		*b = nil
		return nil
	}

	buf, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex bytes %q: %w", text, err)
	}
	*b = buf
	return nil
}

// MarshalText encodes the bytes as lowercase hex.
func (b HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b)), nil
}

// ApplyEnvOverrides walks val, a pointer to a config struct, and sets every
// field for which getenv returns a value. Keys are built from prefix and
// the toml tags along the path, upper cased with hyphens replaced by
// underscores: a field tagged "mailbox-size" inside a struct tagged "relay"
// reads PREFIX_RELAY_MAILBOX_SIZE. Elements of slices are addressed by
// index, PREFIX_PUBLISHER_0_ADDRESS. A nil getenv reads os.Getenv.
func ApplyEnvOverrides(getenv func(string) string, prefix string, val interface{}) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	v := reflect.ValueOf(val)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return errors.New("toml: ApplyEnvOverrides requires a non-nil pointer")
	}
	return applyEnvOverrides(getenv, prefix, v.Elem())
}

func applyEnvOverrides(getenv func(string) string, key string, spec reflect.Value) error {
	// Named types implementing encoding.TextUnmarshaler parse themselves.
	if spec.Kind() != reflect.Ptr && spec.Type().Name() != "" && spec.CanAddr() {
		if u, ok := spec.Addr().Interface().(encoding.TextUnmarshaler); ok {
			value := getenv(key)
			if value == "" {
				return nil
			}
			if err := u.UnmarshalText([]byte(value)); err != nil {
				return fmt.Errorf("failed to apply %v: %w", key, err)
			}
			return nil
		}
	}

	element := spec
	if spec.Kind() == reflect.Ptr {
		if spec.IsNil() {
			return nil
		}
		element = spec.Elem()
	}

	if element.Kind() == reflect.Struct {
		return applyStruct(getenv, key, element)
	}
	if element.Kind() == reflect.Slice {
		if element.Type().Elem().Kind() == reflect.String {
			return applyValue(getenv, key, element)
		}
		for i := 0; i < element.Len(); i++ {
			if err := applyEnvOverrides(getenv, fmt.Sprintf("%s_%d", key, i), element.Index(i)); err != nil {
				return err
			}
		}
		return nil
	}
	return applyValue(getenv, key, element)
}

func applyStruct(getenv func(string) string, prefix string, element reflect.Value) error {
	typeOfSpec := element.Type()
	for i := 0; i < element.NumField(); i++ {
		field := element.Field(i)
		if !field.CanSet() {
			continue
		}
		structField := typeOfSpec.Field(i)
		configName := structField.Tag.Get("toml")
		if configName == "-" {
			continue
		}
		if configName == "" && structField.Anonymous {
			// Embedded field without a toml tag. Don't modify prefix.
			if err := applyEnvOverrides(getenv, prefix, field); err != nil {
				return err
			}
			continue
		}
		if configName == "" {
			configName = structField.Name
		}

		// Replace hyphens with underscores to avoid issues with shells
		envKey := strings.ToUpper(strings.Replace(configName, "-", "_", -1))
		if prefix != "" {
			envKey = prefix + "_" + envKey
		}
		if err := applyEnvOverrides(getenv, envKey, field); err != nil {
			return err
		}
	}
	return nil
}

func applyValue(getenv func(string) string, key string, element reflect.Value) error {
	value := getenv(key)
	if value == "" {
		return nil
	}

	switch element.Kind() {
	case reflect.String:
		element.SetString(value)
	case reflect.Slice:
		parts := strings.Split(value, ",")
		out := reflect.MakeSlice(element.Type(), 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = reflect.Append(out, reflect.ValueOf(p).Convert(element.Type().Elem()))
			}
		}
		element.Set(out)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		intValue, err := strconv.ParseInt(value, 0, element.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed to apply %v using type %v and value '%v': %s", key, element.Type().String(), value, err)
		}
		element.SetInt(intValue)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		intValue, err := strconv.ParseUint(value, 0, element.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed to apply %v using type %v and value '%v': %s", key, element.Type().String(), value, err)
		}
		element.SetUint(intValue)
	case reflect.Bool:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("failed to apply %v using type %v and value '%v': %s", key, element.Type().String(), value, err)
		}
		element.SetBool(boolValue)
	case reflect.Float32, reflect.Float64:
		floatValue, err := strconv.ParseFloat(value, element.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed to apply %v using type %v and value '%v': %s", key, element.Type().String(), value, err)
		}
		element.SetFloat(floatValue)
	}
	return nil
}
