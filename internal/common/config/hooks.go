package config

import (
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Delimiter is the single character separating fields of a delimited text file.  In config files it is written
// as a one character string, e.g. delimiter: ";"
type Delimiter rune

// CustomHooks must be passed to viper.Unmarshal.  viper.DecodeHook replaces viper's default hooks, so the defaults
// (durations and comma separated slices) are composed back in here.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		DelimiterHookFunc(),
		PulsarCompressionTypeHookFunc(),
	)),
}

func DelimiterHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(Delimiter(0)) {
			return data, nil
		}
		return ParseDelimiter(data.(string))
	}
}

func PulsarCompressionTypeHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(pulsar.NoCompression) {
			return data, nil
		}
		return ParsePulsarCompressionType(data.(string))
	}
}

// ParseDelimiter accepts exactly one character; "\t" and "tab" are accepted for tab separated files.
func ParseDelimiter(s string) (Delimiter, error) {
	switch s {
	case `\t`, "tab":
		return '\t', nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0, errors.Errorf("delimiter must be a single character, got %q", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
		return 0, errors.Errorf("%q cannot be used as a delimiter", s)
	}
	return Delimiter(r), nil
}

func ParsePulsarCompressionType(compressionType string) (pulsar.CompressionType, error) {
	switch strings.ToLower(compressionType) {
	case "", "none":
		return pulsar.NoCompression, nil
	case "lz4":
		return pulsar.LZ4, nil
	case "zlib":
		return pulsar.ZLib, nil
	case "zstd":
		return pulsar.ZSTD, nil
	default:
		return pulsar.NoCompression, errors.Errorf("unknown pulsar compression type %q", compressionType)
	}
}
