package business

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/logging"
)

// Config selects a business type and its options. Options are kept as a
// generic map so that each business decodes its own typed options.
type Config struct {
	Type    string         `json:"type" yaml:"type"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	Restart bool           `json:"restart,omitempty" yaml:"restart,omitempty"`
}

// Options are shared by every business.
type Options struct {
	// IdleTime is the pause after each iteration
	IdleTime time.Duration `mapstructure:"idle_time"`
	// ErrorIdleTime is the pause after a failure before a restart
	ErrorIdleTime time.Duration `mapstructure:"error_idle_time"`
	// LogLevel controls the monkey's private log
	LogLevel string `mapstructure:"log_level"`
}

// DefaultOptions returns the options used for keys a config leaves out.
func DefaultOptions() Options {
	return Options{
		IdleTime:      time.Minute,
		ErrorIdleTime: time.Minute,
		LogLevel:      logging.LevelInfo,
	}
}

// DecodeOptions decodes raw into out, which must be a pointer to a struct
// with mapstructure tags. Keys that out does not know about are ignored so
// that the shared Options and the business-specific options can be decoded
// from the same map. Durations accept Go duration strings ("90s") or a
// number of seconds.
func DecodeOptions(raw map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return errors.NewValidationError("invalid business options").WithField("options").WithCause(err)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsToDurationHook turns numeric values into durations measured in
// seconds, matching how flock files usually express idle times.
func secondsToDurationHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case uint64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

// decodeCommon decodes the shared options from raw on top of the defaults.
func decodeCommon(raw map[string]any) (Options, error) {
	opts := DefaultOptions()
	if err := DecodeOptions(raw, &opts); err != nil {
		return Options{}, err
	}
	if opts.IdleTime < 0 || opts.ErrorIdleTime < 0 {
		return Options{}, errors.NewValidationError("idle times must be non-negative").
			WithField("options").
			WithValue(fmt.Sprintf("idle_time=%s error_idle_time=%s", opts.IdleTime, opts.ErrorIdleTime))
	}
	return opts, nil
}
