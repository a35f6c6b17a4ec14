package acqengine

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can spell durations as
// "30s" or "5m". TOML decodes it through encoding.TextUnmarshaler, YAML
// through yaml.Unmarshaler.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses "30s"-style duration strings (TOML, JSON).
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML parses either a duration string or a plain number of
// nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		return d.UnmarshalText([]byte(asString))
	}
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}
	return fmt.Errorf("cannot parse %q as a duration", value.Value)
}

// EngineConfig configures an ExecutionEngine. The zero value is not meant to
// be used directly; start from DefaultEngineConfig or load from a file.
type EngineConfig struct {
	// MaxAnonymousWorkers caps how many anonymous workers free-thread
	// submissions may spawn. 0 means unlimited. When the cap is reached,
	// free-thread submissions fall back to the main worker with a warning.
	MaxAnonymousWorkers int `json:"maxAnonymousWorkers" yaml:"maxAnonymousWorkers" toml:"maxAnonymousWorkers" env:"MAX_ANONYMOUS_WORKERS"`

	// ShutdownTimeout bounds how long Close waits for workers to drain.
	ShutdownTimeout Duration `json:"shutdownTimeout" yaml:"shutdownTimeout" toml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`

	// NotificationQueueWarnSize logs a warning when the notification queue
	// grows past this depth, indicating a slow subscriber. 0 disables the
	// check.
	NotificationQueueWarnSize int `json:"notificationQueueWarnSize" yaml:"notificationQueueWarnSize" toml:"notificationQueueWarnSize" env:"NOTIFICATION_QUEUE_WARN_SIZE"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxAnonymousWorkers:       0,
		ShutdownTimeout:           Duration(30 * time.Second),
		NotificationQueueWarnSize: 10000,
	}
}

// Validate checks the configuration for out-of-range values.
func (c EngineConfig) Validate() error {
	if c.MaxAnonymousWorkers < 0 {
		return fmt.Errorf("maxAnonymousWorkers must be >= 0, got %d", c.MaxAnonymousWorkers)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdownTimeout must be >= 0, got %s", c.ShutdownTimeout)
	}
	if c.NotificationQueueWarnSize < 0 {
		return fmt.Errorf("notificationQueueWarnSize must be >= 0, got %d", c.NotificationQueueWarnSize)
	}
	return nil
}

// LoadEngineConfig reads an engine configuration from a YAML or TOML file
// (selected by extension), starting from the defaults.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse toml config %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension %q (want .yaml, .yml or .toml)", ext)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto the configuration. Each field
// tagged `env:"NAME"` is read from prefix+NAME; unset variables leave the
// field untouched. Values are cast to the field's type.
func (c *EngineConfig) ApplyEnv(prefix string) error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := os.LookupEnv(prefix + tag)
		if !ok {
			continue
		}
		field := v.Field(i)
		if field.Type() == reflect.TypeOf(Duration(0)) {
			var d Duration
			if err := d.UnmarshalText([]byte(raw)); err != nil {
				return fmt.Errorf("env %s%s: %w", prefix, tag, err)
			}
			field.Set(reflect.ValueOf(d))
			continue
		}
		value, err := cast.FromString(raw, field.Kind().String())
		if err != nil {
			return fmt.Errorf("env %s%s: %w", prefix, tag, err)
		}
		field.Set(reflect.ValueOf(value).Convert(field.Type()))
	}
	return c.Validate()
}
