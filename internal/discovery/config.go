package discovery

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
)

// ConfigError reports an invalid backend setting. It matches
// errors.ErrConfig with errors.Is.
type ConfigError struct {
	Backend string
	Field   string
	Value   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Backend, e.Message)
	}
	if e.Value == "" {
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s=%q: %s", e.Backend, e.Field, e.Value, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

func (e *ConfigError) Is(target error) bool { return target == mesherr.ErrConfig }

// NewConfigError creates a ConfigError for a field validation failure.
func NewConfigError(backend, field, message string) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message}
}

// NewConfigErrorWithValue creates a ConfigError that includes the invalid value.
func NewConfigErrorWithValue(backend, field, value, message string) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Value: value, Message: message}
}

// GetString returns config[key], or def when missing or empty.
func GetString(config map[string]string, key, def string) string {
	if v, ok := config[key]; ok && v != "" {
		return v
	}
	return def
}

// GetBool accepts true/false, 1/0 and yes/no.
func GetBool(config map[string]string, key string, def bool) (bool, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, &ConfigError{Field: key, Value: v, Message: "must be a boolean (true/false, 1/0, yes/no)"}
}

// GetInt parses config[key] as a decimal integer.
func GetInt(config map[string]string, key string, def int) (int, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Field: key, Value: v, Message: "must be an integer", Cause: err}
	}
	return i, nil
}

// GetDuration accepts Go duration strings or plain integers as seconds.
func GetDuration(config map[string]string, key string, def time.Duration) (time.Duration, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, &ConfigError{Field: key, Value: v, Message: "must be a duration (e.g., '5s', '1m30s') or integer seconds"}
}

// GetList splits a comma separated value, dropping blanks.
func GetList(config map[string]string, key string) []string {
	var out []string
	for _, s := range strings.Split(config[key], ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// MergeConfig returns dst overlaid with src.
func MergeConfig(dst, src map[string]string) map[string]string {
	out := make(map[string]string, len(dst)+len(src))
	maps.Copy(out, dst)
	maps.Copy(out, src)
	return out
}

// Field stamps the backend name on a ConfigError returned by a Get helper.
func Field(name string, err error) error {
	if ce, ok := err.(*ConfigError); ok && ce.Backend == "" {
		ce.Backend = name
	}
	return err
}
