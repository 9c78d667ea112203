package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the trimmed value of key and whether it is non-blank.
func lookup(key string) (string, bool) {
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

// parsedEnv parses key with parse, keeping fallback when the variable is
// blank or malformed.
func parsedEnv[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := lookup(key)
	if !ok {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		return fallback
	}
	return v
}

func IntEnv(key string, fallback int) int {
	return parsedEnv(key, fallback, strconv.Atoi)
}

func DurationEnv(key string, fallback time.Duration) time.Duration {
	return parsedEnv(key, fallback, time.ParseDuration)
}

// BoolEnv accepts the 1/0, true/false, yes/no and on/off spellings.
func BoolEnv(key string, fallback bool) bool {
	raw, _ := lookup(key)
	return ParseBoolString(raw, fallback)
}

func ParseBoolString(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

// Getenv returns the trimmed value of key, or fallback when unset or blank.
func Getenv(key, fallback string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return fallback
}

// FirstEnv returns the first non-blank value among keys.
func FirstEnv(keys ...string) string {
	for _, key := range keys {
		if val, ok := lookup(key); ok {
			return val
		}
	}
	return ""
}
