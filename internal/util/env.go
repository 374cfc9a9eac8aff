// Package util holds small helpers shared by the ChannelFlow command and its
// transports: environment parsing and random identifiers.
package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// EnvOr returns the value of key, or def when it is unset or blank.
func EnvOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// ParseBoolEnv reads a boolean variable. true/1/yes/on and false/0/no/off are
// accepted in any case; anything else falls back to def.
func ParseBoolEnv(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("ParseBoolEnv: invalid boolean value, using default", "key", key, "value", val, "default", def)
	return def
}

// ParseIntEnv reads an integer variable, falling back to def when unset or invalid.
func ParseIntEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("ParseIntEnv: invalid integer value, using default", "key", key, "value", val, "default", def)
		return def
	}
	return n
}
