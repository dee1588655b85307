package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envPrefix namespaces every runtime variable.
const envPrefix = "PAIRLINK_"

// envReader reads prefixed environment variables. Each helper returns def when the
// variable is unset, blank or unparsable, so a file-loaded value survives a bad override.
type envReader struct {
	lookup func(string) (string, bool)
}

func osEnv() envReader { return envReader{lookup: os.LookupEnv} }

func (e envReader) raw(key string) (string, bool) {
	if e.lookup == nil {
		return "", false
	}
	v, ok := e.lookup(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// String reads a string variable with a default.
func (e envReader) String(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

// Bool reads a bool variable with a default.
func (e envReader) Bool(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int reads a non-negative int variable with a default.
func (e envReader) Int(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// Int32 reads a non-negative int32 variable with a default.
func (e envReader) Int32(key string, def int32) int32 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// Duration reads a duration variable with a default. "0" or "0s" is accepted and
// disables whatever the duration bounds.
func (e envReader) Duration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
