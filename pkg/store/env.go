// Package store builds the Redis client and Postgres pool used by the rate
// limiter and the audit trail.
package store

import (
	"os"
	"strings"
)

// Env looks up a configuration variable. os.LookupEnv satisfies it.
type Env func(key string) (string, bool)

// OSEnv is the process environment.
var OSEnv Env = os.LookupEnv

func (e Env) get(key string) string {
	if e == nil {
		return ""
	}
	v, _ := e(key)
	return strings.TrimSpace(v)
}

func (e Env) raw(key string) string {
	if e == nil {
		return ""
	}
	v, _ := e(key)
	return v
}

func (e Env) flag(key string) bool {
	switch strings.ToLower(e.get(key)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
