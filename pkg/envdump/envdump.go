// Package envdump renders a read-only view of the process and its environment
// with secret-looking values redacted.
package envdump

import (
	"net/http"
	"os"
	"runtime"
	"strings"

	"microtoken/pkg/httpx"
)

const Redacted = "***REDACTED***"

var secretSegments = map[string]bool{
	"PASSWORD": true, "PASS": true, "SECRET": true, "TOKEN": true,
	"KEY": true, "APIKEY": true, "SALT": true, "CREDENTIAL": true, "CREDENTIALS": true,
	"HEADERS": true,
}

// Variables this service reads that embed secrets without a telling segment.
var secretNames = map[string]bool{
	"DATABASE_URL":                      true,
	"REDIS_URL":                         true,
	"OTEL_EXPORTER_OTLP_HEADERS":        true,
	"OTEL_EXPORTER_OTLP_TRACES_HEADERS": true,
}

type OS struct {
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname,omitempty"`
}

type Runtime struct {
	Version    string `json:"version"`
	NumCPU     int    `json:"numCPU"`
	Goroutines int    `json:"goroutines"`
}

type Process struct {
	PID  int      `json:"pid"`
	Argv []string `json:"argv"`
	Cwd  string   `json:"cwd,omitempty"`
}

type Dump struct {
	OS          OS                `json:"os"`
	Runtime     Runtime           `json:"runtime"`
	Process     Process           `json:"process"`
	Environment map[string]string `json:"environment"`
}

// IsSecret reports whether a variable name looks like it holds a secret. Names
// are matched per underscore-separated segment, so CTS_USERNAME_TOKENIZATION
// stays visible while CTS_PASSWORD_TOKENIZATION does not.
func IsSecret(name string) bool {
	upper := strings.ToUpper(name)
	if secretNames[upper] {
		return true
	}
	for _, seg := range strings.Split(upper, "_") {
		if secretSegments[seg] {
			return true
		}
	}
	return false
}

// Snapshot builds a dump from "KEY=value" pairs as returned by os.Environ.
func Snapshot(environ []string) Dump {
	host, _ := os.Hostname()
	cwd, _ := os.Getwd()
	d := Dump{
		OS:          OS{Platform: runtime.GOOS, Arch: runtime.GOARCH, Hostname: host},
		Runtime:     Runtime{Version: runtime.Version(), NumCPU: runtime.NumCPU(), Goroutines: runtime.NumGoroutine()},
		Process:     Process{PID: os.Getpid(), Argv: append([]string(nil), os.Args...), Cwd: cwd},
		Environment: make(map[string]string, len(environ)),
	}
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		if IsSecret(name) && value != "" {
			value = Redacted
		}
		d.Environment[name] = value
	}
	return d
}

// Handler serves a fresh snapshot per request. environ defaults to os.Environ.
func Handler(environ func() []string) http.HandlerFunc {
	if environ == nil {
		environ = os.Environ
	}
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, Snapshot(environ()))
	}
}
