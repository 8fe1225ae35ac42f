package hardening

import (
	"errors"
	"fmt"
	"strings"
)

type Options struct {
	Service                    string
	Environment                string
	StrictProdSecurity         string
	AuditEnabled               bool
	AuditHashSalt              string
	DatabaseRequireTLS         string
	RedisAddr                  string
	RedisRequireTLS            string
	RedisTLSInsecure           string
	RedisAllowInsecureTLS      string
	CORSAllowedOrigins         string
	EnvironmentEndpointEnabled bool
	VaultSkipTLSVerify         bool
}

// ValidateProduction enforces the production baseline when ENVIRONMENT is
// production-like and STRICT_PROD_SECURITY is not "false". Every violation is
// reported in one joined error.
func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: strict production hardening "+format, append([]any{service}, args...)...))
	}

	if o.EnvironmentEndpointEnabled {
		fail("requires ENVIRONMENT_ENDPOINT_ENABLED=false")
	}
	if o.AuditEnabled {
		if !isTrue(o.DatabaseRequireTLS, false) {
			fail("requires DATABASE_REQUIRE_TLS=true when AUDIT_ENABLED=true")
		}
		if strings.TrimSpace(o.AuditHashSalt) == "" {
			fail("requires AUDIT_HASH_SALT when AUDIT_ENABLED=true")
		}
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			fail("requires REDIS_REQUIRE_TLS=true")
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			fail("forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
		}
	}
	for _, msg := range corsViolations(o.CORSAllowedOrigins) {
		fail("%s", msg)
	}
	return errors.Join(errs...)
}

// Warnings lists settings that are allowed in production but worth flagging.
func Warnings(o Options) []string {
	if !IsProductionLike(o.Environment) {
		return nil
	}
	var out []string
	if o.VaultSkipTLSVerify {
		out = append(out, "vault certificate verification is disabled (VAULT_SKIP_TLS_VERIFY=true)")
	}
	if strings.TrimSpace(o.CORSAllowedOrigins) == "" {
		out = append(out, "CORS_ALLOWED_ORIGINS is empty; browsers cannot call the gateway")
	}
	return out
}

// An empty origin list disables CORS and is acceptable.
func corsViolations(raw string) []string {
	var out []string
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		lower := strings.ToLower(o)
		switch {
		case lower == "*":
			out = append(out, "forbids CORS wildcard origin")
		case strings.HasPrefix(lower, "http://localhost"), strings.HasPrefix(lower, "https://localhost"),
			strings.HasPrefix(lower, "http://127.0.0.1"), strings.HasPrefix(lower, "https://127.0.0.1"):
			out = append(out, fmt.Sprintf("forbids localhost CORS origin %q", o))
		case !strings.HasPrefix(lower, "https://"):
			out = append(out, fmt.Sprintf("requires HTTPS CORS origin, got %q", o))
		}
	}
	return out
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
