// Package credentials loads the named vault credential pairs from process
// configuration and selects the pair a request must authenticate with.
package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"microtoken/pkg/fields"
)

const (
	UsernamePrefix = "CTS_USERNAME_"
	PasswordPrefix = "CTS_PASSWORD_"
	redacted       = "***REDACTED***"
)

var (
	ErrMissingCredential  = errors.New("missing credential")
	ErrUnresolvedSelector = errors.New("unresolved credential selector")
)

// Pair is a vault username/password. String, LogValue and MarshalJSON never
// expose the password.
type Pair struct {
	Username string
	Password string
}

func (p Pair) BasicAuth() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(p.Username+":"+p.Password))
}

func (p Pair) String() string {
	return p.Username + ":" + redacted
}

func (p Pair) LogValue() slog.Value {
	return slog.GroupValue(slog.String("username", p.Username), slog.String("password", redacted))
}

func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{p.Username, redacted})
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Store is read-only after LoadFromEnv.
type Store struct {
	pairs map[string]Pair
}

// NewStore builds a store from explicit pairs keyed by selector.
func NewStore(pairs map[string]Pair) (*Store, error) {
	out := make(map[string]Pair, len(pairs))
	var empty []string
	for sel, pair := range pairs {
		sel = strings.ToUpper(strings.TrimSpace(sel))
		if pair.Username == "" || pair.Password == "" {
			empty = append(empty, sel)
			continue
		}
		out[sel] = pair
	}
	if len(empty) > 0 {
		return nil, fmt.Errorf("%w: empty credential pair(s) %v", ErrMissingCredential, empty)
	}
	return &Store{pairs: out}, nil
}

// LoadFromEnv reads CTS_USERNAME_<SEL>/CTS_PASSWORD_<SEL> for every selector.
// Missing and empty variables are reported together.
func LoadFromEnv(lookup LookupFunc, selectors []string) (*Store, error) {
	var missing, empty []string
	pairs := make(map[string]Pair, len(selectors))
	for _, sel := range selectors {
		sel = strings.ToUpper(strings.TrimSpace(sel))
		if sel == "" {
			continue
		}
		userKey, passKey := UsernamePrefix+sel, PasswordPrefix+sel
		user, userOK := lookup(userKey)
		pass, passOK := lookup(passKey)
		for _, item := range []struct {
			key   string
			value string
			ok    bool
		}{{userKey, user, userOK}, {passKey, pass, passOK}} {
			switch {
			case !item.ok:
				missing = append(missing, item.key)
			case item.value == "":
				empty = append(empty, item.key)
			}
		}
		pairs[sel] = Pair{Username: user, Password: pass}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing environment variable(s): %v", ErrMissingCredential, missing)
	}
	if len(empty) > 0 {
		return nil, fmt.Errorf("%w: empty environment variable(s): %v", ErrMissingCredential, empty)
	}
	return &Store{pairs: pairs}, nil
}

func (s *Store) Get(selector string) (Pair, bool) {
	p, ok := s.pairs[selector]
	return p, ok
}

// Usernames maps each selector to its username, for diagnostics.
func (s *Store) Usernames() map[string]string {
	out := make(map[string]string, len(s.pairs))
	for sel, p := range s.pairs {
		out[sel] = p.Username
	}
	return out
}

type Resolver struct {
	store *Store
}

// NewResolver fails unless every selector of every registered field resolves
// to a configured pair.
func NewResolver(store *Store, registry *fields.Registry) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("credential store required")
	}
	if registry == nil {
		return nil, errors.New("field registry required")
	}
	var unresolved []string
	for _, sel := range registry.Selectors() {
		if _, ok := store.Get(sel); !ok {
			unresolved = append(unresolved, sel)
		}
	}
	if len(unresolved) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvedSelector, unresolved)
	}
	return &Resolver{store: store}, nil
}

// SelectorFor applies the fixed selection rule: tokenize always uses the
// tokenize selector, detokenize uses the clear selector only in Clear mode.
func SelectorFor(spec fields.Spec, op fields.Operation, reveal fields.RevealMode) string {
	if op == fields.Tokenize {
		return spec.Selectors.Tokenize
	}
	if reveal == fields.Clear {
		return spec.Selectors.DetokenizeClear
	}
	return spec.Selectors.Detokenize
}

func (r *Resolver) Resolve(spec fields.Spec, op fields.Operation, reveal fields.RevealMode) (Pair, error) {
	sel := SelectorFor(spec, op, reveal)
	pair, ok := r.store.Get(sel)
	if !ok {
		return Pair{}, fmt.Errorf("%w: %s", ErrUnresolvedSelector, sel)
	}
	return pair, nil
}
