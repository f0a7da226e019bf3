// Package locale resolves how many locales the server should span.
package locale

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// EnvComm names the communication substrate the server was built for.
	EnvComm = "CHPL_COMM"
	// EnvNumLocales carries an explicit default locale count.
	EnvNumLocales = "ARKOUDA_NUMLOCALES"

	commNone = "none"
	// multiLocaleDefault is used when a multi-locale substrate is configured
	// without a count.
	multiLocaleDefault = 2
)

// ErrConfiguration matches every ConfigurationError via errors.Is.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError reports that no usable locale count could be determined.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "no locale count available"
	}
	return fmt.Sprintf("resolve locale count: %s", reason)
}

// Is enables errors.Is checks against ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	if target == ErrConfiguration {
		return true
	}
	_, ok := target.(*ConfigurationError)
	return ok
}

// LookupEnv reads one environment variable.
type LookupEnv func(key string) (string, bool)

// Resolver picks the locale count from an override or the environment.
type Resolver struct {
	lookup         LookupEnv
	configuredBase int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(lookup LookupEnv) Option {
	return func(r *Resolver) {
		if lookup != nil {
			r.lookup = lookup
		}
	}
}

// WithConfiguredDefault sets the default_locales value from configuration.
// Non-positive values are ignored.
func WithConfiguredDefault(count int) Option {
	return func(r *Resolver) {
		if count > 0 {
			r.configuredBase = count
		}
	}
}

// NewResolver builds a resolver reading the process environment.
func NewResolver(options ...Option) *Resolver {
	resolver := &Resolver{lookup: os.LookupEnv}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(resolver)
	}
	return resolver
}

// Resolve returns override when it is positive. Otherwise the default is taken,
// in order, from CHPL_COMM=none, ARKOUDA_NUMLOCALES, the configured default,
// and any other CHPL_COMM setting.
func (r *Resolver) Resolve(override *int) (int, error) {
	if override != nil && *override > 0 {
		return *override, nil
	}
	if r == nil {
		return 0, &ConfigurationError{Reason: "resolver is nil"}
	}

	comm, commSet := r.env(EnvComm)
	if commSet && strings.EqualFold(comm, commNone) {
		return 1, nil
	}

	if raw, ok := r.env(EnvNumLocales); ok {
		count, err := strconv.Atoi(raw)
		if err != nil || count <= 0 {
			return 0, &ConfigurationError{
				Reason: fmt.Sprintf("%s=%q is not a positive integer", EnvNumLocales, raw),
			}
		}
		return count, nil
	}

	if r.configuredBase > 0 {
		return r.configuredBase, nil
	}

	if commSet {
		return multiLocaleDefault, nil
	}

	return 0, &ConfigurationError{
		Reason: fmt.Sprintf("no override given and neither %s nor %s is set", EnvComm, EnvNumLocales),
	}
}

func (r *Resolver) env(key string) (string, bool) {
	value, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}
