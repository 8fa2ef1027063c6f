package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Payload is one normalized, JSON-serializable result from a source.
type Payload = map[string]any

// Params carries optional per-collect parameters resolved by the caller.
//
// Location is only populated for jobs declared with uses_location; adapters
// that don't need it ignore it.
type Params struct {
	HasLocation bool
	Lat         float64
	Lon         float64
}

// Fetcher is the uniform read contract over a hardware or external-API source.
//
// Implementations must not panic and must honor ctx cancellation where the
// underlying transport allows it; the collector enforces a hard deadline
// externally regardless. Adapters that wrap a single physical device must
// serialize access to it internally.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, p Params) (Payload, error)
}

// Kind classifies a fetch failure.
type Kind string

const (
	KindTimeout      Kind = "timeout"
	KindUnavailable  Kind = "unavailable"  // hardware absent, daemon unreachable
	KindMalformed    Kind = "malformed"    // response parsed but unusable
	KindUnauthorized Kind = "unauthorized" // missing/rejected API key
	KindRemote       Kind = "remote"       // upstream returned an error
)

// FetchError is the only error type adapters should surface.
// Anything else reaching the collector is treated as KindRemote.
type FetchError struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *FetchError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *FetchError) Unwrap() error { return e.cause }

func Errf(kind Kind, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &FetchError{Kind: kind, Message: err.Error(), cause: errors.Unwrap(err)}
}

func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{Kind: kind, Message: err.Error(), cause: err}
}

// Classify maps an arbitrary fetch error onto a Kind.
// Context deadline errors count as timeouts even when an adapter
// forgot to wrap them.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindRemote
}

// IsTimeout reports whether err classifies as an adapter timeout.
func IsTimeout(err error) bool { return Classify(err) == KindTimeout }

// Bindings maps a job's source name to its adapter; resolved once at startup.
type Bindings map[string]Fetcher

func (b Bindings) Resolve(name string) (Fetcher, bool) {
	f, ok := b[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

func (b Bindings) Add(f Fetcher) {
	b[strings.ToLower(strings.TrimSpace(f.Name()))] = f
}

// Names returns the bound source names (unordered).
func (b Bindings) Names() []string {
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	return out
}

// KeyLookup resolves stored provider credentials by name
// (e.g. "OPENWEATHER_API_KEY"). Backed by the store's api_keys table.
type KeyLookup interface {
	APIKey(ctx context.Context, name string) (string, error)
}
