// Package protocol builds the subscribe and unsubscribe frames each exchange
// expects. Adapters are stateless and safe to share between connections.
package protocol

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// Format is an exchange specific serialization dialect hint.
type Format string

const (
	// FormatDefault selects the adapter's first declared format.
	FormatDefault Format = ""
	FormatJSON    Format = "json"
	// FormatSimple and FormatVerbose are upbit's abbreviated and full field layouts.
	FormatSimple  Format = "simple"
	FormatVerbose Format = "default"
)

// WireMessage is the exact payload written to the transport.
type WireMessage struct {
	Payload []byte
	Binary  bool
}

func (m WireMessage) String() string {
	return string(m.Payload)
}

// Adapter isolates every exchange quirk behind one contract.
type Adapter interface {
	Name() string
	Supports(exchange string) bool
	// Formats lists accepted format hints; the first entry is the default.
	Formats() []Format
	CreateSubscribeMessage(pairs []models.CurrencyPair, format Format) (WireMessage, error)
	CreateUnsubscribeMessage(pairs []models.CurrencyPair, format Format) (WireMessage, error)
}

// KeepAliver is implemented by adapters whose exchange expects an
// application level heartbeat besides websocket pings.
type KeepAliver interface {
	Heartbeat() WireMessage
}

// Replacer is implemented by adapters whose exchange treats each subscribe
// frame as the complete set for the connection rather than an addition.
type Replacer interface {
	ReplacesSubscription() bool
}

// ReplacesSubscription reports whether frames built by a replace the
// connection's whole subscription.
func ReplacesSubscription(a Adapter) bool {
	r, ok := a.(Replacer)
	return ok && r.ReplacesSubscription()
}

// UnsupportedFormatError is returned when an adapter cannot encode the hint.
type UnsupportedFormatError struct {
	Exchange string
	Format   Format
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("exchange %s does not support message format %q", e.Exchange, e.Format)
}

// UnsupportedExchangeError is returned when no adapter claims an exchange.
type UnsupportedExchangeError struct {
	Exchange string
}

func (e *UnsupportedExchangeError) Error() string {
	return fmt.Sprintf("unsupported exchange %q", e.Exchange)
}

// ErrNoPairs is returned when a frame is requested for an empty pair list.
var ErrNoPairs = errors.New("no currency pairs given")

// base carries the name and format handling shared by every adapter.
type base struct {
	name    string
	formats []Format
}

func (b base) Name() string { return b.name }

func (b base) Supports(exchange string) bool {
	return strings.EqualFold(strings.TrimSpace(exchange), b.name)
}

func (b base) Formats() []Format {
	out := make([]Format, len(b.formats))
	copy(out, b.formats)
	return out
}

// resolve validates the hint and the pair list, returning the effective format.
func (b base) resolve(pairs []models.CurrencyPair, format Format) (Format, error) {
	if len(pairs) == 0 {
		return "", ErrNoPairs
	}
	hint := Format(strings.ToLower(strings.TrimSpace(string(format))))
	if hint == FormatDefault {
		return b.formats[0], nil
	}
	for _, f := range b.formats {
		if f == hint {
			return f, nil
		}
	}
	return "", &UnsupportedFormatError{Exchange: b.name, Format: format}
}

// requestID derives a stable positive id from the frame contents so identical
// requests always serialize identically.
func requestID(parts ...string) int64 {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return int64(h.Sum32()&0x7fffffff) + 1
}

var ticketNamespace = uuid.MustParse("6f1d0c3e-5b7a-4d8e-9a61-2c4b7e9f0a13")

// ticket is a deterministic name based uuid used where exchanges want a string id.
func ticket(parts ...string) string {
	return uuid.NewSHA1(ticketNamespace, []byte(strings.Join(parts, "|"))).String()
}

// Registry is the closed dispatch table of adapters, built once at startup.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry returns a registry holding every supported exchange.
func NewRegistry() *Registry {
	return NewRegistryOf(
		NewBinance(),
		NewUpbit(),
		NewBithumb(),
		NewBybit(),
		NewOkx(),
	)
}

// NewRegistryOf builds a registry from the given adapters. Later adapters with
// a duplicate name replace earlier ones.
func NewRegistryOf(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[strings.ToLower(a.Name())] = a
	}
	return r
}

// Lookup resolves an adapter case-insensitively.
func (r *Registry) Lookup(exchange string) (Adapter, error) {
	key := strings.ToLower(strings.TrimSpace(exchange))
	if a, ok := r.adapters[key]; ok && a.Supports(exchange) {
		return a, nil
	}
	return nil, &UnsupportedExchangeError{Exchange: exchange}
}

// Names lists the registered exchanges in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
