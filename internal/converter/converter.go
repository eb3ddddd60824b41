// Package converter decodes raw exchange frames into StandardExchangeData.
// Each exchange has its own schema; a Registry dispatches on the frame's
// exchange tag and hands results back asynchronously.
package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/protocol"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// ErrNotTradeFrame marks protocol chatter such as pongs, subscription acks,
// status and error frames. Callers skip these without counting a failure.
var ErrNotTradeFrame = errors.New("not a trade frame")

// MalformedPayloadError is returned for frames that claim to be trades but
// cannot be decoded.
type MalformedPayloadError struct {
	Exchange string
	Err      error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Exchange, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

func malformed(exchange string, format string, args ...any) error {
	return &MalformedPayloadError{Exchange: exchange, Err: fmt.Errorf(format, args...)}
}

// Converter decodes one exchange's frames. A frame may carry several trades.
type Converter interface {
	Exchange() string
	Parse(msg models.ExchangeMessage) ([]models.StandardExchangeData, error)
}

// Result is the deferred outcome of Registry.Convert.
type Result struct {
	Trades []models.StandardExchangeData
	Err    error
}

// Registry maps exchange names to converters.
type Registry struct {
	converters map[string]Converter
}

// NewRegistry returns a registry holding every built-in converter.
func NewRegistry() *Registry {
	return NewRegistryOf(NewBinance(), NewUpbit(), NewBithumb(), NewBybit(), NewOkx())
}

func NewRegistryOf(converters ...Converter) *Registry {
	r := &Registry{converters: make(map[string]Converter, len(converters))}
	for _, c := range converters {
		r.converters[strings.ToLower(c.Exchange())] = c
	}
	return r
}

// Lookup finds the converter whose exchange name equals exchange.
func (r *Registry) Lookup(exchange string) (Converter, error) {
	c, ok := r.converters[strings.ToLower(exchange)]
	if !ok {
		return nil, &protocol.UnsupportedExchangeError{Exchange: exchange}
	}
	return c, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.converters))
	for name := range r.converters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Convert parses msg on its own goroutine. The returned channel yields exactly
// one Result and is then closed; it never blocks the sender.
func (r *Registry) Convert(ctx context.Context, msg models.ExchangeMessage) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		if err := ctx.Err(); err != nil {
			out <- Result{Err: err}
			return
		}
		c, err := r.Lookup(msg.Exchange)
		if err != nil {
			out <- Result{Err: err}
			return
		}
		trades, err := c.Parse(msg)
		out <- Result{Trades: trades, Err: err}
	}()
	return out
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

func checkStruct(exchange string, v any) error {
	if err := structValidator().Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return malformed(exchange, "field %s failed %s", verrs[0].Field(), verrs[0].Tag())
		}
		return &MalformedPayloadError{Exchange: exchange, Err: err}
	}
	return nil
}

// parseDecimal reads the exchange's own text so no float rounding is introduced.
func parseDecimal(exchange, field, text string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Decimal{}, malformed(exchange, "%s %q: %v", field, text, err)
	}
	return d, nil
}

func isJSONObject(payload []byte) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
