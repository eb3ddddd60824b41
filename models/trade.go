package models

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// RAW ///////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// ExchangeMessage is a raw inbound frame tagged with the exchange it came from.
type ExchangeMessage struct {
	Exchange   string
	Payload    []byte
	Binary     bool
	ReceivedAt time.Time
}

// NewExchangeMessage copies payload so the frame stays immutable once built.
func NewExchangeMessage(exchange string, payload []byte, binary bool, receivedAt time.Time) ExchangeMessage {
	data := make([]byte, len(payload))
	copy(data, payload)
	return ExchangeMessage{
		Exchange:   strings.ToLower(exchange),
		Payload:    data,
		Binary:     binary,
		ReceivedAt: receivedAt,
	}
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// STANDARD //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Side is the taker side of a trade.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = ""
)

// TimestampKind tells the normalizer how RawTimestamp is encoded.
type TimestampKind string

const (
	// TimestampAuto guesses the epoch unit from the number of digits.
	TimestampAuto    TimestampKind = ""
	TimestampSeconds TimestampKind = "seconds"
	TimestampMillis  TimestampKind = "millis"
	TimestampMicros  TimestampKind = "micros"
	// TimestampLayout parses RawTimestamp with TimestampLayout in TimestampZone.
	TimestampLayout TimestampKind = "layout"
)

// StandardExchangeData is the per-exchange converter output. Symbol keeps the
// exchange's own spelling (btcusdt, KRW-BTC, BTC_KRW); the normalizer resolves
// it back into a CurrencyPair.
type StandardExchangeData struct {
	Exchange        string
	Symbol          string
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Side            Side
	RawTimestamp    string
	TimestampKind   TimestampKind
	TimestampLayout string
	TimestampZone   string
	TradeID         string
	Sequence        string
	ReceivedAt      time.Time
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// NORMALIZED ////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// NormalizedMessage is the canonical trade record handed to publishers.
type NormalizedMessage struct {
	Exchange      string          `json:"exchange" validate:"required"`
	Symbol        string          `json:"symbol" validate:"required"`
	QuoteCurrency string          `json:"quote_currency" validate:"required"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Timestamp     time.Time       `json:"timestamp" validate:"required"`
	TradeID       string          `json:"trade_id" validate:"required"`
	Side          Side            `json:"side,omitempty" validate:"omitempty,oneof=buy sell"`
}

// ValidationError reports the field that made a trade unacceptable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// NewNormalizedMessage validates every invariant before returning the record.
// The exchange name is kept as the connector reports it; the timestamp is
// converted to UTC.
func NewNormalizedMessage(exchange string, pair CurrencyPair, price, quantity decimal.Decimal, ts time.Time, tradeID string, side Side) (NormalizedMessage, error) {
	msg := NormalizedMessage{
		Exchange:      strings.TrimSpace(exchange),
		Symbol:        pair.Base,
		QuoteCurrency: pair.Quote,
		Price:         price,
		Quantity:      quantity,
		Timestamp:     ts.UTC(),
		TradeID:       strings.TrimSpace(tradeID),
		Side:          side,
	}

	if msg.Price.IsNegative() {
		return NormalizedMessage{}, &ValidationError{Field: "price", Reason: "negative"}
	}
	if msg.Quantity.IsNegative() {
		return NormalizedMessage{}, &ValidationError{Field: "quantity", Reason: "negative"}
	}

	if err := structValidator().Struct(msg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return NormalizedMessage{}, &ValidationError{Field: jsonFieldName(verrs[0].Field()), Reason: verrs[0].Tag()}
		}
		return NormalizedMessage{}, &ValidationError{Field: "message", Reason: err.Error()}
	}
	return msg, nil
}

// Pair returns the record's currency pair.
func (m NormalizedMessage) Pair() CurrencyPair {
	return CurrencyPair{Base: m.Symbol, Quote: m.QuoteCurrency}
}

// Key groups records of the same market, used for partitioning downstream.
func (m NormalizedMessage) Key() string {
	return m.Exchange + "|" + m.Symbol + "|" + m.QuoteCurrency
}

func jsonFieldName(field string) string {
	switch field {
	case "QuoteCurrency":
		return "quote_currency"
	case "TradeID":
		return "trade_id"
	default:
		return strings.ToLower(field)
	}
}
