package processor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/symbols"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// Drop reasons reported with trades_dropped metrics.
const (
	ReasonSymbol     = "symbol"
	ReasonTimestamp  = "timestamp"
	ReasonValidation = "validation"
)

// tradeIDNamespace scopes synthesized trade ids.
var tradeIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tradeflow/trade-id"))

// TimestampParseError is returned when an exchange timestamp cannot be read.
type TimestampParseError struct {
	Exchange string
	Raw      string
	Kind     models.TimestampKind
	Err      error
}

func (e *TimestampParseError) Error() string {
	return fmt.Sprintf("%s timestamp %q (%s): %v", e.Exchange, e.Raw, kindName(e.Kind), e.Err)
}

func (e *TimestampParseError) Unwrap() error { return e.Err }

func kindName(k models.TimestampKind) string {
	if k == models.TimestampAuto {
		return "auto"
	}
	return string(k)
}

// QuoteSource supplies the quote currencies used to split concatenated symbols.
type QuoteSource interface {
	SupportedQuotes(exchange string) []string
}

// Normalizer turns converter output into canonical trades. It keeps no
// per-trade state and is shared by every pipeline.
type Normalizer struct {
	quotes    QuoteSource
	locations sync.Map // zone name -> *time.Location
	log       *logger.Log
}

func NewNormalizer(quotes QuoteSource) *Normalizer {
	return &Normalizer{quotes: quotes, log: logger.GetLogger()}
}

// Normalize validates d and maps it to a NormalizedMessage. Pairs are decoded
// with the same symbol mapper the protocol adapters encode with, so a
// subscribed BTC/USDT comes back as BTC and USDT.
func (n *Normalizer) Normalize(d models.StandardExchangeData) (models.NormalizedMessage, error) {
	if strings.TrimSpace(d.Symbol) == "" {
		return models.NormalizedMessage{}, &models.ValidationError{Field: "symbol", Reason: "required"}
	}
	var quotes []string
	if n.quotes != nil {
		quotes = n.quotes.SupportedQuotes(d.Exchange)
	}
	pair, err := symbols.Parse(d.Exchange, d.Symbol, quotes)
	if err != nil {
		return models.NormalizedMessage{}, &models.ValidationError{Field: "symbol", Reason: err.Error()}
	}

	ts, err := n.timestamp(d)
	if err != nil {
		return models.NormalizedMessage{}, err
	}

	tradeID := strings.TrimSpace(d.TradeID)
	if tradeID == "" {
		tradeID = SyntheticTradeID(d.Exchange, pair, ts, d.Sequence)
	}

	return models.NewNormalizedMessage(d.Exchange, pair, d.Price, d.Quantity, ts, tradeID, d.Side)
}

// SyntheticTradeID derives a stable id so redelivered trades stay detectable.
func SyntheticTradeID(exchange string, pair models.CurrencyPair, ts time.Time, sequence string) string {
	key := strings.Join([]string{
		strings.ToLower(exchange),
		pair.Base,
		pair.Quote,
		strconv.FormatInt(ts.UTC().UnixNano(), 10),
		sequence,
	}, "|")
	return uuid.NewSHA1(tradeIDNamespace, []byte(key)).String()
}

// DropReason classifies a Normalize error for metrics.
func DropReason(err error) string {
	var terr *TimestampParseError
	if errors.As(err, &terr) {
		return ReasonTimestamp
	}
	var verr *models.ValidationError
	if errors.As(err, &verr) && verr.Field == "symbol" {
		return ReasonSymbol
	}
	return ReasonValidation
}

func (n *Normalizer) timestamp(d models.StandardExchangeData) (time.Time, error) {
	raw := strings.TrimSpace(d.RawTimestamp)
	fail := func(err error) (time.Time, error) {
		return time.Time{}, &TimestampParseError{Exchange: d.Exchange, Raw: d.RawTimestamp, Kind: d.TimestampKind, Err: err}
	}
	if raw == "" {
		return fail(errors.New("empty"))
	}

	var (
		ts  time.Time
		err error
	)
	switch d.TimestampKind {
	case models.TimestampSeconds:
		ts, err = parseSeconds(raw)
	case models.TimestampMillis:
		ts, err = parseInteger(raw, time.UnixMilli)
	case models.TimestampMicros:
		ts, err = parseInteger(raw, time.UnixMicro)
	case models.TimestampLayout:
		ts, err = n.parseLayout(raw, d.TimestampLayout, d.TimestampZone)
	case models.TimestampAuto:
		ts, err = parseAuto(raw)
	default:
		err = fmt.Errorf("unknown timestamp kind %q", d.TimestampKind)
	}
	if err != nil {
		return fail(err)
	}
	if ts.Unix() <= 0 {
		return fail(errors.New("not after the unix epoch"))
	}
	return ts.UTC(), nil
}

func parseInteger(raw string, conv func(int64) time.Time) (time.Time, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return conv(v), nil
}

// parseSeconds accepts fractional seconds without going through float64.
func parseSeconds(raw string) (time.Time, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return time.Time{}, err
	}
	ns := d.Shift(9).IntPart()
	return time.Unix(0, ns), nil
}

// parseAuto guesses the epoch unit from the digit count and falls back to RFC 3339.
func parseAuto(raw string) (time.Time, error) {
	if strings.Contains(raw, ".") && !strings.Contains(raw, "T") {
		return parseSeconds(raw)
	}
	if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
		return time.Parse(time.RFC3339Nano, raw)
	}
	switch n := len(strings.TrimLeft(raw, "-")); {
	case n <= 10:
		return parseInteger(raw, func(v int64) time.Time { return time.Unix(v, 0) })
	case n <= 13:
		return parseInteger(raw, time.UnixMilli)
	case n <= 16:
		return parseInteger(raw, time.UnixMicro)
	default:
		return parseInteger(raw, func(v int64) time.Time { return time.Unix(0, v) })
	}
}

func (n *Normalizer) parseLayout(raw, layout, zone string) (time.Time, error) {
	if layout == "" {
		return time.Time{}, errors.New("missing layout")
	}
	loc, err := n.location(zone)
	if err != nil {
		return time.Time{}, err
	}
	return time.ParseInLocation(layout, raw, loc)
}

func (n *Normalizer) location(zone string) (*time.Location, error) {
	if zone == "" || zone == "UTC" {
		return time.UTC, nil
	}
	if v, ok := n.locations.Load(zone); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		if zone != "Asia/Seoul" {
			return nil, err
		}
		// Korea has no DST; a fixed zone works when tzdata is missing.
		loc = time.FixedZone("KST", 9*60*60)
	}
	n.locations.Store(zone, loc)
	return loc, nil
}
