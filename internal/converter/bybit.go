package converter

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/protocol"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

type bybitFrame struct {
	Topic   string          `json:"topic"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type bybitTrade struct {
	Time     json.Number `json:"T" validate:"required"`
	Symbol   string      `json:"s" validate:"required"`
	Side     string      `json:"S" validate:"omitempty,oneof=Buy Sell"`
	Volume   string      `json:"v" validate:"required"`
	Price    string      `json:"p" validate:"required"`
	TradeID  string      `json:"i"`
	Sequence json.Number `json:"seq"`
}

// Bybit decodes v5 publicTrade topics.
type Bybit struct{}

func NewBybit() *Bybit { return &Bybit{} }

func (*Bybit) Exchange() string { return "bybit" }

func (b *Bybit) Parse(msg models.ExchangeMessage) ([]models.StandardExchangeData, error) {
	if !isJSONObject(msg.Payload) {
		return nil, malformed(b.Exchange(), "payload is not a JSON object")
	}
	var frame bybitFrame
	if err := json.Unmarshal(msg.Payload, &frame); err != nil {
		return nil, &MalformedPayloadError{Exchange: b.Exchange(), Err: err}
	}
	if frame.Op != "" || frame.Success != nil {
		return nil, ErrNotTradeFrame
	}
	if !strings.HasPrefix(frame.Topic, protocol.BybitTradePrefix) {
		return nil, ErrNotTradeFrame
	}

	var trades []bybitTrade
	if err := json.Unmarshal(frame.Data, &trades); err != nil {
		return nil, &MalformedPayloadError{Exchange: b.Exchange(), Err: err}
	}
	if len(trades) == 0 {
		return nil, ErrNotTradeFrame
	}

	out := make([]models.StandardExchangeData, 0, len(trades))
	for _, t := range trades {
		if err := checkStruct(b.Exchange(), t); err != nil {
			return nil, err
		}
		price, err := parseDecimal(b.Exchange(), "price", t.Price)
		if err != nil {
			return nil, err
		}
		qty, err := parseDecimal(b.Exchange(), "volume", t.Volume)
		if err != nil {
			return nil, err
		}
		out = append(out, models.StandardExchangeData{
			Exchange:      b.Exchange(),
			Symbol:        t.Symbol,
			Price:         price,
			Quantity:      qty,
			Side:          models.Side(strings.ToLower(t.Side)),
			RawTimestamp:  t.Time.String(),
			TimestampKind: models.TimestampMillis,
			TradeID:       t.TradeID,
			Sequence:      t.Sequence.String(),
			ReceivedAt:    msg.ReceivedAt,
		})
	}
	return out, nil
}
