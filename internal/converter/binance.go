package converter

import (
	json "github.com/goccy/go-json"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// Binance reuses single letters in both cases ("e"/"E", "m"/"M"). Every
// key of a trade event is declared so none folds onto its lower-case twin.
type binanceEnvelope struct {
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"e"`
	EventTime json.Number     `json:"E"`
	Result    json.RawMessage `json:"result"`
	ID        json.RawMessage `json:"id"`
	Code      json.RawMessage `json:"code"`
}

type binanceTrade struct {
	Event      string      `json:"e"`
	EventTime  json.Number `json:"E"`
	Symbol     string      `json:"s" validate:"required"`
	TradeID    json.Number `json:"t"`
	Price      string      `json:"p" validate:"required"`
	Quantity   string      `json:"q" validate:"required"`
	TradeTime  json.Number `json:"T" validate:"required"`
	BuyerMaker bool        `json:"m"`
	Ignore     bool        `json:"M"`
}

// Binance decodes raw and combined-stream trade events.
type Binance struct{}

func NewBinance() *Binance { return &Binance{} }

func (*Binance) Exchange() string { return "binance" }

func (b *Binance) Parse(msg models.ExchangeMessage) ([]models.StandardExchangeData, error) {
	if !isJSONObject(msg.Payload) {
		return nil, malformed(b.Exchange(), "payload is not a JSON object")
	}
	var env binanceEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, &MalformedPayloadError{Exchange: b.Exchange(), Err: err}
	}

	payload := msg.Payload
	if env.Stream != "" && len(env.Data) > 0 {
		payload = env.Data
		env = binanceEnvelope{}
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, &MalformedPayloadError{Exchange: b.Exchange(), Err: err}
		}
	}
	// subscription acks carry result/id, errors carry code
	if env.Event == "" && (len(env.Result) > 0 || len(env.ID) > 0 || len(env.Code) > 0) {
		return nil, ErrNotTradeFrame
	}
	if env.Event != "trade" {
		return nil, ErrNotTradeFrame
	}

	var t binanceTrade
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, &MalformedPayloadError{Exchange: b.Exchange(), Err: err}
	}
	if err := checkStruct(b.Exchange(), t); err != nil {
		return nil, err
	}
	price, err := parseDecimal(b.Exchange(), "price", t.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal(b.Exchange(), "quantity", t.Quantity)
	if err != nil {
		return nil, err
	}

	// the buyer being the maker means the taker sold
	side := models.SideBuy
	if t.BuyerMaker {
		side = models.SideSell
	}
	return []models.StandardExchangeData{{
		Exchange:      b.Exchange(),
		Symbol:        t.Symbol,
		Price:         price,
		Quantity:      qty,
		Side:          side,
		RawTimestamp:  t.TradeTime.String(),
		TimestampKind: models.TimestampMillis,
		TradeID:       t.TradeID.String(),
		ReceivedAt:    msg.ReceivedAt,
	}}, nil
}
