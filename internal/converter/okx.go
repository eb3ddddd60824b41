package converter

import (
	"bytes"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

type okxFrame struct {
	Event string `json:"event"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

type okxTrade struct {
	InstID  string `json:"instId" validate:"required"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px" validate:"required"`
	Sz      string `json:"sz" validate:"required"`
	Side    string `json:"side" validate:"omitempty,oneof=buy sell"`
	Ts      string `json:"ts" validate:"required"`
}

// Okx decodes v5 public "trades" channel pushes.
type Okx struct{}

func NewOkx() *Okx { return &Okx{} }

func (*Okx) Exchange() string { return "okx" }

func (o *Okx) Parse(msg models.ExchangeMessage) ([]models.StandardExchangeData, error) {
	if bytes.Equal(bytes.TrimSpace(msg.Payload), []byte("pong")) {
		return nil, ErrNotTradeFrame
	}
	if !isJSONObject(msg.Payload) {
		return nil, malformed(o.Exchange(), "payload is not a JSON object")
	}
	var frame okxFrame
	if err := json.Unmarshal(msg.Payload, &frame); err != nil {
		return nil, &MalformedPayloadError{Exchange: o.Exchange(), Err: err}
	}
	// subscribe, unsubscribe and error events
	if frame.Event != "" || frame.Arg.Channel != "trades" {
		return nil, ErrNotTradeFrame
	}

	var trades []okxTrade
	if err := json.Unmarshal(frame.Data, &trades); err != nil {
		return nil, &MalformedPayloadError{Exchange: o.Exchange(), Err: err}
	}
	if len(trades) == 0 {
		return nil, ErrNotTradeFrame
	}

	out := make([]models.StandardExchangeData, 0, len(trades))
	for _, t := range trades {
		if err := checkStruct(o.Exchange(), t); err != nil {
			return nil, err
		}
		price, err := parseDecimal(o.Exchange(), "px", t.Px)
		if err != nil {
			return nil, err
		}
		qty, err := parseDecimal(o.Exchange(), "sz", t.Sz)
		if err != nil {
			return nil, err
		}
		out = append(out, models.StandardExchangeData{
			Exchange:      o.Exchange(),
			Symbol:        t.InstID,
			Price:         price,
			Quantity:      qty,
			Side:          models.Side(strings.ToLower(t.Side)),
			RawTimestamp:  t.Ts,
			TimestampKind: models.TimestampMillis,
			TradeID:       t.TradeID,
			ReceivedAt:    msg.ReceivedAt,
		})
	}
	return out, nil
}
