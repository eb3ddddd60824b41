package converter

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// upbitTrade accepts both the SIMPLE and DEFAULT field layouts; only one set
// is populated per frame.
type upbitTrade struct {
	Ty        string      `json:"ty"`
	Cd        string      `json:"cd"`
	Tp        json.Number `json:"tp"`
	Tv        json.Number `json:"tv"`
	Ab        string      `json:"ab"`
	Ttms      json.Number `json:"ttms"`
	Tms       json.Number `json:"tms"`
	Sid       json.Number `json:"sid"`
	Type      string      `json:"type"`
	Code      string      `json:"code"`
	Price     json.Number `json:"trade_price"`
	Volume    json.Number `json:"trade_volume"`
	AskBid    string      `json:"ask_bid"`
	TradeTime json.Number `json:"trade_timestamp"`
	Timestamp json.Number `json:"timestamp"`
	SeqID     json.Number `json:"sequential_id"`

	Status string          `json:"status"`
	Error  json.RawMessage `json:"error"`
}

// upbitFields is the layout-independent view validated before conversion.
type upbitFields struct {
	Code     string `validate:"required"`
	Price    string `validate:"required"`
	Volume   string `validate:"required"`
	TradeTS  string `validate:"required"`
	AskBid   string `validate:"omitempty,oneof=ASK BID"`
	Sequence string
}

// Upbit decodes trade frames in either SIMPLE or DEFAULT format. Upbit sends
// JSON in binary websocket frames.
type Upbit struct{}

func NewUpbit() *Upbit { return &Upbit{} }

func (*Upbit) Exchange() string { return "upbit" }

func (u *Upbit) Parse(msg models.ExchangeMessage) ([]models.StandardExchangeData, error) {
	if !isJSONObject(msg.Payload) {
		return nil, malformed(u.Exchange(), "payload is not a JSON object")
	}
	var t upbitTrade
	if err := json.Unmarshal(msg.Payload, &t); err != nil {
		return nil, &MalformedPayloadError{Exchange: u.Exchange(), Err: err}
	}
	if t.Status != "" || len(t.Error) > 0 {
		return nil, ErrNotTradeFrame
	}

	var f upbitFields
	switch {
	case t.Ty == "trade":
		f = upbitFields{Code: t.Cd, Price: t.Tp.String(), Volume: t.Tv.String(), AskBid: t.Ab, TradeTS: firstNonEmpty(t.Ttms.String(), t.Tms.String()), Sequence: t.Sid.String()}
	case t.Type == "trade":
		f = upbitFields{Code: t.Code, Price: t.Price.String(), Volume: t.Volume.String(), AskBid: t.AskBid, TradeTS: firstNonEmpty(t.TradeTime.String(), t.Timestamp.String()), Sequence: t.SeqID.String()}
	default:
		return nil, ErrNotTradeFrame
	}
	if err := checkStruct(u.Exchange(), f); err != nil {
		return nil, err
	}

	price, err := parseDecimal(u.Exchange(), "price", f.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal(u.Exchange(), "quantity", f.Volume)
	if err != nil {
		return nil, err
	}

	side := models.SideUnknown
	switch strings.ToUpper(f.AskBid) {
	case "ASK":
		side = models.SideSell
	case "BID":
		side = models.SideBuy
	}
	return []models.StandardExchangeData{{
		Exchange:      u.Exchange(),
		Symbol:        f.Code,
		Price:         price,
		Quantity:      qty,
		Side:          side,
		RawTimestamp:  f.TradeTS,
		TimestampKind: models.TimestampMillis,
		TradeID:       f.Sequence,
		Sequence:      f.Sequence,
		ReceivedAt:    msg.ReceivedAt,
	}}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
