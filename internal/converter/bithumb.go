package converter

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

const (
	// BithumbTimeLayout is the layout of contDtm, local to BithumbTimeZone.
	BithumbTimeLayout = "2006-01-02 15:04:05.000000"
	BithumbTimeZone   = "Asia/Seoul"
)

type bithumbFrame struct {
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	ResMsg  string          `json:"resmsg"`
	Content json.RawMessage `json:"content"`
}

type bithumbContent struct {
	List []bithumbTrade `json:"list"`
}

type bithumbTrade struct {
	Symbol    string `json:"symbol" validate:"required"`
	BuySellGb string `json:"buySellGb" validate:"omitempty,oneof=1 2"`
	ContPrice string `json:"contPrice" validate:"required"`
	ContQty   string `json:"contQty" validate:"required"`
	ContDtm   string `json:"contDtm" validate:"required"`
}

// Bithumb decodes "transaction" frames. Bithumb publishes no trade id; the
// Sequence carries the fill's position in the list plus price, quantity and
// side so the normalizer can derive a stable one.
type Bithumb struct{}

func NewBithumb() *Bithumb { return &Bithumb{} }

func (*Bithumb) Exchange() string { return "bithumb" }

func (b *Bithumb) Parse(msg models.ExchangeMessage) ([]models.StandardExchangeData, error) {
	if !isJSONObject(msg.Payload) {
		return nil, malformed(b.Exchange(), "payload is not a JSON object")
	}
	var frame bithumbFrame
	if err := json.Unmarshal(msg.Payload, &frame); err != nil {
		return nil, &MalformedPayloadError{Exchange: b.Exchange(), Err: err}
	}
	// {"status":"0000","resmsg":"Connected Successfully"} and friends
	if frame.Type != "transaction" {
		return nil, ErrNotTradeFrame
	}
	if len(frame.Content) == 0 {
		return nil, malformed(b.Exchange(), "transaction frame without content")
	}
	var content bithumbContent
	if err := json.Unmarshal(frame.Content, &content); err != nil {
		return nil, &MalformedPayloadError{Exchange: b.Exchange(), Err: err}
	}
	if len(content.List) == 0 {
		return nil, ErrNotTradeFrame
	}

	out := make([]models.StandardExchangeData, 0, len(content.List))
	for i, t := range content.List {
		if err := checkStruct(b.Exchange(), t); err != nil {
			return nil, err
		}
		price, err := parseDecimal(b.Exchange(), "contPrice", t.ContPrice)
		if err != nil {
			return nil, err
		}
		qty, err := parseDecimal(b.Exchange(), "contQty", t.ContQty)
		if err != nil {
			return nil, err
		}
		side := models.SideUnknown
		switch t.BuySellGb {
		case "1":
			side = models.SideSell
		case "2":
			side = models.SideBuy
		}
		out = append(out, models.StandardExchangeData{
			Exchange:        b.Exchange(),
			Symbol:          t.Symbol,
			Price:           price,
			Quantity:        qty,
			Side:            side,
			RawTimestamp:    t.ContDtm,
			TimestampKind:   models.TimestampLayout,
			TimestampLayout: BithumbTimeLayout,
			TimestampZone:   BithumbTimeZone,
			Sequence:        strings.Join([]string{strconv.Itoa(i), t.ContPrice, t.ContQty, t.BuySellGb}, ":"),
			ReceivedAt:      msg.ReceivedAt,
		})
	}
	return out, nil
}
