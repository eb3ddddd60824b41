package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/symbols"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// Okx v5 public channel:
//
//	{"op":"subscribe","args":[{"channel":"trades","instId":"BTC-USDT"}]}
type Okx struct {
	base
}

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxRequest struct {
	Op   string   `json:"op"`
	Args []okxArg `json:"args"`
}

func NewOkx() *Okx {
	return &Okx{base{name: symbols.Okx, formats: []Format{FormatJSON}}}
}

func (o *Okx) CreateSubscribeMessage(pairs []models.CurrencyPair, format Format) (WireMessage, error) {
	return o.build("subscribe", pairs, format)
}

func (o *Okx) CreateUnsubscribeMessage(pairs []models.CurrencyPair, format Format) (WireMessage, error) {
	return o.build("unsubscribe", pairs, format)
}

// Heartbeat is the bare "ping" text okx answers with "pong".
func (o *Okx) Heartbeat() WireMessage {
	return WireMessage{Payload: []byte("ping")}
}

func (o *Okx) build(op string, pairs []models.CurrencyPair, format Format) (WireMessage, error) {
	if _, err := o.resolve(pairs, format); err != nil {
		return WireMessage{}, err
	}
	args := make([]okxArg, 0, len(pairs))
	for _, p := range models.UniquePairs(pairs) {
		inst, _ := symbols.Format(symbols.Okx, p)
		args = append(args, okxArg{Channel: "trades", InstID: inst})
	}
	data, err := json.Marshal(okxRequest{Op: op, Args: args})
	if err != nil {
		return WireMessage{}, fmt.Errorf("encode okx %s: %w", op, err)
	}
	return WireMessage{Payload: data}, nil
}
