package protocol

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/symbols"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// Binance speaks the spot stream method protocol:
//
//	{"method":"SUBSCRIBE","params":["btcusdt@trade"],"id":1}
type Binance struct {
	base
}

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func NewBinance() *Binance {
	return &Binance{base{name: symbols.Binance, formats: []Format{FormatJSON}}}
}

func (b *Binance) CreateSubscribeMessage(pairs []models.CurrencyPair, format Format) (WireMessage, error) {
	return b.build("SUBSCRIBE", pairs, format)
}

func (b *Binance) CreateUnsubscribeMessage(pairs []models.CurrencyPair, format Format) (WireMessage, error) {
	return b.build("UNSUBSCRIBE", pairs, format)
}

// BinanceTradeStream is the stream name for a pair's trade channel.
func BinanceTradeStream(p models.CurrencyPair) string {
	sym, _ := symbols.Format(symbols.Binance, p)
	return sym + "@trade"
}

func (b *Binance) build(method string, pairs []models.CurrencyPair, format Format) (WireMessage, error) {
	if _, err := b.resolve(pairs, format); err != nil {
		return WireMessage{}, err
	}
	streams := make([]string, 0, len(pairs))
	for _, p := range models.UniquePairs(pairs) {
		streams = append(streams, BinanceTradeStream(p))
	}
	req := binanceRequest{
		Method: method,
		Params: streams,
		ID:     requestID(method, strings.Join(streams, ",")),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return WireMessage{}, fmt.Errorf("encode binance %s: %w", strings.ToLower(method), err)
	}
	return WireMessage{Payload: data}, nil
}
