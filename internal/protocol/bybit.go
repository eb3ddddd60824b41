package protocol

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/symbols"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// Bybit v5 public spot:
//
//	{"op":"subscribe","args":["publicTrade.BTCUSDT"],"req_id":"..."}
type Bybit struct {
	base
}

type bybitRequest struct {
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
	ReqID string   `json:"req_id,omitempty"`
}

func NewBybit() *Bybit {
	return &Bybit{base{name: symbols.Bybit, formats: []Format{FormatJSON}}}
}

func (b *Bybit) CreateSubscribeMessage(pairs []models.CurrencyPair, format Format) (WireMessage, error) {
	return b.build("subscribe", pairs, format)
}

func (b *Bybit) CreateUnsubscribeMessage(pairs []models.CurrencyPair, format Format) (WireMessage, error) {
	return b.build("unsubscribe", pairs, format)
}

// Heartbeat keeps the bybit session alive; the server drops idle clients after 10 minutes.
func (b *Bybit) Heartbeat() WireMessage {
	data, _ := json.Marshal(bybitRequest{Op: "ping"})
	return WireMessage{Payload: data}
}

// BybitTradePrefix prefixes every public trade topic.
const BybitTradePrefix = "publicTrade."

// BybitTradeTopic is the topic name for a pair's public trades.
func BybitTradeTopic(p models.CurrencyPair) string {
	sym, _ := symbols.Format(symbols.Bybit, p)
	return BybitTradePrefix + sym
}

func (b *Bybit) build(op string, pairs []models.CurrencyPair, format Format) (WireMessage, error) {
	if _, err := b.resolve(pairs, format); err != nil {
		return WireMessage{}, err
	}
	topics := make([]string, 0, len(pairs))
	for _, p := range models.UniquePairs(pairs) {
		topics = append(topics, BybitTradeTopic(p))
	}
	req := bybitRequest{
		Op:    op,
		Args:  topics,
		ReqID: strconv.FormatInt(requestID(op, strings.Join(topics, ",")), 10),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return WireMessage{}, fmt.Errorf("encode bybit %s: %w", op, err)
	}
	return WireMessage{Payload: data}, nil
}
