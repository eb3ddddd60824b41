package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/symbols"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// Bithumb uses the public transaction channel:
//
//	{"type":"transaction","symbols":["BTC_KRW"]}
//
// A request replaces the symbols of the previous one. The feed has no
// unsubscribe verb; the same envelope flagged snapshot only ends the live
// subscription for those symbols.
type Bithumb struct {
	base
}

type bithumbRequest struct {
	Type           string   `json:"type"`
	Symbols        []string `json:"symbols"`
	IsOnlySnapshot bool     `json:"isOnlySnapshot,omitempty"`
}

func NewBithumb() *Bithumb {
	return &Bithumb{base{name: symbols.Bithumb, formats: []Format{FormatJSON}}}
}

func (*Bithumb) ReplacesSubscription() bool { return true }

func (b *Bithumb) CreateSubscribeMessage(pairs []models.CurrencyPair, format Format) (WireMessage, error) {
	return b.build(pairs, format, false)
}

func (b *Bithumb) CreateUnsubscribeMessage(pairs []models.CurrencyPair, format Format) (WireMessage, error) {
	return b.build(pairs, format, true)
}

func (b *Bithumb) build(pairs []models.CurrencyPair, format Format, snapshotOnly bool) (WireMessage, error) {
	if _, err := b.resolve(pairs, format); err != nil {
		return WireMessage{}, err
	}
	syms := make([]string, 0, len(pairs))
	for _, p := range models.UniquePairs(pairs) {
		s, _ := symbols.Format(symbols.Bithumb, p)
		syms = append(syms, s)
	}
	data, err := json.Marshal(bithumbRequest{Type: "transaction", Symbols: syms, IsOnlySnapshot: snapshotOnly})
	if err != nil {
		return WireMessage{}, fmt.Errorf("encode bithumb request: %w", err)
	}
	return WireMessage{Payload: data}, nil
}
