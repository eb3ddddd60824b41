package protocol

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/symbols"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// Upbit takes a JSON array of ticket, type and format objects sent as a
// binary frame. Each request replaces the previous one for its ticket, and
// upbit has no unsubscribe verb, so unsubscribing asks for a snapshot only
// stream of the same codes, which ends the realtime feed.
type Upbit struct {
	base
}

type upbitTicket struct {
	Ticket string `json:"ticket"`
}

type upbitType struct {
	Type           string   `json:"type"`
	Codes          []string `json:"codes"`
	IsOnlySnapshot bool     `json:"is_only_snapshot,omitempty"`
}

type upbitFormat struct {
	Format string `json:"format"`
}

func NewUpbit() *Upbit {
	return &Upbit{base{name: symbols.Upbit, formats: []Format{FormatSimple, FormatVerbose}}}
}

func (*Upbit) ReplacesSubscription() bool { return true }

func (u *Upbit) CreateSubscribeMessage(pairs []models.CurrencyPair, format Format) (WireMessage, error) {
	return u.build(pairs, format, false)
}

func (u *Upbit) CreateUnsubscribeMessage(pairs []models.CurrencyPair, format Format) (WireMessage, error) {
	return u.build(pairs, format, true)
}

func (u *Upbit) build(pairs []models.CurrencyPair, format Format, snapshotOnly bool) (WireMessage, error) {
	f, err := u.resolve(pairs, format)
	if err != nil {
		return WireMessage{}, err
	}
	codes := make([]string, 0, len(pairs))
	for _, p := range models.UniquePairs(pairs) {
		code, _ := symbols.Format(symbols.Upbit, p)
		codes = append(codes, code)
	}
	frame := []any{
		upbitTicket{Ticket: ticket(u.name, "trade", strings.Join(codes, ","))},
		upbitType{Type: "trade", Codes: codes, IsOnlySnapshot: snapshotOnly},
		upbitFormat{Format: strings.ToUpper(string(f))},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return WireMessage{}, fmt.Errorf("encode upbit request: %w", err)
	}
	return WireMessage{Payload: data, Binary: true}, nil
}
