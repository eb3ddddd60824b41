// Package subscription turns requested pairs into exchange frames, keeping
// only the pairs an exchange is configured to serve.
package subscription

import (
	"fmt"
	"strings"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/protocol"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// Rejection reasons.
const (
	ReasonUnsupportedSymbol = "unsupported_symbol"
	ReasonUnsupportedQuote  = "unsupported_quote"
	ReasonDuplicate         = "duplicate"
)

// Supported is the set of base and quote assets an exchange offers.
type Supported struct {
	Symbols []string
	Quotes  []string
}

func (s Supported) hasSymbol(sym string) bool { return contains(s.Symbols, sym) }
func (s Supported) hasQuote(q string) bool    { return contains(s.Quotes, q) }

func contains(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

// Catalog resolves the supported assets of an exchange.
type Catalog interface {
	SupportedSymbols(exchange string) []string
	SupportedQuotes(exchange string) []string
}

// Rejection records why one requested pair was left out.
type Rejection struct {
	Pair   models.CurrencyPair
	Reason string
}

// NoSupportedPairsError is returned when filtering leaves nothing to subscribe.
type NoSupportedPairsError struct {
	Exchange   string
	Rejections []Rejection
}

func (e *NoSupportedPairsError) Error() string {
	return fmt.Sprintf("no supported pairs for %s (%d rejected)", e.Exchange, len(e.Rejections))
}

// Result is the outcome of one subscribe or unsubscribe action.
type Result struct {
	Request    models.SubscriptionRequest
	Rejections []Rejection
	Message    protocol.WireMessage
}

// Manager validates pairs against the catalog and asks the adapter for frames.
// It holds no connection state and is safe for concurrent use.
type Manager struct {
	adapters *protocol.Registry
	catalog  Catalog
	log      *logger.Log
}

func NewManager(adapters *protocol.Registry, catalog Catalog) *Manager {
	return &Manager{
		adapters: adapters,
		catalog:  catalog,
		log:      logger.GetLogger(),
	}
}

// Supported returns the configured assets of exchange.
func (m *Manager) Supported(exchange string) Supported {
	return Supported{
		Symbols: m.catalog.SupportedSymbols(exchange),
		Quotes:  m.catalog.SupportedQuotes(exchange),
	}
}

// Filter splits pairs into the accepted subset and per-pair rejections.
// Accepted pairs keep their request order.
func (m *Manager) Filter(exchange string, pairs []models.CurrencyPair) ([]models.CurrencyPair, []Rejection) {
	supported := m.Supported(exchange)
	seen := make(map[models.CurrencyPair]struct{}, len(pairs))
	var (
		accepted   []models.CurrencyPair
		rejections []Rejection
	)
	for _, p := range pairs {
		switch {
		case !supported.hasSymbol(p.Base):
			rejections = append(rejections, Rejection{Pair: p, Reason: ReasonUnsupportedSymbol})
		case !supported.hasQuote(p.Quote):
			rejections = append(rejections, Rejection{Pair: p, Reason: ReasonUnsupportedQuote})
		default:
			if _, dup := seen[p]; dup {
				rejections = append(rejections, Rejection{Pair: p, Reason: ReasonDuplicate})
				continue
			}
			seen[p] = struct{}{}
			accepted = append(accepted, p)
		}
	}
	return accepted, rejections
}

// Build validates pairs and produces the subscribe frame for exchange.
func (m *Manager) Build(exchange string, pairs []models.CurrencyPair, format protocol.Format) (*Result, error) {
	return m.build(exchange, pairs, format, true)
}

// BuildUnsubscribe is Build for the unsubscribe direction.
func (m *Manager) BuildUnsubscribe(exchange string, pairs []models.CurrencyPair, format protocol.Format) (*Result, error) {
	return m.build(exchange, pairs, format, false)
}

func (m *Manager) build(exchange string, pairs []models.CurrencyPair, format protocol.Format, subscribe bool) (*Result, error) {
	adapter, err := m.adapters.Lookup(exchange)
	if err != nil {
		return nil, err
	}
	name := adapter.Name()

	accepted, rejections := m.Filter(name, pairs)
	log := m.log.WithComponent("subscription_manager").WithFields(logger.Fields{"exchange": name})
	for _, r := range rejections {
		log.WithFields(logger.Fields{"pair": r.Pair.String(), "reason": r.Reason}).Warn("pair rejected")
	}
	if len(accepted) == 0 {
		return nil, &NoSupportedPairsError{Exchange: name, Rejections: rejections}
	}

	var msg protocol.WireMessage
	if subscribe {
		msg, err = adapter.CreateSubscribeMessage(accepted, format)
	} else {
		msg, err = adapter.CreateUnsubscribeMessage(accepted, format)
	}
	if err != nil {
		return nil, err
	}

	supported := m.Supported(name)
	res := &Result{
		Request: models.SubscriptionRequest{
			Exchange:         name,
			Pairs:            accepted,
			Format:           string(format),
			SupportedSymbols: supported.Symbols,
			SupportedQuotes:  supported.Quotes,
		},
		Rejections: rejections,
		Message:    msg,
	}
	log.WithFields(logger.Fields{
		"accepted":  len(accepted),
		"rejected":  len(rejections),
		"subscribe": subscribe,
	}).Debug("subscription request built")
	return res, nil
}

// Defaults returns every supported symbol/quote combination of exchange in
// catalog order.
func (m *Manager) Defaults(exchange string) []models.CurrencyPair {
	supported := m.Supported(exchange)
	var pairs []models.CurrencyPair
	for _, s := range supported.Symbols {
		for _, q := range supported.Quotes {
			if strings.EqualFold(s, q) {
				continue
			}
			p, err := models.NewCurrencyPair(s, q)
			if err != nil {
				continue
			}
			pairs = append(pairs, p)
		}
	}
	return pairs
}
