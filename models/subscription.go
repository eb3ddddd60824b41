package models

// SubscriptionRequest is built once per subscribe or unsubscribe action.
// Pairs is always a subset of the declared supported sets.
type SubscriptionRequest struct {
	Exchange         string
	Pairs            []CurrencyPair
	Format           string
	SupportedSymbols []string
	SupportedQuotes  []string
}
