package domain

// QuoteClass categorizes how an instrument's quote currency relates to the
// account currency. It selects the pip-value formula used for sizing, so a
// wrong class is an order-of-magnitude sizing error.
type QuoteClass string

const (
	// QuoteIsAccount: quote currency equals the account currency (e.g. EURUSD
	// on a USD account). Pip value is direct.
	QuoteIsAccount QuoteClass = "quote_is_account"
	// BaseIsAccount: base currency equals the account currency (e.g. USDCAD
	// on a USD account). Pip value is converted through the instrument's own
	// live price.
	BaseIsAccount QuoteClass = "base_is_account"
	// CrossViaQuote: neither side is the account currency and the conversion
	// pair carries the account currency as its quote (e.g. EURGBP via GBPUSD).
	CrossViaQuote QuoteClass = "cross_via_quote"
	// CrossViaBase: neither side is the account currency and the conversion
	// pair carries the account currency as its base (e.g. EURJPY via USDJPY).
	CrossViaBase QuoteClass = "cross_via_base"
	// Metal: metals and indices with a broker-supplied fixed pip value per lot.
	Metal QuoteClass = "metal"
)

// Instrument holds broker metadata for a tradable symbol.
// Immutable after load; refreshed only by an explicit catalog reload.
type Instrument struct {
	ID     int64      // Broker/protocol symbol id
	Symbol string     // Symbol name (e.g. "EURUSD")
	Class  QuoteClass // Pip-value branch selector

	PipSize  float64 // Smallest standard price increment (e.g. 0.0001)
	LotUnits float64 // Contract units per standard lot (e.g. 100000)

	MinVolume  float64 // Broker minimum order size in lots
	MaxVolume  float64 // Broker maximum order size in lots
	StepVolume float64 // Broker volume increment in lots

	// ConversionSymbol names the live pair used to convert pip value into the
	// account currency. Required for the cross classes, empty otherwise.
	ConversionSymbol string

	// ContractPipValue is the fixed pip value per lot in account currency.
	// Used only for the Metal class.
	ContractPipValue float64
}
