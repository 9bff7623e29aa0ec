// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the portfolio engine — position
// and snapshot value objects, classification enums, and the raw wire shapes
// returned by the Data-API, Gamma, and CLOB endpoints. It has no dependencies
// on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// PnLSource identifies which upstream supplied the mark price used for P&L.
// Selection follows a strict priority: Data-API → executable book → fallback.
type PnLSource string

const (
	SourceDataAPI        PnLSource = "DATA_API"        // Data-API curPrice/cashPnl taken directly
	SourceExecutableBook PnLSource = "EXECUTABLE_BOOK" // best bid on the CLOB (a price we could sell at)
	SourceFallback       PnLSource = "FALLBACK"        // /price endpoint mid, or entry price when nothing else
)

// PnLClassification buckets a position by the sign of its trusted P&L.
// UNKNOWN is reserved for untrusted P&L — the two are kept in lockstep.
type PnLClassification string

const (
	ClassProfitable PnLClassification = "PROFITABLE"
	ClassLosing     PnLClassification = "LOSING"
	ClassNeutral    PnLClassification = "NEUTRAL"
	ClassUnknown    PnLClassification = "UNKNOWN"
)

// PositionState is the lifecycle state of a held token.
type PositionState string

const (
	StateActive              PositionState = "ACTIVE"
	StateRedeemable          PositionState = "REDEEMABLE"            // settled on-chain, shares exchange 1:1
	StateClosedNotRedeemable PositionState = "CLOSED_NOT_REDEEMABLE" // Gamma says closed but chain not resolved
	StateUnknown             PositionState = "UNKNOWN"
)

// RedeemableProof records which source proved a REDEEMABLE state.
// A position may only be REDEEMABLE with a proof other than NONE.
type RedeemableProof string

const (
	ProofDataAPIFlag RedeemableProof = "DATA_API_FLAG" // Data-API redeemable=true, confirmed via Gamma
	ProofOnChain     RedeemableProof = "ONCHAIN_DENOM" // payoutDenominator(conditionId) > 0
	ProofNone        RedeemableProof = "NONE"
)

// BookStatus classifies the outcome of the order book fetch for a token.
type BookStatus string

const (
	BookAvailable  BookStatus = "AVAILABLE"
	BookEmpty      BookStatus = "EMPTY_BOOK"
	BookNotFound   BookStatus = "NO_BOOK_404"
	BookAnomaly    BookStatus = "BOOK_ANOMALY" // crossed book or absurd spread
	BookNotFetched BookStatus = "NOT_FETCHED"
)

// ExecutionStatus says whether the position could actually be sold on the
// CLOB right now. It is derived from BookStatus and the circuit breaker and
// is deliberately decoupled from P&L classification.
type ExecutionStatus string

const (
	ExecTradable  ExecutionStatus = "TRADABLE"
	ExecNotOnCLOB ExecutionStatus = "NOT_TRADABLE_ON_CLOB"
	ExecBlocked   ExecutionStatus = "EXECUTION_BLOCKED" // circuit breaker open for the token
)

// SkipReason categorizes why a raw position was dropped during enrichment.
// Counts per reason feed the snapshot validator's acceptance rules.
type SkipReason string

const (
	SkipMissingFields      SkipReason = "MISSING_FIELDS"
	SkipInvalidSizePrice   SkipReason = "INVALID_SIZE_PRICE"
	SkipMissingSide        SkipReason = "MISSING_SIDE"
	SkipEnrichFailed       SkipReason = "ENRICH_FAILED"
	SkipNoBook             SkipReason = "NO_BOOK"
	SkipBook404            SkipReason = "BOOK_404"
	SkipPricingFetchFailed SkipReason = "PRICING_FETCH_FAILED"
)

// IsBookFailure reports whether the reason is an order-book failure
// category. When every skip reason is a book failure, the validator accepts
// an otherwise-collapsed snapshot with UNKNOWN P&L rather than rejecting it.
func (r SkipReason) IsBookFailure() bool {
	switch r {
	case SkipNoBook, SkipBook404, SkipPricingFetchFailed:
		return true
	}
	return false
}

// RejectReason identifies which validation rule rejected a candidate snapshot.
type RejectReason string

const (
	RejectActiveCollapse   RejectReason = "ACTIVE_COLLAPSE_BUG"
	RejectFetchRegression  RejectReason = "FETCH_REGRESSION"
	RejectAddressFlip      RejectReason = "ADDRESS_FLIP_COLLAPSE"
	RejectSuspiciousShrink RejectReason = "SUSPICIOUS_SHRINK"
	RejectActiveWipeout    RejectReason = "ACTIVE_WIPEOUT"
)

// UntrustedReason tags why a position's P&L could not be trusted.
type UntrustedReason string

const (
	UntrustedNoPriceSource UntrustedReason = "NO_PRICE_SOURCE"
	UntrustedCircuitOpen   UntrustedReason = "CIRCUIT_OPEN"
	UntrustedFallbackNoAPI UntrustedReason = "FALLBACK_WITHOUT_API_VALUE"
)

// ————————————————————————————————————————————————————————————————————————
// Position
// ————————————————————————————————————————————————————————————————————————

// EntryMeta carries trade-history-derived acquisition data for a position.
// It is optional: the entry-meta resolver is best-effort and a position
// simply lacks these fields when trade history could not be fetched.
type EntryMeta struct {
	AvgEntryPriceCents float64   // size-weighted mean of BUY prices, in cents
	FirstAcquiredAt    time.Time // earliest contributing BUY
	LastAcquiredAt     time.Time // latest contributing BUY
	TimeHeld           time.Duration
}

// Position is the fully-enriched view of one held token for one cycle.
// Positions are value objects: created per refresh, published inside a
// snapshot, and replaced wholesale on the next successful publish.
type Position struct {
	MarketID   string  // condition ID of the market
	TokenID    string  // CLOB token ID (opaque)
	Side       string  // outcome name, e.g. "Yes"
	Size       float64 // share count, ≥ 0
	EntryPrice float64 // average entry price, 0..1

	CurrentPrice float64 // mark price per PnLSource priority
	PnLPct       float64
	PnLUSD       float64
	PnLSource    PnLSource
	PnLTrusted   bool
	PnLClass     PnLClassification
	Untrusted    UntrustedReason // set only when PnLTrusted is false

	State        PositionState
	Proof        RedeemableProof
	MarketClosed bool

	BookStatus       BookStatus
	ExecutionStatus  ExecutionStatus
	ExecPriceTrusted bool
	BestBid          *float64 // top-of-book, nil when not fetched
	BestAsk          *float64

	NearResolution bool // currentPrice ≥ 0.995 and ≥ 0.50 and not redeemable

	Entry         *EntryMeta // optional acquisition metadata
	MarketEndTime *time.Time // optional scheduled resolution time
}

// ————————————————————————————————————————————————————————————————————————
// Snapshot
// ————————————————————————————————————————————————————————————————————————

// Summary holds per-classification counts for the published snapshot.
type Summary struct {
	ActiveTotal     int
	Profitable      int
	Losing          int
	Neutral         int
	Unknown         int
	RedeemableTotal int
}

// RawCounts records how many positions the upstream index returned before
// enrichment, split by redeemability candidacy. The validator compares these
// across cycles to detect upstream regressions.
type RawCounts struct {
	RawTotal                int
	RawActiveCandidates     int
	RawRedeemableCandidates int
}

// PortfolioSnapshot is the immutable output of one refresh cycle. Once
// published it is never mutated; the query surface hands out copies so a
// caller mutating a returned slice can never corrupt subsequent reads.
type PortfolioSnapshot struct {
	CycleID     uint64 // strictly increasing across publishes
	AddressUsed string
	FetchedAt   time.Time

	Active     []Position
	Redeemable []Position

	Summary   Summary
	Raw       RawCounts
	SkipCount map[SkipReason]int // categorized skip reasons for this cycle

	// Staleness trio: set when this snapshot is a fallback copy of the
	// last-good one because the current refresh failed or was rejected.
	Stale       bool
	StaleAge    time.Duration
	StaleReason string
}

// Clone returns a deep copy with independent position slices and skip map.
func (s *PortfolioSnapshot) Clone() *PortfolioSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Active = ClonePositions(s.Active)
	out.Redeemable = ClonePositions(s.Redeemable)
	out.SkipCount = make(map[SkipReason]int, len(s.SkipCount))
	for k, v := range s.SkipCount {
		out.SkipCount[k] = v
	}
	return &out
}

// ClonePositions deep-copies a position slice, including pointer fields.
func ClonePositions(in []Position) []Position {
	out := make([]Position, len(in))
	copy(out, in)
	for i := range out {
		if out[i].BestBid != nil {
			b := *out[i].BestBid
			out[i].BestBid = &b
		}
		if out[i].BestAsk != nil {
			a := *out[i].BestAsk
			out[i].BestAsk = &a
		}
		if out[i].Entry != nil {
			e := *out[i].Entry
			out[i].Entry = &e
		}
		if out[i].MarketEndTime != nil {
			t := *out[i].MarketEndTime
			out[i].MarketEndTime = &t
		}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Raw wire shapes
// ————————————————————————————————————————————————————————————————————————

// FlexFloat decodes a JSON number or a numeric string. The Data-API mixes
// both representations depending on endpoint version.
type FlexFloat float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if str == "" {
			return nil
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return err
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}

// RawPosition is one entry of the Data-API positions index, carrying both
// the current field names and their legacy aliases. Downstream code must
// call Normalize and never branch on an alias directly.
type RawPosition struct {
	Asset       string `json:"asset"`
	TokenID     string `json:"token_id"` // legacy alias of asset
	AssetID     string `json:"asset_id"` // legacy alias of asset
	ConditionID string `json:"conditionId"`
	Market      string `json:"market"` // legacy alias of conditionId
	ID          string `json:"id"`     // legacy alias of conditionId

	Size            FlexFloat `json:"size"`
	AvgPrice        FlexFloat `json:"avgPrice"`
	InitialAvgPrice FlexFloat `json:"initial_average_price"` // legacy alias of avgPrice

	Outcome string `json:"outcome"`
	Side    string `json:"side"` // legacy alias of outcome

	Redeemable bool `json:"redeemable"`

	CashPnL      *FlexFloat `json:"cashPnl"`
	PercentPnL   *FlexFloat `json:"percentPnl"`
	CurPrice     *FlexFloat `json:"curPrice"`
	CurrentValue *FlexFloat `json:"currentValue"`
	InitialValue *FlexFloat `json:"initialValue"`
}

// NormalizedPosition is the alias-free view of a RawPosition.
type NormalizedPosition struct {
	TokenID     string
	ConditionID string
	Size        float64
	EntryPrice  float64
	Side        string
	Redeemable  bool

	CashPnL      *float64
	PercentPnL   *float64
	CurPrice     *float64
	CurrentValue *float64
}

// Normalize collapses alias fields and validates required ones. The returned
// SkipReason is empty on success.
func (r *RawPosition) Normalize() (NormalizedPosition, SkipReason) {
	token := firstNonEmpty(r.Asset, r.TokenID, r.AssetID)
	condition := firstNonEmpty(r.ConditionID, r.Market, r.ID)
	if token == "" || condition == "" {
		return NormalizedPosition{}, SkipMissingFields
	}

	side := firstNonEmpty(r.Outcome, r.Side)
	if side == "" {
		return NormalizedPosition{}, SkipMissingSide
	}

	entry := float64(r.AvgPrice)
	if entry == 0 {
		entry = float64(r.InitialAvgPrice)
	}
	size := float64(r.Size)
	if size <= 0 || entry < 0 || entry > 1 {
		return NormalizedPosition{}, SkipInvalidSizePrice
	}

	return NormalizedPosition{
		TokenID:      token,
		ConditionID:  condition,
		Size:         size,
		EntryPrice:   entry,
		Side:         side,
		Redeemable:   r.Redeemable,
		CashPnL:      flexPtr(r.CashPnL),
		PercentPnL:   flexPtr(r.PercentPnL),
		CurPrice:     flexPtr(r.CurPrice),
		CurrentValue: flexPtr(r.CurrentValue),
	}, ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func flexPtr(f *FlexFloat) *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	return &v
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the REST response from GET /book for a single token.
// Bids should arrive sorted descending and asks ascending, but the engine
// recomputes the extremes defensively rather than trusting the order.
type BookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Hash      string       `json:"hash"`
	Timestamp string       `json:"timestamp"`
}

// BookQuote is the engine's distilled view of one token's top of book.
type BookQuote struct {
	BestBid   float64
	BestAsk   float64
	Status    BookStatus
	FetchedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Gamma markets
// ————————————————————————————————————————————————————————————————————————

// GammaToken is one outcome token inside a Gamma market payload.
type GammaToken struct {
	Outcome string `json:"outcome"`
	Winner  bool   `json:"winner"`
	TokenID string `json:"token_id"`
}

// GammaMarket is the JSON shape returned by the Gamma API, including every
// alias spelling observed in the wild. Use the accessor methods; they apply
// the alias fallback so nothing downstream branches on a spelling.
type GammaMarket struct {
	ID            string       `json:"id"`
	ConditionID   string       `json:"conditionId"`
	Outcomes      string       `json:"outcomes"`      // JSON-encoded []string
	OutcomePrices string       `json:"outcomePrices"` // JSON-encoded []numeric-string
	Tokens        []GammaToken `json:"tokens"`

	Closed          bool `json:"closed"`
	Resolved        bool `json:"resolved"`
	EnableOrderBook bool `json:"enableOrderBook"`

	ResolvedOutcomeA string `json:"resolvedOutcome"`
	ResolvedOutcomeB string `json:"resolved_outcome"`
	WinningOutcomeA  string `json:"winningOutcome"`
	WinningOutcomeB  string `json:"winning_outcome"`

	EndDateA string `json:"endDate"`
	EndDateB string `json:"end_date"`
	EndTimeA string `json:"endTime"`
	EndTimeB string `json:"end_time"`

	ClobTokenIDsA string `json:"clobTokenIds"`
	ClobTokenIDsB string `json:"clob_token_ids"`
}

// ExplicitWinner returns the first non-empty explicit winner field.
func (m *GammaMarket) ExplicitWinner() string {
	return firstNonEmpty(m.ResolvedOutcomeA, m.ResolvedOutcomeB, m.WinningOutcomeA, m.WinningOutcomeB)
}

// TokenIDs parses the clob_token_ids field (either spelling) into a slice.
func (m *GammaMarket) TokenIDs() []string {
	raw := firstNonEmpty(m.ClobTokenIDsA, m.ClobTokenIDsB)
	if raw == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}

// OutcomeNames parses the JSON-encoded outcomes array.
func (m *GammaMarket) OutcomeNames() []string {
	if m.Outcomes == "" {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(m.Outcomes), &names); err != nil {
		return nil
	}
	return names
}

// Prices parses the JSON-encoded outcomePrices array of numeric strings.
func (m *GammaMarket) Prices() []float64 {
	if m.OutcomePrices == "" {
		return nil
	}
	var raw []string
	if err := json.Unmarshal([]byte(m.OutcomePrices), &raw); err != nil {
		return nil
	}
	out := make([]float64, len(raw))
	for i, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		out[i] = v
	}
	return out
}

// EndTime parses the market end timestamp from any of its alias fields.
// Returns the zero time when absent or unparseable.
func (m *GammaMarket) EndTime() time.Time {
	raw := firstNonEmpty(m.EndDateA, m.EndDateB, m.EndTimeA, m.EndTimeB)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// OutcomeEntry is the cached resolution status for a token. Resolved entries
// are cached indefinitely; active entries expire after the outcome-cache TTL.
type OutcomeEntry struct {
	Resolved    bool
	Winner      string    // winning outcome name (resolved markets)
	WinnerPrice float64   // outcomePrices entry for this token, if known
	Closed      bool      // Gamma closed flag
	HasBook     bool      // market still has a live order book on Gamma
	EndTime     time.Time // zero when unknown
	ResolvedAt  time.Time // when resolution was first observed
	LastChecked time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Trades and profile
// ————————————————————————————————————————————————————————————————————————

// Trade is one entry of the Data-API trade history for a wallet.
type Trade struct {
	Timestamp   int64     `json:"timestamp"` // unix seconds
	ConditionID string    `json:"conditionId"`
	Asset       string    `json:"asset"` // token ID
	Side        string    `json:"side"`  // "BUY" or "SELL"
	Size        FlexFloat `json:"size"`
	Price       FlexFloat `json:"price"`
}

// Profile is the Gamma profile payload; only the proxy wallet is consumed.
type Profile struct {
	ProxyWallet string `json:"proxyWallet"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events (market channel)
// ————————————————————————————————————————————————————————————————————————

// WSBookEvent is a full order book snapshot from the market WS channel.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Timestamp string       `json:"timestamp"`
	Buys      []PriceLevel `json:"buys"`
	Sells     []PriceLevel `json:"sells"`
}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSSubscribeMsg is the initial subscription message for the market channel.
type WSSubscribeMsg struct {
	Type     string   `json:"type"` // "market"
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// WSUpdateMsg dynamically subscribes or unsubscribes token IDs.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// ————————————————————————————————————————————————————————————————————————
// Status reporting
// ————————————————————————————————————————————————————————————————————————

// RefreshMetrics is a point-in-time view of refresh-loop health counters.
type RefreshMetrics struct {
	CycleID             uint64
	LastRefreshDuration time.Duration
	ConsecutiveFailures int
	CurrentBackoff      time.Duration
	GammaRequests       int // during the latest refresh
	TokenIDsFetched     int
	OutcomeCacheHits    int
	OutcomeCacheMisses  int
	BookCacheHits       int
	BookCacheMisses     int
}

// RecoveryStatus describes the post-reset recovery window.
type RecoveryStatus struct {
	InRecovery       bool
	CyclesInRecovery int
	MaxCycles        int
}

// SelfHealStatus summarizes reset history for the health heartbeat.
type SelfHealStatus struct {
	SoftResets    int
	HardResets    int
	DegradedSince time.Time // zero when healthy
	LastReset     time.Time
}
