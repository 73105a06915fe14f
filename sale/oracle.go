package sale

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RoundData mirrors the answer shape reported by aggregator-style price
// feeds: a monotonically increasing round identifier, the price answer at
// the feed's own precision and the round bookkeeping timestamps.
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound *big.Int
}

// Clone returns a deep copy of the round to prevent accidental mutations.
func (r RoundData) Clone() RoundData {
	clone := RoundData{StartedAt: r.StartedAt, UpdatedAt: r.UpdatedAt}
	if r.RoundID != nil {
		clone.RoundID = new(big.Int).Set(r.RoundID)
	}
	if r.Answer != nil {
		clone.Answer = new(big.Int).Set(r.Answer)
	}
	if r.AnsweredInRound != nil {
		clone.AnsweredInRound = new(big.Int).Set(r.AnsweredInRound)
	}
	return clone
}

// PriceFeed resolves the latest native/USD round from an external oracle.
type PriceFeed interface {
	LatestRoundData() (RoundData, error)
	Decimals() (uint8, error)
}

// ValidateRound applies the consumption-time invariants to a quote: the
// answer must be positive, the round complete and the update within maxAge
// of now. Validation order is fixed so callers observe stable error codes.
func ValidateRound(quote RoundData, maxAge time.Duration, now time.Time) error {
	if quote.Answer == nil || quote.Answer.Sign() <= 0 {
		return ErrPriceInvalid
	}
	if quote.AnsweredInRound == nil || quote.RoundID == nil || quote.AnsweredInRound.Cmp(quote.RoundID) < 0 {
		return ErrRoundIncomplete
	}
	if quote.UpdatedAt.IsZero() || now.Sub(quote.UpdatedAt) > maxAge {
		return ErrPriceStale
	}
	return nil
}

// ConvertNative converts a native-unit payment into USD at six fractional
// digits using the supplied round. Division truncates toward zero so the
// conversion never credits the payer more than the quote supports.
func ConvertNative(nativeAmount *big.Int, quote RoundData, feedDecimals uint8, maxAge time.Duration, now time.Time) (*big.Int, error) {
	if nativeAmount == nil || nativeAmount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if err := ValidateRound(quote, maxAge, now); err != nil {
		return nil, err
	}
	// native(18dp) * answer(feedDecimals) scaled down to USD(6dp).
	usd := new(big.Int).Mul(nativeAmount, quote.Answer)
	feedScale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(feedDecimals)), nil)
	usd.Quo(usd, feedScale)
	usd.Mul(usd, usdScale)
	usd.Quo(usd, nativeScale)
	return usd, nil
}

// ManualFeed provides an in-memory feed implementation used for tests and
// manual overrides during incident response. Every Set advances the round.
type ManualFeed struct {
	mu       sync.RWMutex
	round    RoundData
	decimals uint8
}

// NewManualFeed constructs an empty manual feed reporting the supplied
// answer precision.
func NewManualFeed(decimals uint8) *ManualFeed {
	return &ManualFeed{decimals: decimals}
}

// Set records the answer with the provided timestamp and advances the round
// identifier, marking the round as complete.
func (m *ManualFeed) Set(answer *big.Int, updatedAt time.Time) {
	if m == nil || answer == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := big.NewInt(1)
	if m.round.RoundID != nil {
		next = new(big.Int).Add(m.round.RoundID, big.NewInt(1))
	}
	m.round = RoundData{
		RoundID:         next,
		Answer:          new(big.Int).Set(answer),
		StartedAt:       updatedAt,
		UpdatedAt:       updatedAt,
		AnsweredInRound: new(big.Int).Set(next),
	}
}

// SetRound stores an arbitrary round verbatim, allowing tests to stage
// incomplete or stale rounds.
func (m *ManualFeed) SetRound(round RoundData) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.round = round.Clone()
	m.mu.Unlock()
}

// LatestRoundData returns the stored round.
func (m *ManualFeed) LatestRoundData() (RoundData, error) {
	if m == nil {
		return RoundData{}, fmt.Errorf("manual feed not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.round.RoundID == nil {
		return RoundData{}, fmt.Errorf("manual feed: no round recorded")
	}
	return m.round.Clone(), nil
}

// Decimals reports the configured answer precision.
func (m *ManualFeed) Decimals() (uint8, error) {
	if m == nil {
		return 0, fmt.Errorf("manual feed not configured")
	}
	return m.decimals, nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFeed adapts a JSON round endpoint into a PriceFeed. The endpoint is
// expected to return the latest round as
// {"round_id":…,"price":"…","updated_at":…,"answered_in_round":…}.
type HTTPFeed struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	decimals uint8
}

// NewHTTPFeed constructs an HTTP feed adapter. When the client is nil
// http.DefaultClient is used. The API key is optional and only added to the
// request headers when supplied.
func NewHTTPFeed(client HTTPDoer, endpoint, apiKey string, decimals uint8) *HTTPFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFeed{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
		decimals: decimals,
	}
}

// LatestRoundData fetches and decodes the latest round from the endpoint.
func (f *HTTPFeed) LatestRoundData() (RoundData, error) {
	if f == nil || f.endpoint == "" {
		return RoundData{}, fmt.Errorf("http feed not configured")
	}
	req, err := http.NewRequest(http.MethodGet, f.endpoint, nil)
	if err != nil {
		return RoundData{}, err
	}
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return RoundData{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return RoundData{}, fmt.Errorf("http feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		RoundID         uint64 `json:"round_id"`
		Price           string `json:"price"`
		UpdatedAt       int64  `json:"updated_at"`
		AnsweredInRound uint64 `json:"answered_in_round"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return RoundData{}, fmt.Errorf("http feed: decode: %w", err)
	}
	price := strings.TrimSpace(payload.Price)
	if price == "" {
		return RoundData{}, fmt.Errorf("http feed: empty price")
	}
	answer, ok := new(big.Int).SetString(price, 10)
	if !ok {
		return RoundData{}, fmt.Errorf("http feed: invalid price %q", payload.Price)
	}
	answered := payload.AnsweredInRound
	if answered == 0 {
		answered = payload.RoundID
	}
	updated := time.Unix(payload.UpdatedAt, 0)
	return RoundData{
		RoundID:         new(big.Int).SetUint64(payload.RoundID),
		Answer:          answer,
		StartedAt:       updated,
		UpdatedAt:       updated,
		AnsweredInRound: new(big.Int).SetUint64(answered),
	}, nil
}

// Decimals reports the configured answer precision.
func (f *HTTPFeed) Decimals() (uint8, error) {
	if f == nil {
		return 0, fmt.Errorf("http feed not configured")
	}
	return f.decimals, nil
}
