package currency

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidConfig = errors.New("currency: invalid config")
	ErrNotFound      = errors.New("currency: not found")
	ErrDuplicate     = errors.New("currency: duplicate code")
)

// Kind classifies the settlement rail a currency withdraws over.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCoin
	KindFiat
)

func (k Kind) String() string {
	switch k {
	case KindCoin:
		return "coin"
	case KindFiat:
		return "fiat"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

func ParseKind(v string) (Kind, error) {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "coin":
		return KindCoin, nil
	case "fiat":
		return KindFiat, nil
	default:
		return KindUnknown, fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, v)
	}
}

// Currency is the per-currency withdrawal policy.
//
// EscrowEligible marks fiat currencies whose withdrawals settle through an
// escrow agent instead of a bank rail. Setting it on a coin currency is a
// mis-setup; the settlement dispatcher rejects it rather than pick a path.
type Currency struct {
	Code      string
	Kind      Kind
	Precision int32

	// MinWithdrawAmount bounds the debited total (amount + fee) at creation.
	MinWithdrawAmount decimal.Decimal

	// Limit24h and Limit72h are the rolling-sum ceilings gating the
	// review fast path.
	Limit24h decimal.Decimal
	Limit72h decimal.Decimal

	EscrowEligible bool
}

func (c Currency) Validate() error {
	if strings.TrimSpace(c.Code) == "" {
		return fmt.Errorf("%w: missing code", ErrInvalidConfig)
	}
	if c.Kind != KindCoin && c.Kind != KindFiat {
		return fmt.Errorf("%w: %s: kind must be coin or fiat", ErrInvalidConfig, c.Code)
	}
	if c.Precision < 0 || c.Precision > 18 {
		return fmt.Errorf("%w: %s: precision out of range", ErrInvalidConfig, c.Code)
	}
	if c.MinWithdrawAmount.IsNegative() {
		return fmt.Errorf("%w: %s: negative min withdraw amount", ErrInvalidConfig, c.Code)
	}
	if c.Limit24h.Sign() <= 0 || c.Limit72h.Sign() <= 0 {
		return fmt.Errorf("%w: %s: limits must be > 0", ErrInvalidConfig, c.Code)
	}
	if c.Limit72h.LessThan(c.Limit24h) {
		return fmt.Errorf("%w: %s: 72h limit must be >= 24h limit", ErrInvalidConfig, c.Code)
	}
	return nil
}

// Registry is an immutable currency lookup table.
type Registry struct {
	byCode map[string]Currency
}

func NewRegistry(currencies []Currency) (*Registry, error) {
	if len(currencies) == 0 {
		return nil, fmt.Errorf("%w: empty currency set", ErrInvalidConfig)
	}

	byCode := make(map[string]Currency, len(currencies))
	for _, c := range currencies {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		code := normalizeCode(c.Code)
		if _, ok := byCode[code]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, code)
		}
		c.Code = code
		byCode[code] = c
	}
	return &Registry{byCode: byCode}, nil
}

func (r *Registry) Get(code string) (Currency, error) {
	if r == nil {
		return Currency{}, fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}
	c, ok := r.byCode[normalizeCode(code)]
	if !ok {
		return Currency{}, fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	return c, nil
}

func (r *Registry) Codes() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byCode))
	for code := range r.byCode {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

type fileCurrency struct {
	Code              string `json:"code"`
	Kind              string `json:"kind"`
	Precision         int32  `json:"precision"`
	MinWithdrawAmount string `json:"minWithdrawAmount"`
	Limit24h          string `json:"limit24h"`
	Limit72h          string `json:"limit72h"`
	EscrowEligible    bool   `json:"escrowEligible"`
}

// LoadFile reads a JSON currency list and builds a registry.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("currency: read %q: %w", path, err)
	}

	var entries []fileCurrency
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("currency: parse %q: %w", path, err)
	}

	out := make([]Currency, 0, len(entries))
	for _, e := range entries {
		kind, err := ParseKind(e.Kind)
		if err != nil {
			return nil, err
		}
		minAmount, err := parseAmount(e.Code, "minWithdrawAmount", e.MinWithdrawAmount)
		if err != nil {
			return nil, err
		}
		limit24, err := parseAmount(e.Code, "limit24h", e.Limit24h)
		if err != nil {
			return nil, err
		}
		limit72, err := parseAmount(e.Code, "limit72h", e.Limit72h)
		if err != nil {
			return nil, err
		}
		out = append(out, Currency{
			Code:              e.Code,
			Kind:              kind,
			Precision:         e.Precision,
			MinWithdrawAmount: minAmount,
			Limit24h:          limit24,
			Limit72h:          limit72,
			EscrowEligible:    e.EscrowEligible,
		})
	}
	return NewRegistry(out)
}

func parseAmount(code, field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: bad %s %q", ErrInvalidConfig, code, field, raw)
	}
	return d, nil
}
