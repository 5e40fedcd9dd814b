package currency

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func validCoin() Currency {
	return Currency{
		Code:              "btc",
		Kind:              KindCoin,
		Precision:         8,
		MinWithdrawAmount: dec("0.001"),
		Limit24h:          dec("1"),
		Limit72h:          dec("2"),
	}
}

func TestCurrency_Validate(t *testing.T) {
	t.Parallel()

	if err := validCoin().Validate(); err != nil {
		t.Fatalf("valid currency: %v", err)
	}

	c := validCoin()
	c.Code = " "
	if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for blank code, got %v", err)
	}

	c = validCoin()
	c.Kind = KindUnknown
	if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for unknown kind, got %v", err)
	}

	c = validCoin()
	c.MinWithdrawAmount = dec("-1")
	if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for negative min, got %v", err)
	}

	c = validCoin()
	c.Limit72h = dec("0.5")
	if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for 72h < 24h, got %v", err)
	}
}

func TestRegistry_GetNormalizesCode(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry([]Currency{validCoin()})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	got, err := r.Get(" BTC ")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Code != "btc" || got.Kind != KindCoin {
		t.Fatalf("unexpected currency: %+v", got)
	}

	if _, err := r.Get("doge"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	a := validCoin()
	b := validCoin()
	b.Code = "BTC"

	if _, err := NewRegistry([]Currency{a, b}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	k, err := ParseKind(" Fiat ")
	if err != nil || k != KindFiat {
		t.Fatalf("ParseKind fiat: %v %v", k, err)
	}
	if _, err := ParseKind("equity"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
