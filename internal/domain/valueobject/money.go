package valueobject

import (
	"database/sql/driver"
	"fmt"

	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/shopspring/decimal"
)

// USDCDecimals: количество знаков после запятой у USDC.
const USDCDecimals = 6

// Money: сумма в минимальных единицах USDC (1 USDC = 1_000_000).
type Money int64

const bpsDenominator = 10_000

// MaxMoney ограничивает сумму так, чтобы amount × bps не переполнял int64.
const MaxMoney Money = 100_000_000 * 1_000_000

// ParseMoney разбирает десятичную строку ("100.00") в минимальные единицы.
// Сумма должна быть положительной и иметь не более 6 знаков после запятой.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, apperror.Newf(apperror.ErrCodeValidation, "некорректная сумма %q", s)
	}
	return MoneyFromDecimal(d)
}

// MoneyFromDecimal переводит decimal в минимальные единицы.
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	if !d.IsPositive() {
		return 0, apperror.New(apperror.ErrCodeValidation, "сумма должна быть положительной")
	}
	minor := d.Shift(USDCDecimals)
	if !minor.IsInteger() {
		return 0, apperror.Newf(apperror.ErrCodeValidation, "сумма допускает не более %d знаков после запятой", USDCDecimals)
	}
	if minor.GreaterThan(decimal.NewFromInt(int64(MaxMoney))) {
		return 0, apperror.New(apperror.ErrCodeValidation, "сумма вне допустимого диапазона")
	}
	return Money(minor.IntPart()), nil
}

// Decimal возвращает сумму в USDC.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -USDCDecimals)
}

func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Exact выводит сумму со всеми значащими знаками (для settlement).
func (m Money) Exact() string {
	return m.Decimal().String()
}

func (m Money) IsPositive() bool {
	return m > 0
}

// Value и Scan позволяют хранить Money в BIGINT колонке.
func (m Money) Value() (driver.Value, error) {
	return int64(m), nil
}

func (m *Money) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*m = Money(v)
	case nil:
		*m = 0
	default:
		return fmt.Errorf("money: неподдерживаемый тип %T", src)
	}
	return nil
}

// FeeRate: ставка комиссии в базисных пунктах (1000 = 10%).
type FeeRate int64

func NewFeeRate(bps int64) (FeeRate, error) {
	if bps < 0 || bps > bpsDenominator {
		return 0, apperror.Newf(apperror.ErrCodeValidation, "ставка %d bps вне диапазона 0..10000", bps)
	}
	return FeeRate(bps), nil
}

// Apply возвращает round_half_up(amount × rate).
func (r FeeRate) Apply(amount Money) Money {
	return Money((int64(amount)*int64(r) + bpsDenominator/2) / bpsDenominator)
}

func (r FeeRate) String() string {
	return decimal.New(int64(r), -2).String() + "%"
}

// SplitFee делит сумму на комиссию платформы и долю продавца.
// Остаток от округления уходит в комиссию, поэтому fee + seller == amount.
func SplitFee(amount Money, rate FeeRate) (platformFee, sellerAmount Money) {
	platformFee = rate.Apply(amount)
	return platformFee, amount - platformFee
}
