package utils

import (
	"fmt"
	"regexp"
)

// validator.go - проверки входных данных (символы, доли, лимиты)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}USDT$`)

// ValidateSymbol проверяет формат символа USDⓈ-M фьючерса (BTCUSDT)
func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("invalid symbol %q: expected e.g. BTCUSDT", symbol)
	}
	return nil
}

// ValidateFraction проверяет, что v лежит в (0, 1]
func ValidateFraction(name string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
	}
	return nil
}

// ValidatePositive проверяет, что v > 0
func ValidatePositive(name string, v float64) error {
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %v", name, v)
	}
	return nil
}
