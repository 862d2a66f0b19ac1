package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

// math.go - арифметика цен и объёмов
//
// Округления к шагу биржи делаются через decimal, чтобы 0.1+0.2
// не превращалось в 0.30000000000000004 в параметрах ордера.

// RoundDownToStep округляет value вниз до кратного step.
// step <= 0 возвращает value без изменений.
//
//	RoundDownToStep(0.123456, 0.001) = 0.123
//	RoundDownToStep(1.999, 0.01)     = 1.99
func RoundDownToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Floor().Mul(s).Float64()
	return f
}

// RoundUpToStep округляет value вверх до кратного step
func RoundUpToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Ceil().Mul(s).Float64()
	return f
}

// RoundToStep округляет value до ближайшего кратного step
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Round(0).Mul(s).Float64()
	return f
}

// FormatStep печатает value с точностью шага step (для строковых параметров REST)
//
//	FormatStep(0.12, 0.001)  = "0.120"
//	FormatStep(25000.5, 0.1) = "25000.5"
func FormatStep(value, step float64) string {
	places := int32(0)
	if step > 0 {
		places = -decimal.NewFromFloat(step).Exponent()
		if places < 0 {
			places = 0
		}
	}
	return decimal.NewFromFloat(value).StringFixed(places)
}

// CalculatePNL - PnL позиции в валюте котировки.
// Long: (exit - entry) * qty, Short: (entry - exit) * qty.
func CalculatePNL(side string, entryPrice, exitPrice, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}
	switch side {
	case "long":
		return (exitPrice - entryPrice) * quantity
	case "short":
		return (entryPrice - exitPrice) * quantity
	default:
		return 0
	}
}

// SpreadPercent - ширина спреда bid/ask в процентах от mid-цены
func SpreadPercent(bid, ask float64) float64 {
	mid := (bid + ask) / 2
	if mid <= 0 || bid <= 0 || ask <= 0 {
		return math.Inf(1)
	}
	return math.Abs(ask-bid) / mid * 100
}

// AlmostZero - сравнение объёма с нулём с учётом float-погрешности
func AlmostZero(x float64) bool {
	return math.Abs(x) < 1e-12
}

func Abs(x float64) float64 {
	return math.Abs(x)
}

func Min(a, b float64) float64 {
	return math.Min(a, b)
}

func Max(a, b float64) float64 {
	return math.Max(a, b)
}

// Clamp ограничивает value диапазоном [lo, hi]
func Clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
