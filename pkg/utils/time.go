package utils

import (
	"time"
)

// time.go - границы торговых суток и конвертация биржевых таймстемпов

// DayStart возвращает начало торговых суток, в которые попадает t.
// Сутки начинаются в resetHour по локальному времени t (process-local clock).
//
//	DayStart(2024-01-15 03:10, 8) = 2024-01-14 08:00
//	DayStart(2024-01-15 09:00, 8) = 2024-01-15 08:00
func DayStart(t time.Time, resetHour int) time.Time {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), resetHour, 0, 0, 0, t.Location())
	if t.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// NextDayStart - граница следующих торговых суток после t
func NextDayStart(t time.Time, resetHour int) time.Time {
	return DayStart(t, resetHour).AddDate(0, 0, 1)
}

// UnixMillis возвращает текущее время в миллисекундах (формат бирж)
func UnixMillis() int64 {
	return time.Now().UnixMilli()
}

// FromUnixMillis конвертирует миллисекунды биржи в time.Time
func FromUnixMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// DateStamp - YYYYMMDD для имён файлов журнала
func DateStamp(t time.Time) string {
	return t.Format("20060102")
}
