package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel-значения для errors.Is
var (
	ErrTransientNetwork    = errors.New("transient network error")
	ErrRateLimitTimeout    = errors.New("rate limit timeout")
	ErrAmbiguousOrderState = errors.New("ambiguous order state")
	ErrExchangeRejection   = errors.New("exchange rejection")
	ErrStreamClosed        = errors.New("stream closed")
)

// Коды ошибок Binance, на которые реагирует клиент
const (
	codeTooManyRequests   = -1003
	codeTimestampOutside  = -1021
	codeUnknownOrder      = -2011 // cancel: ордер не найден
	codeOrderDoesNotExist = -2013 // query: ордер не найден
	codeDuplicateClientID = -4116
	codeNoNeedToChangeLev = -4028
)

// TransientNetworkError - временный сбой сети или 5xx/429; повторяется с backoff
type TransientNetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient error (http %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error        { return e.Err }
func (e *TransientNetworkError) Is(target error) bool { return target == ErrTransientNetwork }
func (e *TransientNetworkError) Retryable() bool      { return true }

// RateLimitTimeout - дедлайн вызывающего истёк в ожидании окна лимитов
type RateLimitTimeout struct {
	Endpoint string
	Waited   time.Duration
	Err      error
}

func (e *RateLimitTimeout) Error() string {
	return fmt.Sprintf("%s: rate budget not available after %v: %v", e.Endpoint, e.Waited, e.Err)
}

func (e *RateLimitTimeout) Unwrap() error        { return e.Err }
func (e *RateLimitTimeout) Is(target error) bool { return target == ErrRateLimitTimeout }
func (e *RateLimitTimeout) Retryable() bool      { return false }

// AmbiguousOrderState - запрос и его повтор истекли в полёте.
// Ордер мог быть принят; разрешается только следующей сверкой.
type AmbiguousOrderState struct {
	Symbol        string
	ClientOrderID string
	Err           error
}

func (e *AmbiguousOrderState) Error() string {
	return fmt.Sprintf("order %s on %s: state unknown after retry: %v", e.ClientOrderID, e.Symbol, e.Err)
}

func (e *AmbiguousOrderState) Unwrap() error        { return e.Err }
func (e *AmbiguousOrderState) Is(target error) bool { return target == ErrAmbiguousOrderState }
func (e *AmbiguousOrderState) Retryable() bool      { return false }

// ExchangeRejection - биржа отклонила запрос; не повторяется
type ExchangeRejection struct {
	Endpoint   string
	StatusCode int
	Code       int
	Message    string
}

func (e *ExchangeRejection) Error() string {
	return fmt.Sprintf("%s: rejected by exchange (code %d): %s", e.Endpoint, e.Code, e.Message)
}

func (e *ExchangeRejection) Is(target error) bool { return target == ErrExchangeRejection }
func (e *ExchangeRejection) Retryable() bool      { return false }

// rejectionCode возвращает код отказа биржи или 0
func rejectionCode(err error) int {
	var rej *ExchangeRejection
	if errors.As(err, &rej) {
		return rej.Code
	}
	return 0
}

// IsUnknownOrder - ордер не найден на бирже (уже исполнен или отменён)
func IsUnknownOrder(err error) bool {
	c := rejectionCode(err)
	return c == codeUnknownOrder || c == codeOrderDoesNotExist
}

// IsDuplicateClientID - ордер с таким client id уже принят
func IsDuplicateClientID(err error) bool {
	return rejectionCode(err) == codeDuplicateClientID
}

// outcomeUnknown - запрос мог дойти до биржи, но результат не получен:
// таймаут в полёте, отмена контекста во время запроса или 5xx
// (Binance прямо указывает, что статус исполнения при 503 неизвестен).
func outcomeUnknown(err error) bool {
	var te *TransientNetworkError
	if !errors.As(err, &te) {
		return false
	}
	if te.StatusCode >= 500 {
		return true
	}
	if te.StatusCode != 0 {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
