package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"riskengine/internal/metrics"
	"riskengine/internal/models"
	"riskengine/pkg/ratelimit"
	"riskengine/pkg/retry"
	"riskengine/pkg/utils"
)

// Endpoints Binance USDⓈ-M Futures
const (
	pathOrder         = "/fapi/v1/order"
	pathAllOpenOrders = "/fapi/v1/allOpenOrders"
	pathOpenOrders    = "/fapi/v1/openOrders"
	pathPositionRisk  = "/fapi/v2/positionRisk"
	pathAccount       = "/fapi/v2/account"
	pathExchangeInfo  = "/fapi/v1/exchangeInfo"
	pathListenKey     = "/fapi/v1/listenKey"
	pathLeverage      = "/fapi/v1/leverage"
	pathBookTicker    = "/fapi/v1/ticker/bookTicker"
	pathServerTime    = "/fapi/v1/time"
)

// Веса запросов (REQUEST_WEIGHT)
var (
	costOrder        = ratelimit.Cost{Weight: 1, Order: true}
	costCancel       = ratelimit.Cost{Weight: 1}
	costQuery        = ratelimit.Cost{Weight: 1}
	costOpenOrders   = ratelimit.Cost{Weight: 40} // без symbol
	costPositionRisk = ratelimit.Cost{Weight: 5}
	costAccount      = ratelimit.Cost{Weight: 5}
	costExchangeInfo = ratelimit.Cost{Weight: 1}
	costListenKey    = ratelimit.Cost{Weight: 1}
	costBookTicker   = ratelimit.Cost{Weight: 2}
)

const headerUsedWeight = "X-Mbx-Used-Weight-1m"

// RESTConfig - параметры REST клиента
type RESTConfig struct {
	BaseURL        string
	APIKey         string
	APISecret      string
	RecvWindow     int64 // ms
	RequestTimeout time.Duration
	Limits         ratelimit.Limits
}

// REST - подписанный REST клиент Binance Futures.
// Каждый запрос сначала проходит бюджет лимитов, затем уходит
// с собственным таймаутом попытки.
type REST struct {
	cfg     RESTConfig
	http    *HTTPClient
	budget  *ratelimit.Budget
	filters *FilterCache
	reads   retry.Config
	log     *utils.Logger

	timeOffset atomic.Int64 // serverTime - localTime, ms
	now        func() time.Time
}

// NewREST создаёт клиент. httpClient и filters могут быть nil.
func NewREST(cfg RESTConfig, httpClient *HTTPClient, filters *FilterCache) *REST {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultHTTPClientConfig())
	}
	if filters == nil {
		filters = NewFilterCache()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5000
	}

	log := utils.L().WithComponent("binance_rest")
	reads := retry.DefaultConfig()
	reads.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("retrying read request",
			utils.Attempt(attempt), utils.Err(err), utils.Duration("delay", delay))
	}

	budget := ratelimit.NewBudget(cfg.Limits)
	budget.OnWait(metrics.ObserveBudgetWait)

	return &REST{
		cfg:     cfg,
		http:    httpClient,
		budget:  budget,
		filters: filters,
		reads:   reads,
		log:     log,
		now:     time.Now,
	}
}

// FilterCache возвращает кеш фильтров символов
func (r *REST) FilterCache() *FilterCache { return r.filters }

// Budget возвращает бюджет лимитов (для мониторинга)
func (r *REST) Budget() *ratelimit.Budget { return r.budget }

// Close освобождает соединения
func (r *REST) Close() { r.http.Close() }

// ============================================================
// Транспорт
// ============================================================

type request struct {
	method string
	path   string
	params url.Values
	cost   ratelimit.Cost
	signed bool
	keyed  bool // только X-MBX-APIKEY без подписи
}

func (r *REST) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(r.cfg.APISecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func (r *REST) timestamp() int64 {
	return r.now().UnixMilli() + r.timeOffset.Load()
}

// call - одна попытка запроса: бюджет, подпись, HTTP, классификация ошибки
func (r *REST) call(ctx context.Context, req request) ([]byte, error) {
	waitStart := r.now()
	if err := r.budget.Acquire(ctx, req.cost); err != nil {
		return nil, &RateLimitTimeout{Endpoint: req.path, Waited: r.now().Sub(waitStart), Err: err}
	}
	u := r.budget.Usage()
	metrics.SetBudgetUsage(u.Weight, u.OrdersSec, u.OrdersMin)

	q := url.Values{}
	for k, v := range req.params {
		q[k] = v
	}
	var query string
	if req.signed {
		q.Set("recvWindow", strconv.FormatInt(r.cfg.RecvWindow, 10))
		q.Set("timestamp", strconv.FormatInt(r.timestamp(), 10))
		query = q.Encode()
		query += "&signature=" + r.sign(query)
	} else {
		query = q.Encode()
	}

	reqURL := r.cfg.BaseURL + req.path
	if query != "" {
		reqURL += "?" + query
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", req.path, err)
	}
	if req.signed || req.keyed {
		httpReq.Header.Set("X-MBX-APIKEY", r.cfg.APIKey)
	}

	start := r.now()
	resp, err := r.http.Do(httpReq)
	if err != nil {
		metrics.ObserveREST(req.path, r.now().Sub(start), err)
		return nil, &TransientNetworkError{Op: req.method + " " + req.path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	metrics.ObserveREST(req.path, r.now().Sub(start), err)
	if err != nil {
		return nil, &TransientNetworkError{Op: req.method + " " + req.path, StatusCode: resp.StatusCode, Err: err}
	}

	if w := resp.Header.Get(headerUsedWeight); w != "" {
		if v, perr := strconv.Atoi(w); perr == nil {
			metrics.UsedWeight.Set(float64(v))
		}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		r.log.Warn("exchange rate limit hit", utils.Endpoint(req.path), utils.Int("status", resp.StatusCode))
		return nil, &TransientNetworkError{Op: req.method + " " + req.path, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", body)}
	case resp.StatusCode >= 500:
		return nil, &TransientNetworkError{Op: req.method + " " + req.path, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", body)}
	case resp.StatusCode >= 400:
		var apiErr apiError
		if jerr := json.Unmarshal(body, &apiErr); jerr != nil {
			apiErr.Msg = string(body)
		}
		if apiErr.Code == codeTimestampOutside {
			// часы разошлись; следующая попытка пойдёт с новым смещением
			go r.syncTimeQuiet()
		}
		return nil, &ExchangeRejection{
			Endpoint:   req.method + " " + req.path,
			StatusCode: resp.StatusCode,
			Code:       apiErr.Code,
			Message:    apiErr.Msg,
		}
	}
	return body, nil
}

// read - запрос без побочных эффектов, повторяется с backoff
func (r *REST) read(ctx context.Context, req request) ([]byte, error) {
	return retry.DoWithResult(ctx, func() ([]byte, error) {
		return r.call(ctx, req)
	}, r.reads)
}

// ============================================================
// Время сервера
// ============================================================

// SyncTime вычисляет смещение локальных часов относительно биржи
func (r *REST) SyncTime(ctx context.Context) error {
	before := r.now()
	body, err := r.call(ctx, request{method: http.MethodGet, path: pathServerTime, cost: costQuery})
	if err != nil {
		return err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode server time: %w", err)
	}
	after := r.now()
	mid := before.Add(after.Sub(before) / 2).UnixMilli()
	r.timeOffset.Store(resp.ServerTime - mid)
	return nil
}

func (r *REST) syncTimeQuiet() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
	defer cancel()
	if err := r.SyncTime(ctx); err != nil {
		r.log.Warn("server time sync failed", utils.Err(err))
	}
}

// ============================================================
// Ордера
// ============================================================

func (r *REST) orderParams(o *models.Order) (url.Values, error) {
	if o.ClientOrderID == "" {
		return nil, fmt.Errorf("order without client id")
	}
	f, known := r.filters.Get(o.Symbol)
	qty := func(v float64) string {
		if known && f.StepSize > 0 {
			return f.FormatQty(v)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	price := func(v float64) string {
		if known && f.TickSize > 0 {
			return f.FormatPrice(v)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}

	p := url.Values{}
	p.Set("symbol", o.Symbol)
	p.Set("side", string(o.Side))
	p.Set("type", string(o.Type))
	p.Set("newClientOrderId", o.ClientOrderID)
	p.Set("newOrderRespType", "RESULT")

	if o.ClosePosition {
		p.Set("closePosition", "true")
	} else {
		if o.Quantity <= 0 {
			return nil, fmt.Errorf("order %s: non-positive quantity", o.ClientOrderID)
		}
		p.Set("quantity", qty(o.Quantity))
		if o.ReduceOnly {
			p.Set("reduceOnly", "true")
		}
	}

	switch o.Type {
	case models.OrderTypeLimit:
		p.Set("price", price(o.Price))
		p.Set("timeInForce", "GTC")
	case models.OrderTypeStopMarket, models.OrderTypeTakeProfit:
		if o.StopPrice <= 0 {
			return nil, fmt.Errorf("order %s: protective order without stop price", o.ClientOrderID)
		}
		p.Set("stopPrice", price(o.StopPrice))
		p.Set("workingType", "MARK_PRICE")
		p.Set("priceProtect", "TRUE")
	}
	return p, nil
}

// Submit размещает ордер.
// Таймаут в полёте повторяется ровно один раз с тем же client id;
// дубликат client id означает, что первая попытка дошла. Если и повтор
// не дал ответа - AmbiguousOrderState.
func (r *REST) Submit(ctx context.Context, o *models.Order) (Ack, error) {
	params, err := r.orderParams(o)
	if err != nil {
		return Ack{}, retry.Permanent(err)
	}
	req := request{method: http.MethodPost, path: pathOrder, params: params, cost: costOrder, signed: true}

	body, err := r.call(ctx, req)
	if err != nil && outcomeUnknown(err) {
		if ctx.Err() == nil {
			r.log.Warn("order request outcome unknown, retrying once",
				utils.Symbol(o.Symbol), utils.ClientOrderID(o.ClientOrderID), utils.Err(err))
			body, err = r.call(ctx, req)
		}
		switch {
		case err == nil:
		case IsDuplicateClientID(err):
			return r.ackFromQuery(ctx, o)
		case outcomeUnknown(err) || ctx.Err() != nil:
			metrics.AmbiguousOrders.Inc()
			return Ack{}, &AmbiguousOrderState{Symbol: o.Symbol, ClientOrderID: o.ClientOrderID, Err: err}
		}
	} else if err != nil && IsDuplicateClientID(err) {
		return r.ackFromQuery(ctx, o)
	}
	if err != nil {
		return Ack{}, err
	}

	var ro restOrder
	if err := json.Unmarshal(body, &ro); err != nil {
		return Ack{}, fmt.Errorf("decode order ack: %w", err)
	}
	return ro.ack(), nil
}

func (r *REST) ackFromQuery(ctx context.Context, o *models.Order) (Ack, error) {
	u, err := r.QueryOrder(ctx, o.Symbol, o.ClientOrderID)
	if err != nil {
		metrics.AmbiguousOrders.Inc()
		return Ack{}, &AmbiguousOrderState{Symbol: o.Symbol, ClientOrderID: o.ClientOrderID, Err: err}
	}
	return Ack{
		ClientOrderID:   u.ClientOrderID,
		ExchangeOrderID: u.ExchangeOrderID,
		Status:          u.Status,
		FilledQty:       u.FilledQty,
		AvgPrice:        u.AvgPrice,
		TxTime:          u.TxTime,
	}, nil
}

// Cancel отменяет ордер по client id. Ордер, которого уже нет
// на бирже, возвращает ошибку, для которой IsUnknownOrder == true.
func (r *REST) Cancel(ctx context.Context, symbol, clientOrderID string) error {
	p := url.Values{}
	p.Set("symbol", symbol)
	p.Set("origClientOrderId", clientOrderID)
	req := request{method: http.MethodDelete, path: pathOrder, params: p, cost: costCancel, signed: true}

	_, err := r.call(ctx, req)
	if err != nil && outcomeUnknown(err) && ctx.Err() == nil {
		_, err = r.call(ctx, req)
		if err != nil && outcomeUnknown(err) {
			return &AmbiguousOrderState{Symbol: symbol, ClientOrderID: clientOrderID, Err: err}
		}
	}
	return err
}

// CancelAll отменяет все открытые ордера символа
func (r *REST) CancelAll(ctx context.Context, symbol string) error {
	p := url.Values{}
	p.Set("symbol", symbol)
	_, err := r.read(ctx, request{method: http.MethodDelete, path: pathAllOpenOrders, params: p, cost: costCancel, signed: true})
	return err
}

// QueryOrder запрашивает состояние ордера по client id
func (r *REST) QueryOrder(ctx context.Context, symbol, clientOrderID string) (OrderUpdate, error) {
	p := url.Values{}
	p.Set("symbol", symbol)
	p.Set("origClientOrderId", clientOrderID)
	body, err := r.read(ctx, request{method: http.MethodGet, path: pathOrder, params: p, cost: costQuery, signed: true})
	if err != nil {
		return OrderUpdate{}, err
	}
	var ro restOrder
	if err := json.Unmarshal(body, &ro); err != nil {
		return OrderUpdate{}, fmt.Errorf("decode order: %w", err)
	}
	return ro.update(SourceQuery), nil
}

// ============================================================
// Снимок состояния
// ============================================================

// OpenOrders - все открытые ордера аккаунта
func (r *REST) OpenOrders(ctx context.Context) ([]OrderUpdate, error) {
	body, err := r.read(ctx, request{method: http.MethodGet, path: pathOpenOrders, cost: costOpenOrders, signed: true})
	if err != nil {
		return nil, err
	}
	var list []restOrder
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]OrderUpdate, 0, len(list))
	for _, o := range list {
		out = append(out, o.update(SourceSnapshot))
	}
	return out, nil
}

// Positions - ненулевые позиции
func (r *REST) Positions(ctx context.Context) ([]PositionInfo, error) {
	body, err := r.read(ctx, request{method: http.MethodGet, path: pathPositionRisk, cost: costPositionRisk, signed: true})
	if err != nil {
		return nil, err
	}
	var list []restPosition
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]PositionInfo, 0, len(list))
	for _, p := range list {
		if info, ok := p.info(); ok {
			out = append(out, info)
		}
	}
	return out, nil
}

// Account - баланс фьючерсного счёта
func (r *REST) Account(ctx context.Context) (AccountInfo, error) {
	body, err := r.read(ctx, request{method: http.MethodGet, path: pathAccount, cost: costAccount, signed: true})
	if err != nil {
		return AccountInfo{}, err
	}
	var acc restAccount
	if err := json.Unmarshal(body, &acc); err != nil {
		return AccountInfo{}, fmt.Errorf("decode account: %w", err)
	}
	return acc.info(), nil
}

// Snapshot собирает открытые ордера, позиции и баланс для сверки
func (r *REST) Snapshot(ctx context.Context) (Snapshot, error) {
	orders, err := r.OpenOrders(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot open orders: %w", err)
	}
	positions, err := r.Positions(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot positions: %w", err)
	}
	acc, err := r.Account(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot account: %w", err)
	}
	// Метка во времени биржи: с ней сравниваются времена транзакций
	fetched := time.UnixMilli(r.timestamp())
	return Snapshot{OpenOrders: orders, Positions: positions, Account: acc, FetchedAt: fetched}, nil
}

// ============================================================
// Рынок и настройки
// ============================================================

// LoadFilters загружает exchangeInfo и заполняет кеш фильтров
func (r *REST) LoadFilters(ctx context.Context, symbols []string) error {
	body, err := r.read(ctx, request{method: http.MethodGet, path: pathExchangeInfo, cost: costExchangeInfo})
	if err != nil {
		return err
	}
	list, err := parseExchangeInfo(body, symbols)
	for _, f := range list {
		r.filters.Set(f)
	}
	return err
}

// BookTicker возвращает лучшие bid/ask символа
func (r *REST) BookTicker(ctx context.Context, symbol string) (bid, ask float64, err error) {
	p := url.Values{}
	p.Set("symbol", symbol)
	body, err := r.read(ctx, request{method: http.MethodGet, path: pathBookTicker, params: p, cost: costBookTicker})
	if err != nil {
		return 0, 0, err
	}
	var t restBookTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return 0, 0, fmt.Errorf("decode book ticker: %w", err)
	}
	return parseFloat(t.BidPrice), parseFloat(t.AskPrice), nil
}

// SetLeverage выставляет плечо символа; "не нужно менять" не ошибка
func (r *REST) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	p := url.Values{}
	p.Set("symbol", symbol)
	p.Set("leverage", strconv.Itoa(leverage))
	_, err := r.read(ctx, request{method: http.MethodPost, path: pathLeverage, params: p, cost: costQuery, signed: true})
	if err != nil && rejectionCode(err) == codeNoNeedToChangeLev {
		return nil
	}
	return err
}

// ============================================================
// Listen key
// ============================================================

// StartListenKey получает ключ user data stream
func (r *REST) StartListenKey(ctx context.Context) (string, error) {
	body, err := r.read(ctx, request{method: http.MethodPost, path: pathListenKey, cost: costListenKey, keyed: true})
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("empty listen key")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey продлевает ключ на 60 минут
func (r *REST) KeepAliveListenKey(ctx context.Context) error {
	_, err := r.read(ctx, request{method: http.MethodPut, path: pathListenKey, cost: costListenKey, keyed: true})
	return err
}

// CloseListenKey закрывает ключ
func (r *REST) CloseListenKey(ctx context.Context) error {
	_, err := r.call(ctx, request{method: http.MethodDelete, path: pathListenKey, cost: costListenKey, keyed: true})
	return err
}
