package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"riskengine/internal/metrics"
	"riskengine/pkg/retry"
	"riskengine/pkg/utils"
)

// StreamConfig - настройки user data stream
type StreamConfig struct {
	// BaseURL без listen key, например wss://fstream.binance.com/ws
	BaseURL string

	// Интервал ping и таймаут ожидания pong
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Максимум попыток переподключения подряд; после - Failed
	ReconnectAttempts int

	// Продление listen key
	ListenKeyKeepalive time.Duration

	HandshakeTimeout time.Duration
	Backoff          retry.Backoff

	// Размер буфера канала событий
	Buffer int
}

// DefaultStreamConfig возвращает конфигурацию по умолчанию
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		PingInterval:       3 * time.Minute,
		PongTimeout:        10 * time.Second,
		ReconnectAttempts:  5,
		ListenKeyKeepalive: 30 * time.Minute,
		HandshakeTimeout:   10 * time.Second,
		Backoff:            retry.ReconnectBackoff(),
		Buffer:             1024,
	}
}

// streamSource - REST операции, нужные стриму
type streamSource interface {
	StartListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
	CloseListenKey(ctx context.Context) error
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Stream - user data stream с переподключением.
//
// Каждое соединение получает новый epoch. Сразу после подключения,
// до чтения первого сообщения, стрим запрашивает REST снимок и отдаёт
// его событием Resync; события соединения идут только после него.
// После ReconnectAttempts неудачных попыток подряд стрим переходит в
// Failed и останавливается до Restart.
type Stream struct {
	cfg    StreamConfig
	src    streamSource
	dialer websocket.Dialer
	log    *utils.Logger

	events chan Event
	epoch  atomic.Uint64

	statusMu sync.RWMutex
	status   StreamStatus

	// управление текущим циклом run
	runMu  sync.Mutex
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewStream создаёт стрим; Start запускает его
func NewStream(cfg StreamConfig, src streamSource) *Stream {
	def := DefaultStreamConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.ListenKeyKeepalive <= 0 {
		cfg.ListenKeyKeepalive = def.ListenKeyKeepalive
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}

	return &Stream{
		cfg:    cfg,
		src:    src,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:    utils.L().WithComponent("user_stream"),
		events: make(chan Event, cfg.Buffer),
		status: StreamStatus{State: StateReconnecting},
	}
}

// Events - канал событий. Не закрывается до Close;
// Restart продолжает писать в тот же канал.
func (s *Stream) Events() <-chan Event { return s.events }

// Status возвращает текущее состояние соединения
func (s *Stream) Status() StreamStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Epoch - номер текущего (последнего) соединения
func (s *Stream) Epoch() uint64 { return s.epoch.Load() }

// Start запускает цикл подключения. Отмена ctx стрим не останавливает:
// соединение живёт до Close, чтобы drain движка дошёл до конца.
func (s *Stream) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if s.done != nil {
		return fmt.Errorf("stream already started")
	}
	s.parent = context.WithoutCancel(ctx)
	s.startLocked()
	return nil
}

func (s *Stream) startLocked() {
	ctx, cancel := context.WithCancel(s.parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.run(ctx, done)
}

// Restart обрывает текущее соединение (или выводит из Failed)
// и начинает подключение заново со сброшенным счётчиком попыток.
func (s *Stream) Restart(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if s.parent == nil {
		s.parent = context.WithoutCancel(ctx)
	}
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log.Info("stream restart requested")
	s.startLocked()
	return nil
}

// Close останавливает стрим, закрывает listen key и канал событий
func (s *Stream) Close() error {
	s.runMu.Lock()
	if s.closed {
		s.runMu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	close(s.events)

	ctx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	if err := s.src.CloseListenKey(ctx); err != nil {
		s.log.Debug("close listen key failed", utils.Err(err))
	}
	return nil
}

// ============================================================
// Цикл подключения
// ============================================================

func (s *Stream) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		attempt++

		if attempt > s.cfg.ReconnectAttempts {
			s.log.Error("stream reconnect attempts exhausted",
				utils.Int("max_attempts", s.cfg.ReconnectAttempts), utils.Err(err))
			s.setStatus(ctx, StreamStatus{State: StateFailed, Attempt: attempt - 1, Err: err})
			return
		}

		s.log.Warn("stream disconnected, reconnecting",
			utils.Attempt(attempt), utils.Err(err))
		metrics.StreamReconnects.Inc()
		s.setStatus(ctx, StreamStatus{State: StateReconnecting, Attempt: attempt, Err: err})

		if err := s.cfg.Backoff.Sleep(ctx, attempt-1); err != nil {
			return
		}
	}
}

// session - одно соединение: listen key, dial, Resync, чтение.
// connected=true, если соединение дошло до Connected.
func (s *Stream) session(ctx context.Context) (connected bool, err error) {
	key, err := s.src.StartListenKey(ctx)
	if err != nil {
		return false, fmt.Errorf("listen key: %w", err)
	}

	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/" + key
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	sctx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel(nil)
		conn.Close()
		wg.Wait()
	}()

	liveness := s.cfg.PingInterval + s.cfg.PongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(liveness))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(liveness))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(liveness))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.PongTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	// Снимок берётся после подписки: всё, что придёт во время запроса,
	// ждёт в сокете и будет применено после Resync идемпотентно.
	snap, err := s.src.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("resync snapshot: %w", err)
	}

	epoch := s.epoch.Add(1)
	metrics.StreamEpoch.Set(float64(epoch))
	log := s.log.With(utils.Epoch(epoch))

	if !s.emit(ctx, Event{Kind: EventResync, Epoch: epoch, Time: time.Now(), Snapshot: &snap}) {
		return false, ctx.Err()
	}
	s.setStatusEpoch(ctx, StreamStatus{State: StateConnected}, epoch)
	log.Info("user stream connected",
		utils.Int("open_orders", len(snap.OpenOrders)), utils.Int("positions", len(snap.Positions)))

	wg.Add(3)
	go func() {
		defer wg.Done()
		<-sctx.Done()
		conn.Close()
	}()
	go func() {
		defer wg.Done()
		s.pingPump(sctx, cancel, conn)
	}()
	go func() {
		defer wg.Done()
		s.keepAlive(sctx, cancel)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if cause := context.Cause(sctx); cause != nil {
				return true, cause
			}
			return true, fmt.Errorf("read: %w", err)
		}

		ev, ok, err := decodeUserEvent(msg)
		if errors.Is(err, errListenKeyExpired) {
			log.Warn("listen key expired, reconnecting")
			return true, err
		}
		if err != nil {
			log.Warn("skip undecodable stream message", utils.Err(err))
			continue
		}
		if !ok {
			continue
		}
		ev.Epoch = epoch
		if !s.emit(sctx, ev) {
			return true, context.Cause(sctx)
		}
	}
}

// pingPump отправляет ping; ошибка записи обрывает сессию
func (s *Stream) pingPump(ctx context.Context, cancel context.CancelCauseFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.PongTimeout))
			if err != nil {
				cancel(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// keepAlive продлевает listen key. Отказ биржи означает, что ключ
// уже недействителен, и сессия переподключается с новым.
func (s *Stream) keepAlive(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.cfg.ListenKeyKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.src.KeepAliveListenKey(ctx)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrExchangeRejection) {
				cancel(fmt.Errorf("listen key keepalive rejected: %w", err))
				return
			}
			s.log.Warn("listen key keepalive failed", utils.Err(err))
		}
	}
}

// emit блокирует до доставки или отмены: события не теряются
func (s *Stream) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) setStatus(ctx context.Context, st StreamStatus) {
	s.setStatusEpoch(ctx, st, s.epoch.Load())
}

func (s *Stream) setStatusEpoch(ctx context.Context, st StreamStatus, epoch uint64) {
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
	metrics.StreamState.Set(float64(st.State))

	s.emit(ctx, Event{Kind: EventStreamState, Epoch: epoch, Time: time.Now(), Stream: &st})
}
