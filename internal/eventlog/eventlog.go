// Package eventlog - журнал событий в JSONL файлах по дням.
//
// trades_YYYYMMDD.jsonl: торговые события и отказы риск-контроля.
// errors_YYYYMMDD.jsonl: аномалии и расхождения сверки.
package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"riskengine/internal/models"
	"riskengine/internal/store"
	"riskengine/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	kindTrades = "trades"
	kindErrors = "errors"
)

// Record - строка журнала
type Record struct {
	Time      time.Time              `json:"time"`
	Type      string                 `json:"type"` // trade, rejection, mismatch, anomaly, error
	Trade     *models.TradeEvent     `json:"trade,omitempty"`
	Rejection *models.RejectionEvent `json:"rejection,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
}

type dayFile struct {
	date string
	f    *os.File
	w    *bufio.Writer
}

// Journal пишет события в файлы текущего дня. Файл меняется при
// смене даты (UTC).
type Journal struct {
	dir string
	log *utils.Logger
	now func() time.Time

	mu     sync.Mutex
	files  map[string]*dayFile
	closed bool
}

// Open создаёт каталог журнала
func Open(dir string) (*Journal, error) {
	if dir == "" {
		return nil, errors.New("eventlog: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create %s: %w", dir, err)
	}
	return &Journal{
		dir:   dir,
		log:   utils.L().WithComponent("eventlog"),
		now:   func() time.Time { return time.Now().UTC() },
		files: make(map[string]*dayFile),
	}, nil
}

// Name - имя синка для метрик
func (j *Journal) Name() string { return "eventlog" }

// TradeEvent пишет торговое событие
func (j *Journal) TradeEvent(ev models.TradeEvent) {
	j.write(kindTrades, Record{Time: ev.Time, Type: "trade", Trade: &ev, Symbol: ev.Position.Symbol})
}

// Rejection пишет отказ риск-контроля
func (j *Journal) Rejection(ev models.RejectionEvent) {
	j.write(kindTrades, Record{Time: ev.Time, Type: "rejection", Rejection: &ev, Symbol: ev.Intent.Symbol})
}

// Error пишет аномалию или расхождение
func (j *Journal) Error(err error) {
	rec := Record{Time: j.now(), Type: "error", Error: err.Error()}
	var ap *store.AnomalousPosition
	var rm *store.ReconciliationMismatch
	switch {
	case errors.As(err, &ap):
		rec.Type, rec.Symbol = "anomaly", ap.Key.Symbol
	case errors.As(err, &rm):
		rec.Type, rec.Symbol = "mismatch", rm.Symbol
	}
	j.write(kindErrors, rec)
}

func (j *Journal) write(kind string, rec Record) {
	if rec.Time.IsZero() {
		rec.Time = j.now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		j.log.Error("journal encode failed", utils.Err(err))
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	df, err := j.fileLocked(kind)
	if err != nil {
		j.log.Error("journal open failed", utils.String("kind", kind), utils.Err(err))
		return
	}
	line = append(line, '\n')
	if _, err := df.w.Write(line); err != nil {
		j.log.Error("journal write failed", utils.String("kind", kind), utils.Err(err))
		return
	}
	// Построчный flush: журнал читают во время работы
	if err := df.w.Flush(); err != nil {
		j.log.Error("journal flush failed", utils.Err(err))
	}
}

func (j *Journal) fileLocked(kind string) (*dayFile, error) {
	date := utils.DateStamp(j.now())
	if df, ok := j.files[kind]; ok {
		if df.date == date {
			return df, nil
		}
		df.w.Flush()
		df.f.Close()
		delete(j.files, kind)
	}
	path := filepath.Join(j.dir, fmt.Sprintf("%s_%s.jsonl", kind, date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	df := &dayFile{date: date, f: f, w: bufio.NewWriter(f)}
	j.files[kind] = df
	return df, nil
}

// Close сбрасывает буферы и закрывает файлы
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	var errs []error
	for kind, df := range j.files {
		if err := df.w.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := df.f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(j.files, kind)
	}
	return errors.Join(errs...)
}

// ReadFile читает записи журнала
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return out, fmt.Errorf("eventlog: %s: %w", path, err)
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
