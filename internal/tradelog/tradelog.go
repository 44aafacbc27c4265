// Package tradelog appends one CSV row per fill. It is write-only.
package tradelog

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var header = []string{"exchange", "timestamp", "side", "price", "quantity", "order_type", "mode"}

type Row struct {
	Exchange  string
	Time      time.Time
	Side      string
	Price     float64
	Quantity  float64
	OrderType string
	Mode      string
}

type Writer struct {
	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
	log  *zap.Logger
}

// Open appends to path, writing the header only when the file is new or empty.
func Open(path string, log *zap.Logger) (*Writer, error) {
	if path == "" {
		return nil, errors.New("trade log path is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	w := &Writer{file: file, csv: csv.NewWriter(file), log: log}
	if info.Size() == 0 {
		if err := w.write(header); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Writer) Append(row Row) error {
	if w == nil {
		return nil
	}
	return w.write([]string{
		row.Exchange,
		row.Time.UTC().Format(time.RFC3339Nano),
		row.Side,
		strconv.FormatFloat(row.Price, 'f', -1, 64),
		strconv.FormatFloat(row.Quantity, 'f', -1, 64),
		row.OrderType,
		row.Mode,
	})
}

func (w *Writer) write(record []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return errors.New("trade log closed")
	}
	if err := w.csv.Write(record); err != nil {
		return err
	}
	// rows are flushed as they are written
	w.csv.Flush()
	return w.csv.Error()
}

func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	w.csv.Flush()
	err := errors.Join(w.csv.Error(), w.file.Close())
	w.file = nil
	return err
}
