package exchange

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// The action hash covers the msgpack bytes, so keys are written one by one in
// the order the venue expects rather than through struct tags.

type actionWriter struct {
	buf bytes.Buffer
	enc *msgpack.Encoder
	err error
}

func newActionWriter() *actionWriter {
	w := &actionWriter{}
	w.enc = msgpack.NewEncoder(&w.buf)
	return w
}

func (w *actionWriter) do(fn func() error) {
	if w.err == nil {
		w.err = fn()
	}
}

func (w *actionWriter) mapLen(n int)   { w.do(func() error { return w.enc.EncodeMapLen(n) }) }
func (w *actionWriter) arrayLen(n int) { w.do(func() error { return w.enc.EncodeArrayLen(n) }) }
func (w *actionWriter) str(s string)   { w.do(func() error { return w.enc.EncodeString(s) }) }
func (w *actionWriter) int(v int64)    { w.do(func() error { return w.enc.EncodeInt(v) }) }
func (w *actionWriter) bool(v bool)    { w.do(func() error { return w.enc.EncodeBool(v) }) }

func (w *actionWriter) field(key, value string) {
	w.str(key)
	w.str(value)
}

func (w *actionWriter) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return nil, errors.New("action orders are required")
	}
	for _, order := range action.Orders {
		if order.OrderType.Limit == nil {
			return nil, errors.New("limit order type required")
		}
	}
	if action.Grouping == "" {
		action.Grouping = "na"
	}
	w := newActionWriter()
	w.mapLen(3)
	w.field("type", action.Type)
	w.str("orders")
	w.arrayLen(len(action.Orders))
	for _, order := range action.Orders {
		writeOrder(w, order)
	}
	w.field("grouping", action.Grouping)
	return w.bytes()
}

func EncodeCancelAction(action CancelAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	w := newActionWriter()
	w.mapLen(2)
	w.field("type", action.Type)
	w.str("cancels")
	w.arrayLen(len(action.Cancels))
	for _, cancel := range action.Cancels {
		w.mapLen(2)
		w.str("a")
		w.int(int64(cancel.Asset))
		w.str("o")
		w.int(cancel.OrderID)
	}
	return w.bytes()
}

// writeOrder emits a, b, p, s, r, t and, when set, the client order id c.
func writeOrder(w *actionWriter, order OrderWire) {
	n := 6
	if order.Cloid != "" {
		n++
	}
	w.mapLen(n)
	w.str("a")
	w.int(int64(order.Asset))
	w.str("b")
	w.bool(order.IsBuy)
	w.field("p", order.Price)
	w.field("s", order.Size)
	w.str("r")
	w.bool(order.ReduceOnly)
	w.str("t")
	w.mapLen(1)
	w.str("limit")
	w.mapLen(1)
	w.field("tif", string(order.OrderType.Limit.Tif))
	if order.Cloid != "" {
		w.field("c", order.Cloid)
	}
}
