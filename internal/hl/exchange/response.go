package exchange

import (
	"errors"
	"fmt"
	"strconv"

	"dn-hedge-bot/internal/venue"
)

// ParseOrderResponse extracts the first order status. A top-level "err" or a
// per-order error is reported as venue.ErrRejected.
func ParseOrderResponse(resp map[string]any) (OrderResult, error) {
	statuses, err := responseStatuses(resp)
	if err != nil {
		return OrderResult{}, err
	}
	if len(statuses) == 0 {
		return OrderResult{}, errors.New("order response has no statuses")
	}
	status, ok := statuses[0].(map[string]any)
	if !ok {
		return OrderResult{}, fmt.Errorf("unexpected order status %v", statuses[0])
	}
	if msg, ok := status["error"].(string); ok {
		return OrderResult{Error: msg}, venue.Rejected(msg)
	}
	if resting, ok := status["resting"].(map[string]any); ok {
		return OrderResult{Oid: int64FromAny(resting["oid"]), Resting: true}, nil
	}
	if filled, ok := status["filled"].(map[string]any); ok {
		return OrderResult{
			Oid:     int64FromAny(filled["oid"]),
			Filled:  true,
			TotalSz: floatFromAny(filled["totalSz"]),
			AvgPx:   floatFromAny(filled["avgPx"]),
		}, nil
	}
	return OrderResult{}, fmt.Errorf("unexpected order status %v", status)
}

// ParseCancelResponse returns venue.ErrOrderNotFound when the order was
// already filled or cancelled.
func ParseCancelResponse(resp map[string]any) error {
	statuses, err := responseStatuses(resp)
	if err != nil {
		return err
	}
	for _, s := range statuses {
		if status, ok := s.(map[string]any); ok {
			if msg, ok := status["error"].(string); ok {
				return fmt.Errorf("%w: %s", venue.ErrOrderNotFound, msg)
			}
		}
	}
	return nil
}

func responseStatuses(resp map[string]any) ([]any, error) {
	if resp == nil {
		return nil, errors.New("empty response")
	}
	if status, _ := resp["status"].(string); status != "ok" {
		return nil, venue.Rejected(fmt.Sprint(resp["response"]))
	}
	body, _ := resp["response"].(map[string]any)
	data, _ := body["data"].(map[string]any)
	statuses, _ := data["statuses"].([]any)
	return statuses, nil
}

func int64FromAny(v any) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val)
	case int64:
		return val
	case int:
		return int64(val)
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	}
	return 0
}

func floatFromAny(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	}
	return 0
}
