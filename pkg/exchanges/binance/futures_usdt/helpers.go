package futures_usdt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"risk-engine/pkg/errs"
	"risk-engine/pkg/exchanges/common"
)

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

// APIError is a non-2xx response from the futures API.
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance usdt futures status %d code %d: %s", e.Status, e.Code, e.Msg)
}

const (
	codeTooManyRequests = -1003
	codeTimestamp       = -1021
	codeUnknownOrder    = -2013
)

// classify maps an HTTP failure to the engine error taxonomy: rate limits, clock skew
// and server faults are transient; unknown orders map to common.ErrOrderNotFound.
func classify(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil {
		apiErr.Msg = string(body)
	}
	switch {
	case apiErr.Code == codeUnknownOrder:
		return fmt.Errorf("%w: %v", common.ErrOrderNotFound, apiErr)
	case status == http.StatusTooManyRequests, status == http.StatusTeapot,
		status >= 500, apiErr.Code == codeTooManyRequests, apiErr.Code == codeTimestamp:
		return errs.E(errs.KindTransient, "binance", fmt.Errorf("%w: %v", errs.ErrTransient, apiErr))
	default:
		return apiErr
	}
}

// transport wraps network failures as transient.
func transport(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return errs.E(errs.KindTransient, "binance", fmt.Errorf("%w: %v", errs.ErrTransient, err))
}
