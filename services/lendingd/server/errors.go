package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"onloan/native/bank"
	nativecommon "onloan/native/common"
	"onloan/native/lending"
)

const (
	codeInvalidRequest = "invalid_request"
	codeUnauthorized   = "unauthorized"
	codeForbidden      = "forbidden"
	codeNotFound       = "not_found"
	codeConflict       = "conflict"
	codeRejected       = "rejected"
	codePaused         = "paused"
	codeQuota          = "quota_exceeded"
	codeUnavailable    = "unavailable"
	codeInternal       = "internal"
)

// toHTTPStatus maps engine errors onto HTTP status codes and stable error
// codes for clients.
func toHTTPStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, lending.ErrPaused):
		return http.StatusServiceUnavailable, codePaused
	case errors.Is(err, lending.ErrUnauthorized):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, lending.ErrNoActiveLoan):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, lending.ErrLoanAlreadyActive):
		return http.StatusConflict, codeConflict
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, lending.ErrInvalidDuration),
		errors.Is(err, lending.ErrInvalidCategory),
		errors.Is(err, lending.ErrInvalidCollateralKind):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, lending.ErrInsufficientScore),
		errors.Is(err, lending.ErrInsufficientPoolLiquidity),
		errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrBorrowLimitExceeded),
		errors.Is(err, bank.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, codeRejected
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded),
		errors.Is(err, nativecommon.ErrQuotaVolumeExceeded),
		errors.Is(err, nativecommon.ErrQuotaCounterOverflow):
		return http.StatusTooManyRequests, codeQuota
	case errors.Is(err, lending.ErrOracleUnavailable),
		errors.Is(err, lending.ErrTransferFailed):
		return http.StatusBadGateway, codeUnavailable
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status, code := toHTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeError(w, status, code, message, nil)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
