package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmops/swarmd/pkg/budget"
	"github.com/swarmops/swarmd/pkg/graph"
	"github.com/swarmops/swarmd/pkg/store"
	"github.com/swarmops/swarmd/pkg/topology"
)

// errorResponseError carries an ErrorResponse body through echo's default
// error handler, which renders errors implementing HTTPStatusCoder and
// json.Marshaler as the response body.
type errorResponseError struct {
	code int
	body ErrorResponse
}

func (e *errorResponseError) Error() string   { return e.body.Error }
func (e *errorResponseError) StatusCode() int { return e.code }
func (e *errorResponseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.body)
}

// mapDomainError maps domain-layer errors to HTTP error responses.
// Validation errors carry their field details in the response body.
func mapDomainError(err error) error {
	var validErr *ValidationError
	if errors.As(err, &validErr) {
		return &errorResponseError{code: http.StatusBadRequest, body: ErrorResponse{
			Error:   "validation failed",
			Details: validErr.Details,
		}}
	}
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, graph.ErrCycleDetected) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, budget.ErrBudgetPaused) {
		return echo.NewHTTPError(http.StatusPaymentRequired, "budget paused")
	}
	if errors.Is(err, budget.ErrOverTaskBudget) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, topology.ErrDepthExceeded) || errors.Is(err, topology.ErrFanOutExceeded) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if errors.Is(err, topology.ErrPeerTimeout) {
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected domain error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
