package helpers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"

	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const identityKey = "identity"

// SetIdentity stores the authenticated caller on the request context
func SetIdentity(c *gin.Context, id model.Identity) {
	c.Set(identityKey, id)
}

// IdentityFrom returns the authenticated caller, if any
func IdentityFrom(c *gin.Context) (model.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return model.Identity{}, false
	}
	id, ok := v.(model.Identity)
	return id, ok && id.UserID != ""
}

var registerOnce sync.Once

// RegisterValidators teaches gin's validator to compare decimals, so tags
// like gt=0 work on decimal.Decimal fields.
func RegisterValidators() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})
		}
	})
}

func decimalValue(field reflect.Value) any {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		f, _ := d.Float64()
		return f
	}
	return nil
}

// HandleBindError sends a standardized JSON error for binding failures
func HandleBindError(c *gin.Context, handlerName string, err error) {
	wrappedErr := fmt.Errorf("invalid request payload: %w", err)
	utils.JSONError(c, http.StatusBadRequest, wrappedErr, "invalid request payload")
	utils.Warn(handlerName+": binding error", map[string]any{"error": err.Error()})
}

// MapErrorToHTTP maps domain/service errors to HTTP status code and message
func MapErrorToHTTP(err error) (int, string) {
	var rejection *biddingerrors.Rejection
	if errors.As(err, &rejection) {
		if errors.Is(rejection.Reason, biddingerrors.ErrSelfBiddingForbidden) {
			return http.StatusForbidden, rejection.Reason.Error()
		}
		return http.StatusUnprocessableEntity, rejection.Reason.Error()
	}

	switch {
	case errors.Is(err, biddingerrors.ErrAuctionNotFound):
		return http.StatusNotFound, "auction not found"
	case errors.Is(err, biddingerrors.ErrForbidden):
		return http.StatusForbidden, "not allowed to manage this auction"
	case errors.Is(err, biddingerrors.ErrInvalidBid):
		return http.StatusBadRequest, "invalid bid details"
	case errors.Is(err, biddingerrors.ErrInvalidAuction):
		return http.StatusBadRequest, "invalid auction details"
	case errors.Is(err, biddingerrors.ErrInsufficientFundsAtSettlement):
		return http.StatusConflict, "winner cannot cover the winning bid"
	case errors.Is(err, biddingerrors.ErrAuctionExpired):
		return http.StatusConflict, "auction window has passed"
	case biddingerrors.IsTransitionError(err):
		return http.StatusConflict, transitionMessage(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "auction is busy, try again"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func transitionMessage(err error) string {
	switch {
	case errors.Is(err, biddingerrors.ErrBidsAlreadyPlaced):
		return "auction already has bids"
	case errors.Is(err, biddingerrors.ErrAuctionNotStarted):
		return "auction has not reached its start time"
	default:
		return "operation not allowed in the current auction state"
	}
}

// RespondError writes the mapped error and logs it at a level matching its cause
func RespondError(c *gin.Context, handlerName string, err error, fields map[string]any) {
	status, message := MapErrorToHTTP(err)
	utils.JSONError(c, status, fmt.Errorf("%s: %w", message, err), message)

	if fields == nil {
		fields = map[string]any{}
	}
	fields["handler"] = handlerName
	fields["status"] = status
	fields["error"] = err.Error()

	switch {
	case biddingerrors.IsRejection(err):
		utils.Info(handlerName+": bid rejected", fields)
	case status >= http.StatusInternalServerError:
		utils.Error(handlerName+": request failed", fields)
	default:
		utils.Warn(handlerName+": request refused", fields)
	}
}

// LogSuccess is a small helper to standardize logging of successful operations
func LogSuccess(handlerName, message string, ctx map[string]any) {
	utils.Info(handlerName+": "+message, ctx)
}
