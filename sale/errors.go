package sale

import "errors"

var (
	// ErrSaleInactive indicates the sale is switched off or outside its
	// configured time window.
	ErrSaleInactive = errors.New("sale: inactive")
	// ErrSaleEnded indicates the sale has been terminated by an operator and
	// can no longer accept purchases or a second end request.
	ErrSaleEnded = errors.New("sale: ended")
	// ErrZeroAmount indicates the payment amount was zero or negative.
	ErrZeroAmount = errors.New("sale: amount must be positive")
	// ErrPriceInvalid indicates the oracle answer was zero or negative.
	ErrPriceInvalid = errors.New("sale: oracle price invalid")
	// ErrRoundIncomplete indicates the oracle round was read before the
	// answer finished settling.
	ErrRoundIncomplete = errors.New("sale: oracle round incomplete")
	// ErrPriceStale indicates the oracle quote exceeded the configured
	// freshness window.
	ErrPriceStale = errors.New("sale: oracle price stale")
	// ErrCapExceeded indicates the reservation would push cumulative sales
	// past the hard cap.
	ErrCapExceeded = errors.New("sale: hard cap exceeded")
	// ErrCapBelowSold indicates an attempt to lower the hard cap below the
	// amount already sold.
	ErrCapBelowSold = errors.New("sale: hard cap below tokens sold")
	// ErrInsufficientInventory indicates the vault does not hold enough sale
	// tokens to fulfil the purchase.
	ErrInsufficientInventory = errors.New("sale: insufficient token inventory")
	// ErrTransferFailed indicates an outward token or fund transfer was
	// rejected by a collaborator.
	ErrTransferFailed = errors.New("sale: transfer failed")
	// ErrUnauthorized indicates the caller lacks administrative rights.
	ErrUnauthorized = errors.New("sale: caller not authorized")
	// ErrReentrantCall indicates a purchase or end request arrived while a
	// commit was already in flight.
	ErrReentrantCall = errors.New("sale: reentrant call rejected")
	// ErrInvalidRate indicates a rate update with a non-positive value.
	ErrInvalidRate = errors.New("sale: rate must be positive")
	// ErrInvalidWindow indicates a time window whose start is not before its end.
	ErrInvalidWindow = errors.New("sale: invalid time window")
	// ErrInvalidBonus indicates a promo bonus above the 5000 bps ceiling.
	ErrInvalidBonus = errors.New("sale: promo bonus above ceiling")
	// ErrInvalidMaxAge indicates a non-positive price staleness tolerance.
	ErrInvalidMaxAge = errors.New("sale: max price age must be positive")
	// ErrInvalidAddress indicates a zero treasury or oracle identity.
	ErrInvalidAddress = errors.New("sale: address must not be zero")
	// ErrRescueSaleToken indicates an attempt to rescue the sale token while
	// the sale is still live.
	ErrRescueSaleToken = errors.New("sale: cannot rescue sale token before end")
)

// errorReason maps a failure to a fixed label for the error counter. Wrapped
// collaborator messages never reach the label so its cardinality stays
// bounded by the sentinel set. Empty means success.
func errorReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSaleInactive):
		return "sale_inactive"
	case errors.Is(err, ErrSaleEnded):
		return "sale_ended"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrPriceInvalid):
		return "price_invalid"
	case errors.Is(err, ErrRoundIncomplete):
		return "round_incomplete"
	case errors.Is(err, ErrPriceStale):
		return "price_stale"
	case errors.Is(err, ErrCapExceeded):
		return "cap_exceeded"
	case errors.Is(err, ErrCapBelowSold):
		return "cap_below_sold"
	case errors.Is(err, ErrInsufficientInventory):
		return "insufficient_inventory"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant_call"
	default:
		return "internal"
	}
}
