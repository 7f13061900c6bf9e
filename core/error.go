package core

import "errors"

// Transaction execution errors. An executor returning one of these left the
// state untouched.
var (
	ErrNonceTooLow        = errors.New("nonce too low")
	ErrNonceTooHigh       = errors.New("nonce too high")
	ErrInsufficientFunds  = errors.New("insufficient funds for gas * price + value")
	ErrGasLimitReached    = errors.New("gas limit reached")
	ErrIntrinsicGas       = errors.New("intrinsic gas too low")
	ErrFeeCapTooLow       = errors.New("max fee per gas less than block base fee")
	ErrTipAboveFeeCap     = errors.New("max priority fee per gas higher than max fee per gas")
	ErrNegativeValue      = errors.New("negative value")
	ErrTxTypeNotSupported = errors.New("transaction type not supported")
	ErrGasUintOverflow    = errors.New("gas uint64 overflow")
)

var (
	ErrBundleReverted     = errors.New("bundle tx reverted")
	ErrBlocklistViolation = errors.New("blocklist violation")
)

// RejectReason is the reason a bundle was refused by the pool.
type RejectReason int

const (
	RejectEmptyBundle RejectReason = iota + 1
	RejectPastTarget
	RejectUnknownRevertHash
	RejectMalformedTx
	RejectInvalidWindow
	RejectUnderpriced
	RejectTooManyTxs
)

func (r RejectReason) Error() string {
	switch r {
	case RejectEmptyBundle:
		return "bundle has no transactions"
	case RejectPastTarget:
		return "bundle targets a block at or below head"
	case RejectUnknownRevertHash:
		return "reverting tx hash not in bundle"
	case RejectMalformedTx:
		return "malformed bundle transaction"
	case RejectInvalidWindow:
		return "bundle min timestamp above max timestamp"
	case RejectUnderpriced:
		return "bundle underpriced"
	case RejectTooManyTxs:
		return "bundle has too many transactions"
	default:
		return "unknown reject reason"
	}
}
