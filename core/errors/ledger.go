package errors

import stderrors "errors"

// Input validation errors shared by every engine.
var (
	ErrZeroAmount  = stderrors.New("ledger: amount must be positive")
	ErrZeroAddress = stderrors.New("ledger: identity must not be the zero address")
	ErrAssetEmpty  = stderrors.New("ledger: asset must be specified")
)
