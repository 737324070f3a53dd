package market

import (
	errorsmod "cosmossdk.io/errors"
)

// Codespace namespaces the registered market errors.
const Codespace = "market"

var (
	ErrNotFound            = errorsmod.Register(Codespace, 2, "not found")
	ErrInvalidMandate      = errorsmod.Register(Codespace, 3, "invalid mandate")
	ErrLockContention      = errorsmod.Register(Codespace, 4, "agent already locked")
	ErrExternalService     = errorsmod.Register(Codespace, 5, "external service failure")
	ErrConsensusRejected   = errorsmod.Register(Codespace, 6, "consensus rejected")
	ErrInsufficientBalance = errorsmod.Register(Codespace, 7, "insufficient balance")
	ErrOwnershipMismatch   = errorsmod.Register(Codespace, 8, "asset not owned by seller")
	ErrInvalidState        = errorsmod.Register(Codespace, 9, "invalid state")
)
