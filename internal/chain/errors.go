package chain

import "errors"

// Sentinel errors shared across components. Callers check these with
// errors.Is rather than inspecting message strings.
var (
	// ErrBlockNotFound means the requested block has not been produced yet;
	// the Head Loop treats this as "retry next tick", not a failure.
	ErrBlockNotFound = errors.New("chain: block not found")

	// ErrTransientRPC wraps a timeout, 5xx, or dropped connection from the
	// RPC Gateway. The Head Loop retries with backoff without advancing its
	// cursor.
	ErrTransientRPC = errors.New("chain: transient rpc error")

	// ErrDecodeMalformed means the calldata could not be decoded as a
	// supported transfer. It is never surfaced as a failure; the Head Loop
	// drops the transaction silently.
	ErrDecodeMalformed = errors.New("chain: malformed transfer calldata")

	// ErrSelfTransfer means from == to; the transfer is rejected before it
	// reaches policy evaluation.
	ErrSelfTransfer = errors.New("chain: self transfer rejected")

	// ErrUnknownToken means the tx recipient is not one of the chain's
	// configured token contracts (and the tx carries no native value).
	ErrUnknownToken = errors.New("chain: not a tracked transfer")

	// ErrConfig signals a fatal configuration problem at startup.
	ErrConfig = errors.New("chain: configuration error")
)
