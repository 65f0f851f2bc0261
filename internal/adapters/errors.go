package adapters

import "errors"

// Failure kinds surfaced by adapters and the registry. Callers classify
// with errors.Is; the concrete cause is wrapped underneath.
var (
	// ErrConnectivity: chain unreachable. Fatal to that chain's readiness only.
	ErrConnectivity = errors.New("chain unreachable")
	// ErrConfiguration: missing ABI, key or address. Not retryable.
	ErrConfiguration = errors.New("chain misconfigured")
	// ErrPriceUnavailable: the native price oracle failed.
	ErrPriceUnavailable = errors.New("native price unavailable")
	// ErrQuoteUnavailable: the aggregator returned no usable quote.
	ErrQuoteUnavailable = errors.New("swap quote unavailable")
	// ErrSwapBuild: the swap transaction could not be built or decoded.
	ErrSwapBuild = errors.New("swap build failed")
	// ErrSigning: local signing failed. Never carries key material.
	ErrSigning = errors.New("signing failed")
	// ErrSubmission: the node rejected or dropped the transaction.
	ErrSubmission = errors.New("submission failed")
	// ErrValidation: endpoint attestation was refused.
	ErrValidation = errors.New("endpoint validation failed")
	// ErrUnknownChain: the chain id is not configured.
	ErrUnknownChain = errors.New("unknown chain")
)

// ErrorKind returns a short label for the failure class of err, used in logs and
// metrics labels. Unclassified errors map to "other".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnectivity):
		return "connectivity"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrQuoteUnavailable):
		return "quote_unavailable"
	case errors.Is(err, ErrSwapBuild):
		return "swap_build"
	case errors.Is(err, ErrSigning):
		return "signing"
	case errors.Is(err, ErrSubmission):
		return "submission"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnknownChain):
		return "unknown_chain"
	}
	return "other"
}
