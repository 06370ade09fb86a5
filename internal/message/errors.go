package message

import "errors"

// Error kinds from the error handling design. Per-connection and
// per-transaction errors are contained by their caller and never tear down
// a listener.
var (
	ErrConfigurationInvalid = errors.New("siphon: invalid configuration")
	ErrTrustInstallFailed   = errors.New("siphon: failed to install CA into trust store")
	ErrBindFailed           = errors.New("siphon: failed to bind listener")

	ErrHandshakePeekFailed = errors.New("siphon: failed to peek TLS ClientHello")
	ErrSNIMissing          = errors.New("siphon: ClientHello carried no SNI")
	ErrHandshakeFailed     = errors.New("siphon: TLS handshake failed")

	ErrUpstreamSendFailed = errors.New("siphon: upstream request failed")
	ErrUpstreamReadFailed = errors.New("siphon: upstream response read failed")

	ErrHeaderApplyFailed = errors.New("siphon: failed to apply header")

	ErrBufferLimitExceeded = errors.New("siphon: buffer limit exceeded")

	ErrCancelled = errors.New("siphon: operation cancelled")
)
