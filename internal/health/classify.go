package health

import (
	"context"
	"errors"
	"net"

	proxyerrors "github.com/zkytech/claude-code-provider-balancer/pkg/errors"
)

// ClassifyError maps a transport or proxy error to an outcome. Status-code
// semantics (429/5xx recoverable, 400/401/403 fatal, 404 fatal only on the
// model endpoint) are encoded in the ProxyError's Retryable flag by
// pkg/errors when the upstream response is mapped. Connection refused, DNS
// failure, and read timeouts are recoverable.
func ClassifyError(err error) Outcome {
	if err == nil {
		return Success
	}

	var pe *proxyerrors.ProxyError
	if errors.As(err, &pe) {
		if pe.Retryable {
			return RecoverableError
		}
		return FatalError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return RecoverableError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RecoverableError
	}
	return RecoverableError
}
