package proxyproto

import (
	"fmt"

	"github.com/postalsys/protoflex/internal/proxyerr"
)

func unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", proxyerr.ErrUnsupported, fmt.Sprintf(format, args...))
}

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", proxyerr.ErrMalformed, fmt.Sprintf(format, args...))
}

func unauthorizedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", proxyerr.ErrUnauthorized, fmt.Sprintf(format, args...))
}

func closedByPolicyf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", proxyerr.ErrClosedByPolicy, fmt.Sprintf(format, args...))
}
