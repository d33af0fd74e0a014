//go:build !windows || !amd64

package native

import "errors"

// ErrNativeBackendDisabled is returned by New on platforms without the
// Windows debug API.
var ErrNativeBackendDisabled = errors.New("native backend not available on this platform")

func newOSAPI() (osAPI, error) {
	return nil, ErrNativeBackendDisabled
}
