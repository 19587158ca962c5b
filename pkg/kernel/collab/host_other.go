//go:build !linux

package collab

import "errors"

// NewHostTopologyAPICDriver is unavailable outside Linux: there is no
// portable way to read the calling process's scheduler affinity mask, so
// --real-topology reports this error instead of silently falling back to
// a fake.
func NewHostTopologyAPICDriver() (APICDriver, error) {
	return nil, errors.New("collab: real CPU topology discovery requires linux")
}
