package swcache

import (
	"github.com/jmgilman/go/errors"
)

var (
	// ErrNotCacheable is returned when putting anything but a GET request with a 200 response.
	ErrNotCacheable = errors.New(errors.CodeInvalidInput, "only GET requests with status 200 responses can be stored")
	// ErrInvalidTransition is returned for an event the current lifecycle state does not accept.
	ErrInvalidTransition = errors.New(errors.CodeConflict, "invalid lifecycle transition")
	// ErrStoreRetired is returned for a write into a store that was deleted or belongs to a retired generation.
	ErrStoreRetired = errors.New(errors.CodeNotFound, "store was deleted or belongs to a retired generation")
	// ErrNothingWaiting is returned when asked to activate without an installed version.
	ErrNothingWaiting = errors.New(errors.CodeConflict, "no installed version is waiting")
)

// NetworkFailure wraps an error of a fetch that produced no response at all.
func NetworkFailure(err error, url string) error {
	return errors.WrapWithContext(err, errors.CodeNetwork, "network request failed", map[string]interface{}{
		"url": url,
	})
}

// IsNetworkFailure reports whether the error is a failed fetch.
func IsNetworkFailure(err error) bool {
	return errors.GetCode(err) == errors.CodeNetwork
}
