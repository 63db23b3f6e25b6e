package offlinecache

import (
	stderrors "errors"

	platformerrors "github.com/jmgilman/go/errors"
)

const (
	// CodeNetworkUnavailable means a fetch could not complete.
	CodeNetworkUnavailable platformerrors.ErrorCode = "NETWORK_UNAVAILABLE"
	// CodeNotFound means there was no cache entry and the network failed too.
	CodeNotFound = platformerrors.CodeNotFound
	// CodeStoreUnavailable means the persistent store could not be used.
	// It fails only the single operation.
	CodeStoreUnavailable platformerrors.ErrorCode = "STORE_UNAVAILABLE"
	// CodeOfflineActionQueued means a write was deferred for a later retry.
	// It is a non-success outcome rather than a failure.
	CodeOfflineActionQueued platformerrors.ErrorCode = "OFFLINE_ACTION_QUEUED"
	// CodeInvalidInput is returned for malformed control messages.
	CodeInvalidInput = platformerrors.CodeInvalidInput
)

// ErrSuperseded is returned when activating a layer that was handed over to a newer generation.
var ErrSuperseded = platformerrors.New(platformerrors.CodeConflict, "layer has been superseded")

func networkUnavailable(err error, url string) error {
	return platformerrors.WithContext(
		platformerrors.WithClassification(
			platformerrors.Wrap(err, CodeNetworkUnavailable, "fetch could not complete"),
			platformerrors.ClassificationRetryable),
		"url", url)
}

func notFound(err error, url string) error {
	return platformerrors.WithContext(
		platformerrors.Wrap(err, CodeNotFound, "no cached response and network failed"),
		"url", url)
}

func storeUnavailable(err error, partition string) error {
	return platformerrors.WithContext(
		platformerrors.Wrap(err, CodeStoreUnavailable, "cache store unavailable"),
		"partition", partition)
}

func offlineActionQueued(err error, url string) error {
	return platformerrors.WithContext(
		platformerrors.Wrap(err, CodeOfflineActionQueued, "action deferred until connectivity returns"),
		"url", url)
}

func invalidInput(format string, args ...interface{}) error {
	return platformerrors.Newf(CodeInvalidInput, format, args...)
}

// hasCode reports whether any platform error in the chain carries code.
func hasCode(err error, code platformerrors.ErrorCode) bool {
	for err != nil {
		var platformErr platformerrors.PlatformError
		if !stderrors.As(err, &platformErr) {
			return false
		}
		if platformErr.Code() == code {
			return true
		}
		err = platformErr.Unwrap()
	}
	return false
}

// IsNetworkUnavailable reports whether err was caused by a failed fetch.
func IsNetworkUnavailable(err error) bool {
	return hasCode(err, CodeNetworkUnavailable)
}

// IsNotFound reports whether err means neither cache nor network had the resource.
func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

// IsStoreUnavailable reports whether err comes from the persistent store.
func IsStoreUnavailable(err error) bool {
	return hasCode(err, CodeStoreUnavailable)
}

// IsOfflineActionQueued reports whether the failed action was deferred for a retry.
func IsOfflineActionQueued(err error) bool {
	return hasCode(err, CodeOfflineActionQueued)
}

// notStored is returned when the origin answered with a response that may not be cached.
func notStored(url string, statusCode int) error {
	code := CodeNotFound
	if statusCode >= 500 {
		code = platformerrors.CodeUnavailable
	}
	return platformerrors.WithContext(
		platformerrors.Newf(code, "origin answered %d, response not stored", statusCode),
		"url", url)
}
