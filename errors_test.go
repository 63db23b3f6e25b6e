package offlinecache

import (
	"errors"
	"net/http"
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorCodesSurviveWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := notFound(offlineActionQueued(networkUnavailable(cause, "https://example.com/a.pdf"), "https://example.com/a.pdf"), "https://example.com/a.pdf")

	assert.True(t, IsNotFound(err))
	assert.True(t, IsOfflineActionQueued(err))
	assert.True(t, IsNetworkUnavailable(err))
	assert.False(t, IsStoreUnavailable(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeNotFound, platformerrors.GetCode(err))
}

func TestNetworkUnavailableIsRetryable(t *testing.T) {
	err := networkUnavailable(errors.New("timeout"), "https://example.com/")
	assert.True(t, platformerrors.IsRetryable(err))
	assert.False(t, IsNetworkUnavailable(errors.New("timeout")))
	assert.False(t, IsNotFound(nil))
}

func TestNotStoredCode(t *testing.T) {
	assert.Equal(t, CodeNotFound, platformerrors.GetCode(notStored("https://example.com/", http.StatusNotFound)))
	assert.Equal(t, platformerrors.CodeUnavailable, platformerrors.GetCode(notStored("https://example.com/", http.StatusBadGateway)))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, httpStatus(CodeInvalidInput))
	assert.Equal(t, http.StatusNotFound, httpStatus(CodeNotFound))
	assert.Equal(t, http.StatusBadGateway, httpStatus(CodeNetworkUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(CodeStoreUnavailable))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(platformerrors.CodeInternal))
}
