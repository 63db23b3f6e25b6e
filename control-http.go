package offlinecache

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	platformerrors "github.com/jmgilman/go/errors"
)

const maxControlMessageSize = 1 << 20

// ControlHandler returns the HTTP surface of the control channel.
//
//	POST /control       run an operation given as {"type": ..., "data": ...}
//	GET  /status        same as the STATUS operation
//	GET  /deferred      list the deferred actions
//	POST /connectivity  signal that connectivity was restored
//	GET  /healthz       lifecycle state
func (l *Layer) ControlHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		l.writeJSON(w, http.StatusOK, map[string]string{
			"state":      l.State().String(),
			"generation": l.generation,
		})
	})
	r.Post("/control", l.handleControl)
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		l.writeReply(w, l.Control(r.Context(), Status{}))
	})
	r.Get("/deferred", func(w http.ResponseWriter, r *http.Request) {
		actions, err := l.DeferredActions()
		if err != nil {
			l.writeError(w, err)
			return
		}
		l.writeJSON(w, http.StatusOK, actions)
	})
	r.Post("/connectivity", func(w http.ResponseWriter, r *http.Request) {
		result, err := l.ConnectivityRestored(r.Context())
		if err != nil {
			l.writeError(w, err)
			return
		}
		l.writeJSON(w, http.StatusOK, result)
	})
	return r
}

func (l *Layer) handleControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlMessageSize))
	if err != nil {
		l.writeError(w, platformerrors.Wrap(err, CodeInvalidInput, "could not read control message"))
		return
	}
	op, err := DecodeOp(body)
	if err != nil {
		l.writeError(w, err)
		return
	}
	l.writeReply(w, l.Control(r.Context(), op))
}

func (l *Layer) writeReply(w http.ResponseWriter, reply Reply) {
	status := http.StatusOK
	switch {
	case reply.Queued:
		status = http.StatusAccepted
	case reply.Error != nil:
		status = httpStatus(platformerrors.ErrorCode(reply.Error.Code))
	}
	l.writeJSON(w, status, reply)
}

func (l *Layer) writeError(w http.ResponseWriter, err error) {
	l.writeJSON(w, httpStatus(platformerrors.GetCode(err)), platformerrors.ToJSON(err))
}

func httpStatus(code platformerrors.ErrorCode) int {
	switch code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNetworkUnavailable, platformerrors.CodeUnavailable:
		return http.StatusBadGateway
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (l *Layer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l.log.Warn().Err(err).Int("status", status).Msg("Could not write control response")
	}
}
