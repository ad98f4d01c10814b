package middleware

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	goThreeDS "github.com/MrEthical07/goThreeDS"
	"go.uber.org/zap"
)

type errorBody struct {
	Error string `json:"error"`
}

// Dispatcher serves the JSON action endpoint. The body is handed to
// Engine.HandleAction; failures answer with the error's HTTP status and its
// public message.
func Dispatcher(engine *goThreeDS.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			writeError(w, nil, goThreeDS.ErrEngineNotReady)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request too large"})
				return
			}
			writeError(w, engine, goThreeDS.ErrMalformedRequest)
			return
		}

		out, err := engine.HandleAction(r.Context(), body)
		if err != nil {
			writeError(w, engine, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
	})
}

func writeError(w http.ResponseWriter, engine *goThreeDS.Engine, err error) {
	status := goThreeDS.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		engine.Logger().Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: goThreeDS.PublicMessage(err, engine.Debug())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
