package middleware

import (
	"errors"
	"io"
	"net/http"
	"strings"

	goThreeDS "github.com/MrEthical07/goThreeDS"
)

// NotificationHandler receives out-of-band notifications from the 3DS
// method frame, the server callback and the challenge window. The token is
// read from the "token" query parameter, falling back to a bearer token;
// "channel" names the source. Accepted notifications answer 204.
func NotificationHandler(engine *goThreeDS.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			writeError(w, nil, goThreeDS.ErrEngineNotReady)
			return
		}

		token := strings.TrimSpace(r.URL.Query().Get("token"))
		if token == "" {
			token, _ = bearerToken(r.Header.Get("Authorization"))
		}
		if token == "" {
			writeError(w, engine, goThreeDS.ErrNotificationUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request too large"})
				return
			}
			writeError(w, engine, goThreeDS.ErrNotificationInvalid)
			return
		}

		n, err := goThreeDS.ParseNotification(body)
		if err != nil {
			writeError(w, engine, err)
			return
		}
		if ch := r.URL.Query().Get("channel"); ch != "" {
			n.Channel = goThreeDS.Channel(ch)
		}

		if err := engine.Notify(r.Context(), token, n); err != nil {
			writeError(w, engine, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
