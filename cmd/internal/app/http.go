package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type statusPayload struct {
	SessionState string `json:"session_state"`
	ChannelState string `json:"channel_state"`
	UserID       string `json:"user_id,omitempty"`
	Username     string `json:"username,omitempty"`
	Role         string `json:"role,omitempty"`
	VerifiedRole string `json:"verified_role,omitempty"`
}

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.pool != nil {
			if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) {
		p := statusPayload{
			SessionState: a.ctrl.State().String(),
			ChannelState: a.channel.State().String(),
		}
		if id, err := a.store.LoadIdentity(r.Context()); err == nil && id != nil {
			p.UserID = id.UserID
			p.Username = id.Username
			p.Role = id.Role
			p.VerifiedRole = a.verifier.CurrentRole(r.Context())
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p)
	})

	mux.Handle("/metrics", promhttp.Handler())
}
