package server

import "net/http"

// HealthInfo is reported by GET /health.
type HealthInfo struct {
	ExternalIdP bool   `json:"external_idp"`
	OTPBackend  string `json:"otp_backend"`
}

type healthResponse struct {
	Status string `json:"status"`
	HealthInfo
}

func healthHandler(info HealthInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", HealthInfo: info})
	}
}
