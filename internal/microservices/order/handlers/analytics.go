package handlers

import (
	"net/http"

	analytics "order-pipeline/internal/microservices/analytics/service"
)

type AnalyticsHandler struct {
	service analytics.AnalyticsServiceInterface
}

func NewAnalyticsHandler(s analytics.AnalyticsServiceInterface) *AnalyticsHandler {
	return &AnalyticsHandler{service: s}
}

func (ah *AnalyticsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	s, err := ah.service.Summary(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "sink_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}
