package http

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/auth"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/config"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/outcome"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/safety"
)

// Service is the subset of *safety.Service the router calls.
type Service interface {
	SubmitScan(ctx context.Context, req safety.ScanRequest) (safety.ScanResult, error)
	RecordManual(ctx context.Context, req safety.ManualEventRequest) (safety.ScanResult, error)
	AdvanceLeg(ctx context.Context, req safety.LegRequest) (safety.LegResult, error)
	GetLeg(ctx context.Context, driverID int64) (safety.LegResult, error)
	RaiseEmergency(ctx context.Context, req safety.RaiseRequest) (safety.RaiseResult, error)
	RespondToIncident(ctx context.Context, req safety.ResponseRequest) (safety.ResponseResult, error)
	GetIncident(ctx context.Context, incidentID string) (safety.IncidentView, error)
	AssignCard(ctx context.Context, req safety.AssignCardRequest) (safety.AssignmentView, error)
}

type Server struct {
	svc          Service
	jwtPublicKey *rsa.PublicKey
	jwtIssuer    string
	logger       *slog.Logger
}

func NewServer(cfg config.Config, svc Service, logger *slog.Logger) (*Server, error) {
	publicKey, err := auth.ParseRSAPublicKey(cfg.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, jwtPublicKey: publicKey, jwtIssuer: cfg.JWTIssuer, logger: logger}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(requireRole(auth.RoleScanner, auth.RoleDriver, auth.RoleStaff)).Post("/scans", s.handleSubmitScan)
		r.With(requireRole(auth.RoleDriver, auth.RoleStaff)).Post("/students/{studentId}/events", s.handleManualEvent)
		r.With(requireRole(auth.RoleDriver, auth.RoleStaff)).Get("/drivers/{driverId}/leg", s.handleGetLeg)
		r.With(requireRole(auth.RoleDriver, auth.RoleStaff)).Put("/drivers/{driverId}/leg", s.handlePutLeg)
		r.With(requireRole(auth.RoleScanner, auth.RoleDriver, auth.RoleStaff)).Post("/incidents", s.handleRaiseIncident)
		r.With(requireRole(auth.RoleDriver, auth.RoleStaff)).Get("/incidents/{incidentId}", s.handleGetIncident)
		r.With(requireRole(auth.RoleDriver, auth.RoleStaff)).Post("/incidents/{incidentId}/responses", s.handleRespond)
		r.With(requireRole(auth.RoleStaff)).Post("/cards/{cardId}/assignments", s.handleAssignCard)
	})

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.jwtPublicKey, s.jwtIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims
}

func requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !claimsFromContext(r.Context()).HasRole(roles...) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actsFor writes 403 and returns false when the caller may not act for
// driverID.
func actsFor(w http.ResponseWriter, r *http.Request, driverID int64) bool {
	if !claimsFromContext(r.Context()).MayActFor(driverID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Handlers

func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	var req safety.ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, safety.ScanResult{ErrorKind: outcome.CodeInvalidRequest})
		return
	}
	if !actsFor(w, r, req.DriverID) {
		return
	}
	res, err := s.svc.SubmitScan(r.Context(), req)
	writeJSON(w, statusFor(err, http.StatusOK), res)
}

func (s *Server) handleManualEvent(w http.ResponseWriter, r *http.Request) {
	studentID, ok := pathID(w, r, "studentId")
	if !ok {
		return
	}
	var req safety.ManualEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, safety.ScanResult{ErrorKind: outcome.CodeInvalidRequest})
		return
	}
	req.StudentID = studentID
	if !actsFor(w, r, req.DriverID) {
		return
	}
	res, err := s.svc.RecordManual(r.Context(), req)
	writeJSON(w, statusFor(err, http.StatusCreated), res)
}

func (s *Server) handleGetLeg(w http.ResponseWriter, r *http.Request) {
	driverID, ok := pathID(w, r, "driverId")
	if !ok || !actsFor(w, r, driverID) {
		return
	}
	res, err := s.svc.GetLeg(r.Context(), driverID)
	if err != nil {
		writeOutcome(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePutLeg(w http.ResponseWriter, r *http.Request) {
	driverID, ok := pathID(w, r, "driverId")
	if !ok || !actsFor(w, r, driverID) {
		return
	}
	var body struct {
		Leg string `json:"leg"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, outcome.CodeInvalidRequest)
		return
	}
	res, err := s.svc.AdvanceLeg(r.Context(), safety.LegRequest{DriverID: driverID, Leg: body.Leg})
	if err != nil {
		writeOutcome(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRaiseIncident(w http.ResponseWriter, r *http.Request) {
	var req safety.RaiseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, outcome.CodeInvalidRequest)
		return
	}
	if !actsFor(w, r, req.DriverID) {
		return
	}
	res, err := s.svc.RaiseEmergency(r.Context(), req)
	if err != nil {
		writeOutcome(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetIncident(r.Context(), chi.URLParam(r, "incidentId"))
	if err != nil {
		writeOutcome(w, err)
		return
	}
	if !actsFor(w, r, view.DriverID) {
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	incidentID := chi.URLParam(r, "incidentId")
	view, err := s.svc.GetIncident(r.Context(), incidentID)
	if err != nil {
		writeOutcome(w, err)
		return
	}
	if !actsFor(w, r, view.DriverID) {
		return
	}
	var req safety.ResponseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, outcome.CodeInvalidRequest)
		return
	}
	req.IncidentID = incidentID
	req.RespondedBy = claimsFromContext(r.Context()).UserID
	res, err := s.svc.RespondToIncident(r.Context(), req)
	if err != nil {
		writeOutcome(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAssignCard(w http.ResponseWriter, r *http.Request) {
	cardID, ok := pathID(w, r, "cardId")
	if !ok {
		return
	}
	var req safety.AssignCardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, outcome.CodeInvalidRequest)
		return
	}
	req.CardID = cardID
	res, err := s.svc.AssignCard(r.Context(), req)
	if err != nil {
		writeOutcome(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Helpers

func statusFor(err error, ok int) int {
	if err == nil {
		return ok
	}
	switch outcome.KindOf(err) {
	case outcome.KindValidation:
		return http.StatusBadRequest
	case outcome.KindNotFound:
		return http.StatusNotFound
	case outcome.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeOutcome(w http.ResponseWriter, err error) {
	oe := outcome.From(err)
	writeError(w, statusFor(err, http.StatusOK), oe.Code)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, outcome.CodeInvalidRequest)
		return 0, false
	}
	return id, true
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
