package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	lifecycle "haulmatch/contexts/dispatch-core/booking-lifecycle"
	lifecycleerrors "haulmatch/contexts/dispatch-core/booking-lifecycle/domain/errors"
	lifecyclehttp "haulmatch/contexts/dispatch-core/booking-lifecycle/transport/http"

	httpSwagger "github.com/swaggo/http-swagger"
	_ "haulmatch/internal/platform/httpserver/docs"
)

// Roles forwarded by the gateway in X-User-Role.
const (
	roleCustomer    = "customer"
	roleTransporter = "transporter"
)

type Server struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	addr      string
	lifecycle lifecycle.Module
	ws        http.Handler
}

func New(
	lifecycleModule lifecycle.Module,
	wsHandler http.Handler,
	logger *slog.Logger,
	addr string,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		mux:       http.NewServeMux(),
		logger:    logger,
		addr:      addr,
		lifecycle: lifecycleModule,
		ws:        wsHandler,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Start() error {
	s.logger.Info("http server starting",
		"event", "http_server_starting",
		"module", "internal/platform/httpserver",
		"layer", "platform",
		"addr", s.addr,
	)
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.Handle("/swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	s.mux.HandleFunc("POST /api/dispatch/v1/bookings", s.handleCreateBooking)
	s.mux.HandleFunc("PATCH /api/dispatch/v1/bookings/{booking_id}/cancel", s.handleCancelBooking)
	s.mux.HandleFunc("POST /api/dispatch/v1/bookings/{booking_id}/accept", s.handleAcceptBooking)
	s.mux.HandleFunc("GET /api/dispatch/v1/bookings/active", s.handleActiveBookings)

	if s.ws != nil {
		s.mux.Handle("GET /ws", s.ws)
	}
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.requireRole(w, r, roleCustomer)
	if !ok {
		return
	}

	var req lifecyclehttp.CreateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDispatchError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.lifecycle.Handler.CreateBookingHandler(r.Context(), customerID, req)
	if err != nil {
		writeDispatchDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.requireRole(w, r, roleCustomer)
	if !ok {
		return
	}

	bookingID := r.PathValue("booking_id")
	resp, err := s.lifecycle.Handler.CancelBookingHandler(r.Context(), bookingID, customerID)
	if err != nil {
		writeDispatchDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAcceptBooking(w http.ResponseWriter, r *http.Request) {
	transporterID, ok := s.requireRole(w, r, roleTransporter)
	if !ok {
		return
	}

	var req lifecyclehttp.AcceptBookingRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDispatchError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
	}

	bookingID := r.PathValue("booking_id")
	resp, err := s.lifecycle.Handler.AcceptBookingHandler(r.Context(), bookingID, transporterID, req)
	if err != nil {
		writeDispatchDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleActiveBookings(w http.ResponseWriter, r *http.Request) {
	transporterID, ok := s.requireRole(w, r, roleTransporter)
	if !ok {
		return
	}

	resp, err := s.lifecycle.Handler.ActiveBookingsHandler(r.Context(), transporterID)
	if err != nil {
		writeDispatchDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// requireRole reads the gateway identity headers. The gateway has already
// authenticated the caller; this layer only enforces which role may hit
// which endpoint.
func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, role string) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		writeDispatchError(w, http.StatusUnauthorized, "missing_user", "X-User-Id header is required")
		return "", false
	}
	if got := strings.TrimSpace(r.Header.Get("X-User-Role")); got != "" && got != role {
		writeDispatchError(w, http.StatusForbidden, "forbidden", "endpoint requires role "+role)
		return "", false
	}
	return userID, true
}

func writeDispatchDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycleerrors.ErrOrderActiveExists):
		writeDispatchError(w, http.StatusConflict, "order_active_exists", err.Error())
	case errors.Is(err, lifecycleerrors.ErrBookingNotFound):
		writeDispatchError(w, http.StatusNotFound, "booking_not_found", err.Error())
	case errors.Is(err, lifecycleerrors.ErrForbidden):
		writeDispatchError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, lifecycleerrors.ErrBookingCannotCancel):
		writeDispatchError(w, http.StatusConflict, "booking_cannot_cancel", err.Error())
	case errors.Is(err, lifecycleerrors.ErrRequestAlreadyTaken):
		writeDispatchError(w, http.StatusConflict, "request_already_taken", err.Error())
	case errors.Is(err, lifecycleerrors.ErrVehicleTypeMismatch):
		writeDispatchError(w, http.StatusBadRequest, "vehicle_type_mismatch", err.Error())
	case errors.Is(err, lifecycleerrors.ErrVehicleInsufficient):
		writeDispatchError(w, http.StatusForbidden, "vehicle_insufficient", err.Error())
	case errors.Is(err, lifecycleerrors.ErrInvalidBookingInput):
		writeDispatchError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, lifecycleerrors.ErrStoreUnavailable):
		writeDispatchError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		writeDispatchError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeDispatchError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, lifecyclehttp.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
