// Package api exposes the command service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"gonetguard/internal/command"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 60 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	shutdownTimeout     = 5 * time.Second
	maxBodySize         = 1 << 16
)

// codeBadRequest is reported for requests rejected before reaching the service.
const codeBadRequest command.Code = "bad_request"

// Server routes HTTP requests to a command.Service.
type Server struct {
	svc    *command.Service
	router *mux.Router
	log    zerolog.Logger
}

// Response is the envelope of every reply.
type Response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries the command error code.
type ErrorBody struct {
	Code    command.Code `json:"code"`
	Message string       `json:"message"`
}

// NewServer creates a server for svc.
func NewServer(svc *command.Service, log zerolog.Logger) *Server {
	s := &Server{
		svc:    svc,
		router: mux.NewRouter(),
		log:    log,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.logRequests)

	v1.HandleFunc("/capture/start", s.handleStartCapture).Methods(http.MethodPost)
	v1.HandleFunc("/capture/stop", s.handleStopCapture).Methods(http.MethodPost)

	v1.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	v1.HandleFunc("/devices", s.handleClearDevices).Methods(http.MethodDelete)

	v1.HandleFunc("/blocked", s.handleBlocked).Methods(http.MethodGet)
	v1.HandleFunc("/blocked/{ip}", s.handleBlock).Methods(http.MethodPut)
	v1.HandleFunc("/blocked/{ip}", s.handleUnblock).Methods(http.MethodDelete)

	v1.HandleFunc("/network", s.handleNetwork).Methods(http.MethodGet)
	v1.HandleFunc("/scan/subnet", s.handleScanSubnet).Methods(http.MethodPost)
	v1.HandleFunc("/scan/ports/{ip}", s.handleScanPorts).Methods(http.MethodGet)

	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve answers requests on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()

	s.log.Info().Str("addr", l.Addr().String()).Msg("API listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return oops.Wrapf(err, "serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return oops.Wrapf(err, "shutdown")
	}

	return nil
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return oops.With("addr", addr).Wrapf(err, "listen")
	}

	return s.Serve(ctx, l)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("Request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StartCapture(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StopCapture(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	records, err := s.svc.DiscoveredDevices()
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleClearDevices(w http.ResponseWriter, _ *http.Request) {
	if err := s.svc.ClearDevices(); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleBlocked(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.BlockedIPs())
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Block(mux.Vars(r)["ip"]); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.svc.BlockedIPs())
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Unblock(mux.Vars(r)["ip"]); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.svc.BlockedIPs())
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.NetworkInfo(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// scanRequest optionally overrides the gateway taken from network info.
type scanRequest struct {
	Gateway string `json:"gateway"`
	OwnIP   string `json:"ownIp"`
}

func (s *Server) handleScanSubnet(w http.ResponseWriter, r *http.Request) {
	var req scanRequest

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, Response{Error: &ErrorBody{Code: codeBadRequest, Message: err.Error()}})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeEnvelope(w, http.StatusBadRequest, Response{Error: &ErrorBody{Code: codeBadRequest, Message: "malformed JSON body"}})
			return
		}
	}

	var result interface{}
	if req.Gateway != "" {
		result, err = s.svc.ScanSubnetFrom(r.Context(), req.Gateway, req.OwnIP)
	} else {
		result, err = s.svc.ScanSubnet(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleScanPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.svc.ScanPorts(r.Context(), mux.Vars(r)["ip"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ports)
}

// statusResponse adds live rates to command.Status.
type statusResponse struct {
	command.Status
	BandwidthBps  float64 `json:"bandwidthBps"`
	PacketsPerSec float64 `json:"packetsPerSec"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	bps, pps := s.svc.Rates()

	writeJSON(w, http.StatusOK, statusResponse{
		Status:        s.svc.Status(),
		BandwidthBps:  bps,
		PacketsPerSec: pps,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeEnvelope(w, http.StatusBadRequest, Response{Error: &ErrorBody{Code: codeBadRequest, Message: "limit must be a positive integer"}})
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, s.svc.Alerts(limit))
}

// statusFor maps a command error code to an HTTP status.
func statusFor(code command.Code) int {
	switch code {
	case command.CodeInvalidIP:
		return http.StatusBadRequest
	case command.CodeAlreadyRunning, command.CodeNotRunning:
		return http.StatusConflict
	case command.CodeTunnelUnavailable, command.CodeNetworkUnavailable:
		return http.StatusServiceUnavailable
	case command.CodeScanFailed:
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := command.ErrorCode(err)
	status := statusFor(code)

	message := err.Error()
	var cerr *command.Error
	if errors.As(err, &cerr) {
		message = cerr.Message()
	}

	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("code", string(code)).Msg("Command failed")
	}

	writeEnvelope(w, status, Response{Error: &ErrorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeEnvelope(w, status, Response{OK: true, Data: data})
}

func writeEnvelope(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
