package manager

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pitchey/sessiond/internal/models"
	"github.com/pitchey/sessiond/internal/store"
)

const maxJSONBytes = 1 << 20 // Maximum size for JSON request bodies (1MB)

// SessionAPI handles the session lifecycle HTTP surface.
//
// Endpoints:
//   - POST   /sessions                    - Create a new session
//   - GET    /sessions                    - List sessions (userId, status, sessionType, limit)
//   - GET    /sessions/{id}               - Get session details
//   - PUT    /sessions/{id}               - Update configuration, resources, scaling
//   - DELETE /sessions/{id}               - Terminate a session
//   - POST   /sessions/{id}/hibernate     - Hibernate a session
//   - POST   /sessions/{id}/resume        - Resume a hibernating session
//   - POST   /sessions/{id}/scale         - Evaluate or request a scaling action
//   - POST   /sessions/{id}/snapshot      - Create a snapshot now
//   - POST   /sessions/{id}/restore       - Restore from the restore point
//   - GET    /sessions/{id}/connections   - List open connections
//   - GET    /sessions/{id}/connect       - Attach a websocket connection
//   - GET    /metrics                     - Fleet-level metrics summary
//   - POST   /cleanup                     - Force a cleanup pass
//   - GET    /health                      - Daemon health
type SessionAPI struct {
	controller *SessionLifecycleController
	registry   *ConnectionRegistry
	scheduler  *ReconciliationScheduler
	store      *store.Store
	accountant *ResourceAccountant
	logger     *log.Logger
	started    time.Time
	now        func() time.Time
}

// NewSessionAPI builds the HTTP API.
func NewSessionAPI(controller *SessionLifecycleController, registry *ConnectionRegistry, scheduler *ReconciliationScheduler, st *store.Store, accountant *ResourceAccountant, logger *log.Logger) *SessionAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &SessionAPI{
		controller: controller,
		registry:   registry,
		scheduler:  scheduler,
		store:      st,
		accountant: accountant,
		logger:     logger,
		started:    time.Now(),
		now:        time.Now,
	}
}

// Register wires all handlers into the mux.
func (api *SessionAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sessions", api.recovered(api.handleSessions))
	mux.HandleFunc("/sessions/", api.recovered(api.handleSessionByID))
	mux.HandleFunc("/metrics", api.recovered(api.handleMetrics))
	mux.HandleFunc("/cleanup", api.recovered(api.handleCleanup))
	mux.HandleFunc("/health", api.recovered(api.handleHealth))
}

// recovered turns a handler panic into a generic 500 without leaking
// internals to the client.
func (api *SessionAPI) recovered(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				api.logger.Printf("api: panic %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next(w, r)
	}
}

type createSessionRequest struct {
	ID            string                     `json:"id,omitempty"`
	UserID        string                     `json:"userId"`
	ContainerID   string                     `json:"containerId,omitempty"`
	SessionType   string                     `json:"sessionType,omitempty"`
	ExpiresAt     *time.Time                 `json:"expiresAt,omitempty"`
	Configuration *models.ConfigurationPatch `json:"configuration,omitempty"`
	Resources     *models.ResourcesPatch     `json:"resources,omitempty"`
	Persistence   *models.PersistencePatch   `json:"persistence,omitempty"`
	Scaling       *models.ScalingPatch       `json:"scaling,omitempty"`
	Security      *models.SecurityPatch      `json:"security,omitempty"`
}

type updateSessionRequest struct {
	Configuration *models.ConfigurationPatch `json:"configuration,omitempty"`
	Resources     *models.ResourcesPatch     `json:"resources,omitempty"`
	Scaling       *models.ScalingPatch       `json:"scaling,omitempty"`
}

type scaleSessionRequest struct {
	Action   string `json:"action,omitempty"`
	Replicas int    `json:"replicas,omitempty"`
}

type restoreSessionRequest struct {
	SnapshotID string `json:"snapshotId,omitempty"`
}

type scaleSessionResponse struct {
	ScalingDecision ScalingDecision `json:"scalingDecision"`
}

type listSessionsResponse struct {
	Sessions []models.Session `json:"sessions"`
	Count    int              `json:"count"`
}

type connectionsResponse struct {
	Connections []models.SessionConnection `json:"connections"`
	Count       int                        `json:"count"`
}

type cleanupResponse struct {
	Purged int `json:"purged"`
}

type fleetMetricsResponse struct {
	TotalSessions     int                          `json:"totalSessions"`
	SessionsByStatus  map[models.SessionStatus]int `json:"sessionsByStatus"`
	ActiveConnections int                          `json:"activeConnections"`
	TotalRequests     int64                        `json:"totalRequests"`
	BytesTransferred  int64                        `json:"bytesTransferred"`
	ReservedCPU       float64                      `json:"reservedCpu"`
	ReservedMemoryMiB float64                      `json:"reservedMemoryMib"`
	ReservedDiskMiB   float64                      `json:"reservedDiskMib"`
}

type healthResponse struct {
	Status             string   `json:"status"`
	UptimeMs           int64    `json:"uptimeMs"`
	ActiveSessions     int      `json:"activeSessions"`
	HibernatedSessions int      `json:"hibernatedSessions"`
	TotalSessions      int      `json:"totalSessions"`
	Issues             []string `json:"issues"`
}

func (api *SessionAPI) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		api.createSession(w, r)
	case http.MethodGet:
		api.listSessions(w, r)
	default:
		writeMethodNotAllowed(w, []string{http.MethodPost, http.MethodGet})
	}
}

func (api *SessionAPI) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if tail == "" || tail == r.URL.Path {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	parts := strings.SplitN(tail, "/", 2)
	id := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			api.getSession(w, r, id)
		case http.MethodPut:
			api.updateSession(w, r, id)
		case http.MethodDelete:
			api.terminateSession(w, r, id)
		default:
			writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPut, http.MethodDelete})
		}
		return
	}
	switch parts[1] {
	case "hibernate":
		api.postOnly(w, r, func() { api.hibernateSession(w, r, id) })
	case "resume":
		api.postOnly(w, r, func() { api.resumeSession(w, r, id) })
	case "scale":
		api.postOnly(w, r, func() { api.scaleSession(w, r, id) })
	case "snapshot":
		api.postOnly(w, r, func() { api.snapshotSession(w, r, id) })
	case "restore":
		api.postOnly(w, r, func() { api.restoreSession(w, r, id) })
	case "connections":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, []string{http.MethodGet})
			return
		}
		api.listConnections(w, r, id)
	case "connect":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, []string{http.MethodGet})
			return
		}
		api.connect(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (api *SessionAPI) postOnly(w http.ResponseWriter, r *http.Request, fn func()) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	fn()
}

func (api *SessionAPI) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	session, err := api.controller.CreateSession(r.Context(), CreateSpec{
		ID:            req.ID,
		UserID:        req.UserID,
		ContainerID:   req.ContainerID,
		SessionType:   models.SessionType(req.SessionType),
		ExpiresAt:     req.ExpiresAt,
		Configuration: req.Configuration,
		Resources:     req.Resources,
		Persistence:   req.Persistence,
		Scaling:       req.Scaling,
		Security:      req.Security,
	})
	if err != nil {
		api.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (api *SessionAPI) listSessions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseQueryInt(query.Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	sessions, err := api.controller.ListSessions(r.Context(), ListFilter{
		UserID:      query.Get("userId"),
		Status:      models.SessionStatus(query.Get("status")),
		SessionType: models.SessionType(query.Get("sessionType")),
		Limit:       limit,
	})
	if err != nil {
		api.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions, Count: len(sessions)})
}

func (api *SessionAPI) getSession(w http.ResponseWriter, r *http.Request, id string) {
	session, err := api.controller.GetSession(r.Context(), id)
	if err != nil {
		api.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (api *SessionAPI) updateSession(w http.ResponseWriter, r *http.Request, id string) {
	var req updateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := api.controller.UpdateSession(r.Context(), id, UpdateSpec{
		Configuration: req.Configuration,
		Resources:     req.Resources,
		Scaling:       req.Scaling,
	})
	if err != nil {
		api.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (api *SessionAPI) terminateSession(w http.ResponseWriter, r *http.Request, id string) {
	session, err := api.controller.TerminateSession(r.Context(), id)
	if err != nil {
		api.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (api *SessionAPI) hibernateSession(w http.ResponseWriter, r *http.Request, id string) {
	session, err := api.controller.HibernateSession(r.Context(), id)
	if err != nil {
		api.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (api *SessionAPI) resumeSession(w http.ResponseWriter, r *http.Request, id string) {
	session, err := api.controller.ResumeSession(r.Context(), id)
	if err != nil {
		api.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (api *SessionAPI) scaleSession(w http.ResponseWriter, r *http.Request, id string) {
	var req scaleSessionRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	decision, err := api.controller.ScaleSession(r.Context(), id, req.Action, req.Replicas)
	if err != nil {
		api.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scaleSessionResponse{ScalingDecision: decision})
}

func (api *SessionAPI) snapshotSession(w http.ResponseWriter, r *http.Request, id string) {
	point, err := api.controller.CreateSnapshot(r.Context(), id)
	if err != nil {
		api.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, point)
}

func (api *SessionAPI) restoreSession(w http.ResponseWriter, r *http.Request, id string) {
	var req restoreSessionRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := api.controller.RestoreSnapshot(r.Context(), id, req.SnapshotID)
	if err != nil {
		api.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (api *SessionAPI) listConnections(w http.ResponseWriter, r *http.Request, id string) {
	conns, err := api.controller.ListConnections(r.Context(), id)
	if err != nil {
		api.writeManagerError(w, err)
		return
	}
	if conns == nil {
		conns = []models.SessionConnection{}
	}
	writeJSON(w, http.StatusOK, connectionsResponse{Connections: conns, Count: len(conns)})
}

func (api *SessionAPI) connect(w http.ResponseWriter, r *http.Request, id string) {
	if api.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "connections unavailable")
		return
	}
	if err := api.registry.Accept(w, r, id); err != nil {
		api.writeManagerError(w, err)
	}
}

func (api *SessionAPI) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	sessions, err := api.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load sessions")
		return
	}
	resp := fleetMetricsResponse{
		TotalSessions:    len(sessions),
		SessionsByStatus: make(map[models.SessionStatus]int),
	}
	for _, session := range sessions {
		resp.SessionsByStatus[session.Status]++
		resp.ActiveConnections += session.Metrics.ActiveConnections
		resp.TotalRequests += session.Metrics.TotalRequests
		resp.BytesTransferred += session.Metrics.BytesTransferred
	}
	resp.ReservedCPU, resp.ReservedMemoryMiB, resp.ReservedDiskMiB = api.accountant.ReservedTotals()
	writeJSON(w, http.StatusOK, resp)
}

func (api *SessionAPI) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	purged, err := api.scheduler.CleanupNow(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{Purged: purged})
}

func (api *SessionAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	resp := healthResponse{
		Status:   "healthy",
		UptimeMs: api.now().Sub(api.started).Milliseconds(),
		Issues:   []string{},
	}
	if err := api.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Issues = append(resp.Issues, "store unreachable: "+err.Error())
	} else if sessions, err := api.store.List(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Issues = append(resp.Issues, "store list failed: "+err.Error())
	} else {
		resp.TotalSessions = len(sessions)
		for _, session := range sessions {
			switch session.Status {
			case models.StatusActive:
				resp.ActiveSessions++
			case models.StatusHibernating:
				resp.HibernatedSessions++
			}
		}
	}
	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// writeManagerError maps manager sentinels onto HTTP statuses.
func (api *SessionAPI) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, ErrNoRestorePoint):
		writeError(w, http.StatusNotFound, "no restore point")
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrConnectionLimit):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrResourceExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrContainerInit):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		api.logger.Printf("api: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := json.Marshal(map[string]string{"error": msg})
	w.Write(data)
}

func writeMethodNotAllowed(w http.ResponseWriter, methods []string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func parseQueryInt(value string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}
