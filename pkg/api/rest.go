package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sandboxrunner/resource-slot/pkg/monitoring"
	"github.com/sandboxrunner/resource-slot/pkg/sandbox"
	"github.com/sandboxrunner/resource-slot/pkg/version"
)

// RESTAPIConfig holds configuration for the REST API
type RESTAPIConfig struct {
	BasePath string
	// WaitTimeout bounds how long GET /sandboxes/{id}/wait blocks
	WaitTimeout       time.Duration
	MaxRequestSize    int64
	DefaultEventLimit int
}

// DefaultRESTAPIConfig returns default REST API configuration
func DefaultRESTAPIConfig() RESTAPIConfig {
	return RESTAPIConfig{
		BasePath:          "/api/v1",
		WaitTimeout:       5 * time.Minute,
		MaxRequestSize:    1 << 20,
		DefaultEventLimit: 100,
	}
}

// RESTAPI exposes a sandbox registry over HTTP
type RESTAPI struct {
	config   RESTAPIConfig
	registry sandbox.Registry
	tracing  *monitoring.TracingManager
	router   *mux.Router
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	// closed by Close to end event streams
	done      chan struct{}
	closeOnce sync.Once
}

// NewRESTAPI creates the REST API. tracing may be nil.
func NewRESTAPI(config RESTAPIConfig, registry sandbox.Registry, tracing *monitoring.TracingManager, logger zerolog.Logger) *RESTAPI {
	defaults := DefaultRESTAPIConfig()
	if config.BasePath == "" {
		config.BasePath = defaults.BasePath
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = defaults.WaitTimeout
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = defaults.MaxRequestSize
	}
	if config.DefaultEventLimit <= 0 {
		config.DefaultEventLimit = defaults.DefaultEventLimit
	}

	api := &RESTAPI{
		config:   config,
		registry: registry,
		tracing:  tracing,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "rest_api").Logger(),
		done:   make(chan struct{}),
	}

	api.setupRoutes()
	return api
}

// GetRouter returns the configured router
func (api *RESTAPI) GetRouter() *mux.Router {
	return api.router
}

// Close ends all open event streams
func (api *RESTAPI) Close() {
	api.closeOnce.Do(func() {
		close(api.done)
	})
}

func (api *RESTAPI) setupRoutes() {
	api.router.Use(api.requestIDMiddleware)
	if api.tracing != nil {
		api.router.Use(api.tracing.Middleware)
	}
	api.router.Use(api.accessLogMiddleware)

	router := api.router.PathPrefix(api.config.BasePath).Subrouter()

	// Sandbox lifecycle
	router.HandleFunc("/sandboxes", api.handleListSandboxes).Methods("GET")
	router.HandleFunc("/sandboxes", api.handleCreateSandbox).Methods("POST")
	router.HandleFunc("/sandboxes/{id}", api.handleGetSandbox).Methods("GET")
	router.HandleFunc("/sandboxes/{id}", api.handleUpdateSandbox).Methods("PUT")
	router.HandleFunc("/sandboxes/{id}", api.handleDeleteSandbox).Methods("DELETE")
	router.HandleFunc("/sandboxes/{id}/start", api.handleStartSandbox).Methods("POST")
	router.HandleFunc("/sandboxes/{id}/stop", api.handleStopSandbox).Methods("POST")

	// Sandbox queries
	router.HandleFunc("/sandboxes/{id}/status", api.handleSandboxStatus).Methods("GET")
	router.HandleFunc("/sandboxes/{id}/ping", api.handlePingSandbox).Methods("GET")
	router.HandleFunc("/sandboxes/{id}/data", api.handleSandboxData).Methods("GET")
	router.HandleFunc("/sandboxes/{id}/transitions", api.handleSandboxTransitions).Methods("GET")
	router.HandleFunc("/sandboxes/{id}/wait", api.handleWaitSandbox).Methods("GET")

	// Containers
	router.HandleFunc("/sandboxes/{id}/containers", api.handleListContainers).Methods("GET")
	router.HandleFunc("/sandboxes/{id}/containers", api.handleAppendContainer).Methods("POST")
	router.HandleFunc("/sandboxes/{id}/containers/{cid}", api.handleGetContainer).Methods("GET")
	router.HandleFunc("/sandboxes/{id}/containers/{cid}", api.handleUpdateContainer).Methods("PUT")
	router.HandleFunc("/sandboxes/{id}/containers/{cid}", api.handleRemoveContainer).Methods("DELETE")

	// Registry-wide
	router.HandleFunc("/usage", api.handleUsage).Methods("GET")
	router.HandleFunc("/events", api.handleEventHistory).Methods("GET")
	router.HandleFunc("/events/ws", api.handleEventStream).Methods("GET")
	router.HandleFunc("/version", api.handleVersion).Methods("GET")
	router.HandleFunc("/openapi.json", api.handleOpenAPISpec).Methods("GET")
}

// Sandbox handlers

func (api *RESTAPI) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	infos, err := api.registry.List(r.Context())
	if err != nil {
		api.writeRegistryError(w, r, "Failed to list sandboxes", err)
		return
	}

	api.writeJSONResponse(w, http.StatusOK, ListResponse{
		Data:      infos,
		Total:     len(infos),
		Timestamp: time.Now(),
	})
}

func (api *RESTAPI) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req CreateSandboxRequest
	if !api.decodeRequest(w, r, createSandboxSchema, &req) {
		return
	}

	if err := api.registry.Create(r.Context(), req.ID, req.Sandbox); err != nil {
		api.writeRegistryError(w, r, "Failed to create sandbox", err)
		return
	}

	info, err := api.sandboxInfo(r.Context(), req.ID)
	if err != nil {
		api.writeRegistryError(w, r, "Failed to read created sandbox", err)
		return
	}

	api.writeJSONResponse(w, http.StatusCreated, info)
}

func (api *RESTAPI) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	info, err := api.sandboxInfo(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.writeRegistryError(w, r, "Failed to get sandbox", err)
		return
	}

	api.writeJSONResponse(w, http.StatusOK, info)
}

func (api *RESTAPI) handleUpdateSandbox(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req UpdateSandboxRequest
	if !api.decodeRequest(w, r, updateSandboxSchema, &req) {
		return
	}

	if err := api.registry.Update(r.Context(), id, req.Sandbox); err != nil {
		api.writeRegistryError(w, r, "Failed to update sandbox", err)
		return
	}

	info, err := api.sandboxInfo(r.Context(), id)
	if err != nil {
		api.writeRegistryError(w, r, "Failed to read updated sandbox", err)
		return
	}

	api.writeJSONResponse(w, http.StatusOK, info)
}

func (api *RESTAPI) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	if err := api.registry.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		api.writeRegistryError(w, r, "Failed to delete sandbox", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (api *RESTAPI) handleStartSandbox(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := api.registry.Start(r.Context(), id); err != nil {
		api.writeRegistryError(w, r, "Failed to start sandbox", err)
		return
	}

	api.writeStatus(w, r, id)
}

func (api *RESTAPI) handleStopSandbox(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			api.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid force parameter", err)
			return
		}
		force = parsed
	}

	if err := api.registry.Stop(r.Context(), id, force); err != nil {
		api.writeRegistryError(w, r, "Failed to stop sandbox", err)
		return
	}

	api.writeStatus(w, r, id)
}

func (api *RESTAPI) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	api.writeStatus(w, r, mux.Vars(r)["id"])
}

func (api *RESTAPI) handlePingSandbox(w http.ResponseWriter, r *http.Request) {
	sb, err := api.registry.Sandbox(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.writeRegistryError(w, r, "Failed to ping sandbox", err)
		return
	}

	if err := sb.Ping(r.Context()); err != nil {
		api.writeRegistryError(w, r, "Failed to ping sandbox", err)
		return
	}

	api.writeJSONResponse(w, http.StatusOK, PingResponse{
		ID:        sb.ID(),
		Alive:     true,
		Timestamp: time.Now(),
	})
}

func (api *RESTAPI) handleSandboxData(w http.ResponseWriter, r *http.Request) {
	sb, err := api.registry.Sandbox(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.writeRegistryError(w, r, "Failed to get sandbox data", err)
		return
	}

	data, err := sb.Data(r.Context())
	if err != nil {
		api.writeRegistryError(w, r, "Failed to get sandbox data", err)
		return
	}

	api.writeJSONResponse(w, http.StatusOK, data)
}

func (api *RESTAPI) handleSandboxTransitions(w http.ResponseWriter, r *http.Request) {
	sb, err := api.registry.Sandbox(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.writeRegistryError(w, r, "Failed to get transitions", err)
		return
	}

	transitions, err := sb.Transitions(r.Context())
	if err != nil {
		api.writeRegistryError(w, r, "Failed to get transitions", err)
		return
	}

	api.writeJSONResponse(w, http.StatusOK, ListResponse{
		Data:      transitions,
		Total:     len(transitions),
		Timestamp: time.Now(),
	})
}

// handleWaitSandbox blocks until the sandbox's exit signal fires. The
// handle is resolved once, so deleting the sandbox afterwards leaves the
// request waiting on the detached object until it times out.
func (api *RESTAPI) handleWaitSandbox(w http.ResponseWriter, r *http.Request) {
	sb, err := api.registry.Sandbox(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.writeRegistryError(w, r, "Failed to wait for sandbox", err)
		return
	}

	timeout := api.config.WaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			api.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid timeout parameter", err)
			return
		}
		if parsed < timeout {
			timeout = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()
	if err := sb.ExitSignal().Wait(ctx); err != nil {
		api.writeRegistryError(w, r, "Sandbox did not exit", err)
		return
	}

	status, err := sb.Status(r.Context())
	if err != nil {
		api.writeRegistryError(w, r, "Failed to read sandbox status", err)
		return
	}

	api.writeJSONResponse(w, http.StatusOK, WaitResponse{
		ID:     sb.ID(),
		Status: status,
		Waited: time.Since(start).String(),
	})
}

// Container handlers

func (api *RESTAPI) handleListContainers(w http.ResponseWriter, r *http.Request) {
	sb, err := api.registry.Sandbox(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.writeRegistryError(w, r, "Failed to list containers", err)
		return
	}

	containers, err := sb.Containers(r.Context())
	if err != nil {
		api.writeRegistryError(w, r, "Failed to list containers", err)
		return
	}

	api.writeJSONResponse(w, http.StatusOK, ListResponse{
		Data:      containers,
		Total:     len(containers),
		Timestamp: time.Now(),
	})
}

func (api *RESTAPI) handleAppendContainer(w http.ResponseWriter, r *http.Request) {
	sb, err := api.registry.Sandbox(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.writeRegistryError(w, r, "Failed to append container", err)
		return
	}

	var req AppendContainerRequest
	if !api.decodeRequest(w, r, appendContainerSchema, &req) {
		return
	}

	if err := sb.AppendContainer(r.Context(), req.ID, req.Container); err != nil {
		api.writeRegistryError(w, r, "Failed to append container", err)
		return
	}

	api.writeContainer(w, r, sb, req.ID, http.StatusCreated)
}

func (api *RESTAPI) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	sb, err := api.registry.Sandbox(r.Context(), vars["id"])
	if err != nil {
		api.writeRegistryError(w, r, "Failed to get container", err)
		return
	}

	api.writeContainer(w, r, sb, vars["cid"], http.StatusOK)
}

func (api *RESTAPI) handleUpdateContainer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	sb, err := api.registry.Sandbox(r.Context(), vars["id"])
	if err != nil {
		api.writeRegistryError(w, r, "Failed to update container", err)
		return
	}

	var req UpdateContainerRequest
	if !api.decodeRequest(w, r, updateContainerSchema, &req) {
		return
	}

	if err := sb.UpdateContainer(r.Context(), vars["cid"], req.Container); err != nil {
		api.writeRegistryError(w, r, "Failed to update container", err)
		return
	}

	api.writeContainer(w, r, sb, vars["cid"], http.StatusOK)
}

func (api *RESTAPI) handleRemoveContainer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	sb, err := api.registry.Sandbox(r.Context(), vars["id"])
	if err != nil {
		api.writeRegistryError(w, r, "Failed to remove container", err)
		return
	}

	if err := sb.RemoveContainer(r.Context(), vars["cid"]); err != nil {
		api.writeRegistryError(w, r, "Failed to remove container", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Registry-wide handlers

func (api *RESTAPI) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := api.registry.Usage(r.Context())
	if err != nil {
		api.writeRegistryError(w, r, "Failed to aggregate usage", err)
		return
	}

	api.writeJSONResponse(w, http.StatusOK, usage)
}

// handleEventHistory returns recent lifecycle events. ?source=journal
// reads the persistent journal instead of the in-memory buffer.
func (api *RESTAPI) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	bus := api.registry.Events()
	if bus == nil {
		api.writeErrorResponse(w, r, http.StatusServiceUnavailable, "Lifecycle events are disabled", nil)
		return
	}

	query := r.URL.Query()

	limit := api.config.DefaultEventLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			api.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid limit parameter", err)
			return
		}
		limit = parsed
	}

	filter := eventFilter(query.Get("sandbox"), parseEventTypes(query.Get("type")))

	var events []sandbox.Event
	switch query.Get("source") {
	case "", "memory":
		for _, event := range bus.GetEventHistory(0) {
			if filter == nil || filter(event) {
				events = append(events, event)
			}
		}
		if limit > 0 && len(events) > limit {
			events = events[len(events)-limit:]
		}
	case "journal":
		loaded, err := bus.LoadPersistedEvents(filter, limit)
		if err != nil {
			api.writeErrorResponse(w, r, http.StatusServiceUnavailable, "Failed to load events from journal", err)
			return
		}
		events = loaded
	default:
		api.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid source parameter", fmt.Errorf("unknown source %q", query.Get("source")))
		return
	}

	if events == nil {
		events = []sandbox.Event{}
	}

	api.writeJSONResponse(w, http.StatusOK, ListResponse{
		Data:      events,
		Total:     len(events),
		Timestamp: time.Now(),
	})
}

func (api *RESTAPI) handleVersion(w http.ResponseWriter, r *http.Request) {
	api.writeJSONResponse(w, http.StatusOK, version.Get())
}

// Helper functions

func (api *RESTAPI) sandboxInfo(ctx context.Context, id string) (sandbox.Info, error) {
	sb, err := api.registry.Sandbox(ctx, id)
	if err != nil {
		return sandbox.Info{}, err
	}
	return sb.Info(ctx)
}

func (api *RESTAPI) writeStatus(w http.ResponseWriter, r *http.Request, id string) {
	sb, err := api.registry.Sandbox(r.Context(), id)
	if err != nil {
		api.writeRegistryError(w, r, "Failed to get sandbox status", err)
		return
	}

	status, err := sb.Status(r.Context())
	if err != nil {
		api.writeRegistryError(w, r, "Failed to get sandbox status", err)
		return
	}

	api.writeJSONResponse(w, http.StatusOK, StatusResponse{
		ID:          id,
		Status:      status,
		Description: status.String(),
	})
}

func (api *RESTAPI) writeContainer(w http.ResponseWriter, r *http.Request, sb *sandbox.Sandbox, id string, status int) {
	container, err := sb.Container(r.Context(), id)
	if err != nil {
		api.writeRegistryError(w, r, "Failed to get container", err)
		return
	}

	api.writeJSONResponse(w, status, container)
}

// decodeRequest validates the body against schema and decodes it into
// dst. It writes a 400 response and returns false on failure.
func (api *RESTAPI) decodeRequest(w http.ResponseWriter, r *http.Request, schema *gojsonschema.Schema, dst interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.config.MaxRequestSize))
	if err != nil {
		api.writeErrorResponse(w, r, http.StatusBadRequest, "Failed to read request body", err)
		return false
	}

	if err := validateBody(schema, body); err != nil {
		api.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", err)
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		api.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", err)
		return false
	}

	return true
}

// errorStatus maps registry errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sandbox.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (api *RESTAPI) writeRegistryError(w http.ResponseWriter, r *http.Request, message string, err error) {
	api.writeErrorResponse(w, r, errorStatus(err), message, err)
}

func (api *RESTAPI) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (api *RESTAPI) writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	errorResponse := ErrorResponse{
		Error: Error{
			Code:      status,
			Message:   message,
			Timestamp: time.Now(),
			RequestID: RequestIDFromContext(r.Context()),
		},
	}

	if err != nil {
		errorResponse.Error.Details = err.Error()

		logger := monitoring.LoggerWithTrace(r.Context(), api.logger)
		event := logger.Debug()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.Err(err).Int("status", status).Str("message", message).Msg("API error")
	}

	api.writeJSONResponse(w, status, errorResponse)
}

func parseEventTypes(raw string) []sandbox.EventType {
	if raw == "" {
		return nil
	}

	var types []sandbox.EventType
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			types = append(types, sandbox.EventType(part))
		}
	}
	return types
}

// eventFilter combines the optional sandbox and type query filters
func eventFilter(sandboxID string, types []sandbox.EventType) sandbox.EventFilter {
	var filters []sandbox.EventFilter
	if sandboxID != "" {
		filters = append(filters, sandbox.SandboxFilter(sandboxID))
	}
	if len(types) > 0 {
		filters = append(filters, sandbox.TypeFilter(types...))
	}

	if len(filters) == 0 {
		return nil
	}

	return func(event sandbox.Event) bool {
		for _, f := range filters {
			if !f(event) {
				return false
			}
		}
		return true
	}
}
