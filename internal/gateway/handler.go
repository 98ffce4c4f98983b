// Package gateway exposes the HTTP surface of the service: flow creation,
// the OAuth callback, cancellation, and status, plus the wiring that
// assembles every subsystem from configuration.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"tollgate/internal/flow"
	"tollgate/internal/status"
	"tollgate/pkg/logging"
)

// Handler serves the gateway's HTTP endpoints.
type Handler struct {
	flows      *flow.Manager
	resolver   *status.Resolver
	onAuthDone func(userID, serverID string)

	callbackPath string
}

// NewHandler creates the HTTP handler. onAuthDone is invoked after a
// callback completes successfully, letting the reconnection layer clear
// its markers.
func NewHandler(flows *flow.Manager, resolver *status.Resolver, callbackPath string, onAuthDone func(userID, serverID string)) *Handler {
	if onAuthDone == nil {
		onAuthDone = func(string, string) {}
	}
	return &Handler{
		flows:        flows,
		resolver:     resolver,
		onAuthDone:   onAuthDone,
		callbackPath: callbackPath,
	}
}

// Mux returns the routed handler.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/connect", h.handleConnect)
	mux.HandleFunc("GET "+h.callbackPath, h.handleCallback)
	mux.HandleFunc("POST /oauth/cancel", h.handleCancel)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug("Gateway", "Failed to encode response: %v", err)
	}
}

func writeFlowError(w http.ResponseWriter, err error) {
	code := flow.CodeOf(err)
	httpStatus := http.StatusInternalServerError
	switch code {
	case flow.CodeServerNotFound, flow.CodeFlowNotFound:
		httpStatus = http.StatusNotFound
	case flow.CodeInvalidStateFormat, flow.CodeInvalidState, flow.CodeFlowIDMismatch, flow.CodeMissingOAuthConfig:
		httpStatus = http.StatusBadRequest
	case flow.CodeFlowExpired:
		httpStatus = http.StatusGone
	case flow.CodeLockUnavailable:
		httpStatus = http.StatusConflict
	}

	body := map[string]string{"error": err.Error()}
	if code != "" {
		body["code"] = string(code)
	}
	writeJSON(w, httpStatus, body)
}

// handleConnect starts an authorization flow and sends the browser to the
// authorization server. API clients get the URL as JSON instead.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	serverID := r.URL.Query().Get("server")
	if userID == "" || serverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user and server query parameters are required"})
		return
	}

	f, authURL, err := h.flows.Create(r.Context(), userID, serverID)
	if err != nil {
		logging.Warn("Gateway", "Failed to create flow for %s/%s: %v", logging.TruncateUserID(userID), serverID, err)
		writeFlowError(w, err)
		return
	}

	if r.Header.Get("Accept") == "application/json" {
		writeJSON(w, http.StatusOK, map[string]string{
			"flow_id":           f.ID,
			"authorization_url": authURL,
			"expires_at":        f.ExpiresAt.Format(time.RFC3339),
		})
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback terminates the authorization flow when the browser comes
// back from the authorization server.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")

	if errParam := query.Get("error"); errParam != "" {
		desc := query.Get("error_description")
		logging.Warn("Gateway", "Callback returned error: %s - %s", errParam, desc)
		if state != "" {
			if _, err := h.flows.Fail(r.Context(), state, errParam); err != nil {
				logging.Debug("Gateway", "Could not record callback error: %v", err)
			}
		}
		if desc == "" {
			desc = errParam
		}
		renderErrorPage(w, http.StatusBadRequest, "The authorization server reported: "+desc)
		return
	}

	code := query.Get("code")
	if code == "" || state == "" {
		renderErrorPage(w, http.StatusBadRequest, "Invalid callback: missing code or state parameter.")
		return
	}

	f, err := h.flows.CompleteFromCallback(r.Context(), state, code)
	if err != nil {
		logging.Error("Gateway", err, "Failed to complete flow")
		switch flow.CodeOf(err) {
		case flow.CodeFlowExpired:
			renderErrorPage(w, http.StatusGone, "This authorization session has expired. Please start over.")
		case flow.CodeFlowNotFound, flow.CodeInvalidState, flow.CodeInvalidStateFormat, flow.CodeFlowIDMismatch:
			renderErrorPage(w, http.StatusBadRequest, "This authorization session is invalid. Please start over.")
		default:
			renderErrorPage(w, http.StatusInternalServerError, "Could not complete the authorization. Please try again.")
		}
		return
	}

	h.onAuthDone(f.UserID, f.ServerID)
	renderSuccessPage(w, f.ServerID)
}

// handleCancel abandons the pending flow for a pair.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	serverID := r.URL.Query().Get("server")
	if userID == "" || serverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user and server query parameters are required"})
		return
	}

	if err := h.flows.Cancel(r.Context(), userID, serverID); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// handleStatus reports the effective state of every server for a user.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user query parameter is required"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":    logging.TruncateUserID(userID),
		"servers": h.resolver.ResolveAll(r.Context(), userID),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
