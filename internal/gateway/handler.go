package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// responseHeaders are copied from the upstream response to the client.
var responseHeaders = []string{
	"Content-Type",
	"Location",
	"X-Request-Id",
}

type Handler struct {
	storefront *ServiceProxy
	logger     *slog.Logger
}

func NewHandler(storefront *ServiceProxy, logger *slog.Logger) *Handler {
	return &Handler{
		storefront: storefront,
		logger:     logger,
	}
}

// HandleStorefront forwards the request to the orders service at the same
// path.
func (h *Handler) HandleStorefront(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.storefront, r.URL.Path)
}

func (h *Handler) proxyRequest(w http.ResponseWriter, r *http.Request, proxy *ServiceProxy, path string) {
	resp, err := proxy.ForwardRequest(r.Context(), r, path)
	if err != nil {
		h.logger.Error("failed to forward request", "error", err, "path", path)
		h.writeError(w, http.StatusBadGateway, "service unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for _, name := range responseHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}

	w.WriteHeader(resp.StatusCode)

	h.logger.Info("request proxied", "method", r.Method, "path", path, "status", resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("failed to copy response body", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"success": false, "message": message}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}
