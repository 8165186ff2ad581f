// ABOUTME: Media proxy that streams provider-hosted binaries to agents
// ABOUTME: Adds the provider bearer token so browsers never see it

package gateway

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/2389/coven-desk/internal/provider"
)

// handleMediaProxy handles GET /media-proxy?url=. Only https URLs are proxied.
func (g *Gateway) handleMediaProxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	u, err := url.Parse(raw)
	if raw == "" || err != nil || u.Scheme != "https" || u.Host == "" {
		g.sendJSONError(w, http.StatusBadRequest, "url must be an absolute https URL")
		return
	}

	body, contentType, err := g.provider.Stream(r.Context(), u.String())
	if err != nil {
		g.logger.Warn("media proxy fetch failed", "host", u.Host, "error", err)
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			g.sendJSONError(w, http.StatusNotFound, "media not found")
			return
		}
		g.sendJSONError(w, http.StatusBadGateway, "media fetch failed")
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		g.logger.Debug("media proxy copy interrupted", "host", u.Host, "error", err)
	}
}
