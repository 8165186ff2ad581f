// ABOUTME: Tests for the Graph API client against an httptest server
// ABOUTME: Covers payload JSON, multipart upload, media resolution, timeouts and API errors

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:       srv.URL,
		APIVersion:    "v20.0",
		PhoneNumberID: "PHONE",
		AccessToken:   "TOKEN",
		Timeout:       2 * time.Second,
		MaxMediaBytes: 1024,
	}, nil)
}

func TestSend_PayloadVariants(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    string
	}{
		{"text", TextPayload{Body: "hi"}, `{"messaging_product":"whatsapp","recipient_type":"individual","to":"+1555","type":"text","text":{"body":"hi"}}`},
		{"image", ImagePayload{MediaID: "m1", Caption: "look"}, `{"messaging_product":"whatsapp","recipient_type":"individual","to":"+1555","type":"image","image":{"id":"m1","caption":"look"}}`},
		{"document", DocumentPayload{MediaID: "m2", Filename: "a.pdf"}, `{"messaging_product":"whatsapp","recipient_type":"individual","to":"+1555","type":"document","document":{"id":"m2","filename":"a.pdf"}}`},
		{"audio", AudioPayload{MediaID: "m3"}, `{"messaging_product":"whatsapp","recipient_type":"individual","to":"+1555","type":"audio","audio":{"id":"m3"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody string
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v20.0/PHONE/messages", r.URL.Path)
				assert.Equal(t, "Bearer TOKEN", r.Header.Get("Authorization"))
				b, _ := io.ReadAll(r.Body)
				gotBody = string(b)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
			}))

			id, err := c.Send(context.Background(), "+1555", tt.payload)
			require.NoError(t, err)
			assert.Equal(t, "wamid.out", id)
			assert.JSONEq(t, tt.want, gotBody)
		})
	}
}

func TestSend_APIError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid parameter","type":"OAuthException","code":100}}`))
	}))

	_, err := c.Send(context.Background(), "+1555", TextPayload{Body: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, 100, apiErr.Code)
	assert.Equal(t, "Invalid parameter", apiErr.Message)
}

func TestSend_TimeoutIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL, PhoneNumberID: "P", Timeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	_, err := c.Send(context.Background(), "+1555", TextPayload{Body: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUploadMedia_Multipart(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v20.0/PHONE/media", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whatsapp", r.FormValue("messaging_product"))
		assert.Equal(t, "audio/ogg", r.FormValue("type"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "OggS", string(data))
		assert.Equal(t, "voice.ogg", hdr.Filename)
		assert.Equal(t, "audio/ogg", hdr.Header.Get("Content-Type"))

		_, _ = w.Write([]byte(`{"id":"media-123"}`))
	}))

	id, err := c.UploadMedia(context.Background(), []byte("OggS"), "audio/ogg", "voice.ogg")
	require.NoError(t, err)
	assert.Equal(t, "media-123", id)
}

func TestUploadMedia_MissingID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	_, err := c.UploadMedia(context.Background(), []byte("x"), "", "")
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestFetchMedia_ResolvesIDThenDownloads(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/v20.0/media-9", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(MediaInfo{ID: "media-9", URL: srvURL + "/cdn/media-9", MimeType: "image/png"})
	})
	mux.HandleFunc("/cdn/media-9", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer TOKEN", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("PNGDATA"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	c := NewClient(Config{BaseURL: srv.URL, AccessToken: "TOKEN"}, nil)
	data, mimeType, err := c.FetchMedia(context.Background(), "media-9")
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))
	assert.Equal(t, "image/png", mimeType)
}

func TestDownload_SizeLimit(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}))

	_, _, err := c.FetchMedia(context.Background(), c.cfg.BaseURL+"/big")
	assert.ErrorIs(t, err, ErrMediaTooLarge)
}

func TestStream(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("JPEG"))
	}))

	body, contentType, err := c.Stream(context.Background(), c.cfg.BaseURL+"/file")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "JPEG", string(data))
	assert.Equal(t, "image/jpeg", contentType)
}

func TestObserver(t *testing.T) {
	var ops []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL}, nil, WithObserver(func(op string, err error, elapsed time.Duration) {
		ops = append(ops, op)
	}))
	_, err := c.Send(context.Background(), "+1", TextPayload{Body: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"send"}, ops)
}
