package server

import (
	"net/http"
	"testing"
)

const corsConfig = `<CORSConfiguration>` +
	`<CORSRule><AllowedOrigin>https://app.example.com</AllowedOrigin>` +
	`<AllowedMethod>PUT</AllowedMethod><AllowedMethod>GET</AllowedMethod>` +
	`<AllowedHeader>content-*</AllowedHeader><ExposeHeader>ETag</ExposeHeader>` +
	`<MaxAgeSeconds>600</MaxAgeSeconds></CORSRule>` +
	`<CORSRule><AllowedOrigin>*</AllowedOrigin><AllowedMethod>GET</AllowedMethod></CORSRule>` +
	`</CORSConfiguration>`

func newCORSServer(t *testing.T) *Server {
	t.Helper()
	srv := newTestServer(t)
	ownerRequest(t, srv, "PUT", "/site", "")
	if rec := ownerRequest(t, srv, "PUT", "/site?cors", corsConfig); rec.Code != http.StatusOK {
		t.Fatalf("PutBucketCors: %d %s", rec.Code, rec.Body.String())
	}
	return srv
}

func TestPreflight(t *testing.T) {
	srv := newCORSServer(t)

	tests := []struct {
		name        string
		headers     []string
		wantStatus  int
		wantOrigin  string
		wantHeaders string
		wantMaxAge  string
	}{
		{
			name:        "specific origin",
			headers:     []string{"Origin", "https://app.example.com", "Access-Control-Request-Method", "PUT", "Access-Control-Request-Headers", "Content-Type, Content-MD5"},
			wantStatus:  http.StatusOK,
			wantOrigin:  "https://app.example.com",
			wantHeaders: "content-type, content-md5",
			wantMaxAge:  "600",
		},
		{
			name:       "wildcard origin",
			headers:    []string{"Origin", "https://other.example.org", "Access-Control-Request-Method", "GET"},
			wantStatus: http.StatusOK,
			wantOrigin: "*",
		},
		{
			name:       "method not allowed",
			headers:    []string{"Origin", "https://other.example.org", "Access-Control-Request-Method", "DELETE"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "header not allowed",
			headers:    []string{"Origin", "https://app.example.com", "Access-Control-Request-Method", "PUT", "Access-Control-Request-Headers", "x-custom"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "missing origin",
			headers:    []string{"Access-Control-Request-Method", "GET"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing method",
			headers:    []string{"Origin", "https://app.example.com"},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRequest(t, srv, "OPTIONS", "/site/photo.jpg", "", tt.headers...)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rec.Header().Get("Access-Control-Allow-Headers"); got != tt.wantHeaders {
				t.Errorf("Allow-Headers = %q, want %q", got, tt.wantHeaders)
			}
			if got := rec.Header().Get("Access-Control-Max-Age"); got != tt.wantMaxAge {
				t.Errorf("Max-Age = %q, want %q", got, tt.wantMaxAge)
			}
		})
	}
}

func TestPreflightUnconfiguredBucket(t *testing.T) {
	srv := newTestServer(t)
	ownerRequest(t, srv, "PUT", "/plain", "")

	rec := testRequest(t, srv, "OPTIONS", "/plain", "", "Origin", "https://app.example.com", "Access-Control-Request-Method", "GET")
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "AccessForbidden" {
		t.Errorf("got %d %s, want 403 AccessForbidden", rec.Code, rec.Body.String())
	}
}

func TestCORSResponseHeaders(t *testing.T) {
	srv := newCORSServer(t)
	ownerRequest(t, srv, "PUT", "/site/index.html", "<html/>")

	rec := ownerRequest(t, srv, "GET", "/site/index.html", "", "Origin", "https://app.example.com")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != "ETag" {
		t.Errorf("Expose-Headers = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q", got)
	}

	// DELETE matches no rule, so no CORS headers are added.
	rec = ownerRequest(t, srv, "DELETE", "/site/index.html", "", "Origin", "https://app.example.com")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("DELETE Allow-Origin = %q, want none", got)
	}
}
