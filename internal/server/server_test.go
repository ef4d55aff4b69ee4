package server

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cairnstore/cairn/internal/config"
	"github.com/cairnstore/cairn/internal/engine"
	"github.com/cairnstore/cairn/internal/metrics"
	"github.com/cairnstore/cairn/internal/presign"
	"github.com/cairnstore/cairn/internal/storage"
	"github.com/cairnstore/cairn/internal/xmlutil"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

// ownerAuth is an Authorization header naming the default access key.
// Signatures are not verified, so any well-formed value identifies the owner.
const ownerAuth = "AWS4-HMAC-SHA256 Credential=cairn/20260101/us-east-1/s3/aws4_request, SignedHeaders=host, Signature=00"

// newTestServer creates a Server over an in-memory engine with the default
// configuration. mutate, when given, adjusts the configuration first.
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	for _, fn := range mutate {
		fn(cfg)
	}

	mem, err := storage.NewMemoryBackend(0, "", 0)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	e := engine.New(storage.NewBlobStore(mem, t.TempDir()), engine.Options{
		Region:      cfg.Server.Region,
		MinPartSize: int64(cfg.Engine.MinPartSize),
	})
	p, err := presign.New(presign.Options{
		Endpoint:  cfg.Server.PublicURL,
		Region:    cfg.Server.Region,
		AccessKey: cfg.Auth.AccessKey,
		SecretKey: cfg.Auth.SecretKey,
	})
	if err != nil {
		t.Fatalf("presign.New: %v", err)
	}
	return New(cfg, e, p)
}

// testRequest performs an HTTP request through the full middleware chain.
// headers are key/value pairs.
func testRequest(t *testing.T, srv *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// ownerRequest performs a request carrying the owner's credential.
func ownerRequest(t *testing.T, srv *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	return testRequest(t, srv, method, path, body, append([]string{"Authorization", ownerAuth}, headers...)...)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e xmlutil.ErrorResponse
	if err := xml.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	return e.Code
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ownerRequest(t, srv, "PUT", "/one", "")

	rec := testRequest(t, srv, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("GET /health Content-Type = %q, want application/json", ct)
	}

	var body HealthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET /health body unmarshal error: %v", err)
	}
	if body.Status != "ok" || body.Buckets != 1 || body.Uploads != 0 {
		t.Errorf("GET /health body = %+v", body)
	}
}

func TestHealthHeadEndpoint(t *testing.T) {
	srv := newTestServer(t)
	if rec := testRequest(t, srv, "HEAD", "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("HEAD /health status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestDocsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, "GET", "/docs", "")

	// Huma may return 200 directly or redirect to /docs/.
	if rec.Code == http.StatusMovedPermanently || rec.Code == http.StatusTemporaryRedirect {
		rec = testRequest(t, srv, "GET", rec.Header().Get("Location"), "")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /docs status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("GET /docs Content-Type = %q, want text/html", ct)
	}
}

func TestOpenAPIEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, "GET", "/openapi.json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /openapi.json status = %d, want %d", rec.Code, http.StatusOK)
	}

	var doc struct {
		OpenAPI string                     `json:"openapi"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("GET /openapi.json body is not valid JSON: %v", err)
	}
	if doc.OpenAPI == "" {
		t.Error("GET /openapi.json response does not contain 'openapi' key")
	}
	for _, p := range []string{"/health", "/_cairn/presign"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("OpenAPI document does not describe %s", p)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// Vectors only appear after their first observation.
	testRequest(t, srv, "GET", "/health", "")
	ownerRequest(t, srv, "PUT", "/metered", "")

	rec := testRequest(t, srv, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"cairn_http_requests_total",
		"cairn_http_request_duration_seconds",
		"cairn_s3_operations_total",
		"cairn_buckets_total",
		"cairn_object_versions_total",
		"cairn_blob_bytes",
		"cairn_bytes_received_total",
		"cairn_bytes_sent_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("GET /metrics does not contain %s", name)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.Metrics.Enabled = false })

	// Without the route /metrics is an anonymous request for bucket "metrics".
	rec := testRequest(t, srv, "GET", "/metrics", "")
	if rec.Code == http.StatusOK {
		t.Errorf("GET /metrics with metrics disabled should not return 200, got %d", rec.Code)
	}
}

func TestCommonHeaders(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, "GET", "/health", "")

	reqID := rec.Header().Get("x-amz-request-id")
	if len(reqID) != 16 {
		t.Errorf("x-amz-request-id = %q, want 16 characters", reqID)
	}
	if rec.Header().Get("x-amz-id-2") == "" {
		t.Error("Missing x-amz-id-2 header")
	}
	if rec.Header().Get("Date") == "" {
		t.Error("Missing Date header")
	}
	if got := rec.Header().Get("Server"); got != "Cairn" {
		t.Errorf("Server header = %q, want %q", got, "Cairn")
	}
}

func TestTransferEncodingCheck(t *testing.T) {
	srv := newTestServer(t)
	rec := ownerRequest(t, srv, "PUT", "/bucket", "", "Transfer-Encoding", "gzip")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotImplemented)
	}
}

func TestMetadataHeadersLowercase(t *testing.T) {
	srv := newTestServer(t)
	ownerRequest(t, srv, "PUT", "/meta", "")
	ownerRequest(t, srv, "PUT", "/meta/doc.txt", "hello", "X-Amz-Meta-Author", "ada")

	rec := ownerRequest(t, srv, "HEAD", "/meta/doc.txt", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("HEAD status = %d", rec.Code)
	}
	if got := rec.Result().Header["x-amz-meta-author"]; len(got) != 1 || got[0] != "ada" {
		t.Errorf("raw header map = %v, want lowercase x-amz-meta-author", rec.Result().Header)
	}
}

// TestRoutes verifies that every S3 route reaches its handler.
func TestRoutes(t *testing.T) {
	srv := newTestServer(t)
	if rec := ownerRequest(t, srv, "PUT", "/routes", ""); rec.Code != http.StatusOK {
		t.Fatalf("CreateBucket: %d %s", rec.Code, rec.Body.String())
	}
	if rec := ownerRequest(t, srv, "PUT", "/routes/obj", "data"); rec.Code != http.StatusOK {
		t.Fatalf("PutObject: %d %s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		method     string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"GET", "/", http.StatusOK, ""},
		{"POST", "/", http.StatusMethodNotAllowed, "MethodNotAllowed"},

		{"HEAD", "/routes", http.StatusOK, ""},
		{"GET", "/routes", http.StatusOK, ""},
		{"GET", "/routes?list-type=2", http.StatusOK, ""},
		{"GET", "/routes?versions", http.StatusOK, ""},
		{"GET", "/routes?uploads", http.StatusOK, ""},
		{"GET", "/routes?location", http.StatusOK, ""},
		{"GET", "/routes?acl", http.StatusOK, ""},
		{"GET", "/routes?versioning", http.StatusOK, ""},
		{"GET", "/routes?logging", http.StatusOK, ""},
		{"GET", "/routes?encryption", http.StatusNotFound, "ServerSideEncryptionConfigurationNotFoundError"},
		{"GET", "/routes?lifecycle", http.StatusNotFound, "NoSuchLifecycleConfiguration"},
		{"GET", "/routes?cors", http.StatusNotFound, "NoSuchCORSConfiguration"},
		{"GET", "/routes?website", http.StatusNotFound, "NoSuchWebsiteConfiguration"},
		{"GET", "/routes?policy", http.StatusNotFound, "NoSuchBucketPolicy"},
		{"GET", "/routes?ownershipControls", http.StatusNotFound, "OwnershipControlsNotFoundError"},
		{"GET", "/routes?tagging", http.StatusNotFound, "NoSuchTagSet"},
		{"GET", "/routes?publicAccessBlock", http.StatusNotFound, "NoSuchPublicAccessBlockConfiguration"},
		{"DELETE", "/routes?versioning", http.StatusNotImplemented, "NotImplemented"},
		{"DELETE", "/routes?cors", http.StatusNoContent, ""},
		{"POST", "/routes", http.StatusNotImplemented, "NotImplemented"},
		{"POST", "/routes?delete", http.StatusBadRequest, "MissingRequestBodyError"},
		{"PATCH", "/routes", http.StatusMethodNotAllowed, "MethodNotAllowed"},

		{"GET", "/routes/obj", http.StatusOK, ""},
		{"HEAD", "/routes/obj", http.StatusOK, ""},
		{"GET", "/routes/obj?tagging", http.StatusOK, ""},
		{"GET", "/routes/obj?acl", http.StatusNotImplemented, "NotImplemented"},
		{"PUT", "/routes/obj?acl", http.StatusNotImplemented, "NotImplemented"},
		{"GET", "/routes/obj?uploadId=missing", http.StatusNotFound, "NoSuchUpload"},
		{"PUT", "/routes/obj?partNumber=1&uploadId=missing", http.StatusNotFound, "NoSuchUpload"},
		{"DELETE", "/routes/obj?uploadId=missing", http.StatusNotFound, "NoSuchUpload"},
		{"POST", "/routes/obj", http.StatusNotImplemented, "NotImplemented"},
		{"GET", "/routes/missing", http.StatusNotFound, "NoSuchKey"},
		{"GET", "/nobucket/obj", http.StatusNotFound, "NoSuchBucket"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := ownerRequest(t, srv, tt.method, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" && tt.method != "HEAD" {
				if got := errorCode(t, rec); got != tt.wantCode {
					t.Errorf("code = %s, want %s", got, tt.wantCode)
				}
			}
		})
	}
}

func TestAnonymousRequests(t *testing.T) {
	srv := newTestServer(t)
	ownerRequest(t, srv, "PUT", "/private", "")

	tests := []struct {
		method, path string
	}{
		{"GET", "/"},
		{"PUT", "/newbucket"},
		{"GET", "/private"},
		{"PUT", "/private/key"},
		{"GET", "/private?versioning"},
	}
	for _, tt := range tests {
		rec := testRequest(t, srv, tt.method, tt.path, "")
		if rec.Code != http.StatusForbidden || errorCode(t, rec) != "AccessDenied" {
			t.Errorf("%s %s: %d %s, want 403 AccessDenied", tt.method, tt.path, rec.Code, rec.Body.String())
		}
	}

	// A public-read ACL opens reads to everyone.
	ownerRequest(t, srv, "PUT", "/private/key", "public")
	ownerRequest(t, srv, "PUT", "/private?acl", "", "x-amz-acl", "public-read")
	if rec := testRequest(t, srv, "GET", "/private", ""); rec.Code != http.StatusOK {
		t.Errorf("anonymous list on public-read bucket: %d %s", rec.Code, rec.Body.String())
	}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path       string
		wantBucket string
		wantKey    string
	}{
		{"/", "", ""},
		{"", "", ""},
		{"/my-bucket", "my-bucket", ""},
		{"/my-bucket/", "my-bucket", ""},
		{"/my-bucket/my-key", "my-bucket", "my-key"},
		{"/my-bucket/path/to/object", "my-bucket", "path/to/object"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			bucket, key := parsePath(tt.path)
			if bucket != tt.wantBucket || key != tt.wantKey {
				t.Errorf("parsePath(%q) = (%q, %q), want (%q, %q)", tt.path, bucket, key, tt.wantBucket, tt.wantKey)
			}
		})
	}
}
