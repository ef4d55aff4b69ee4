// Package server implements the Cairn HTTP server and S3-compatible route multiplexer.
package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cairnstore/cairn/internal/auth"
	"github.com/cairnstore/cairn/internal/config"
	"github.com/cairnstore/cairn/internal/engine"
	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/handlers"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/presign"
	"github.com/cairnstore/cairn/internal/xmlutil"
)

// Server is the Cairn HTTP server. It routes incoming requests to the
// appropriate S3-compatible handler based on the request method and path.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	engine     *engine.Engine
	presigner  *presign.Presigner
	owner      metadata.Owner
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	multi      *handlers.MultipartHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status  string `json:"status" example:"ok" doc:"Health status"`
	Buckets int    `json:"buckets" doc:"Number of buckets"`
	Uploads int    `json:"uploads" doc:"Multipart uploads in progress"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New creates a Server over e and wires up all S3-compatible routes on the
// Chi router with the Huma API. A nil presigner disables /_cairn/presign.
func New(cfg *config.Config, e *engine.Engine, presigner *presign.Presigner) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("Cairn S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:       cfg,
		router:    router,
		api:       api,
		engine:    e,
		presigner: presigner,
		owner:     metadata.Owner{ID: cfg.Auth.OwnerID, DisplayName: cfg.Auth.DisplayName},
		bucket:    handlers.NewBucketHandler(e),
		object:    handlers.NewObjectHandler(e),
		multi:     handlers.NewMultipartHandler(e),
	}
	s.registerRoutes()
	return s
}

// Handler returns the router wrapped in the full middleware chain:
// metrics -> common headers -> access log -> transfer encoding check ->
// auth -> CORS -> metadata header rewrite -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	// Rewrite x-amz-meta-* headers to lowercase (must be innermost wrapper).
	handler = metadataHeaderMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = auth.Middleware(s.owner, s.cfg.Auth.AccessKey)(handler)
	handler = transferEncodingCheck(handler)
	handler = accessLog(handler)
	handler = commonHeaders(handler)
	if s.cfg.Metrics.Enabled {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
// Huma routes (/health, /_cairn/presign, /docs, /openapi.json) and /metrics
// are registered first. The S3 catch-all /* is registered last.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the Cairn server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{
			Status:  "ok",
			Buckets: len(s.engine.Registry().List()),
			Uploads: s.engine.Uploads().Count(),
		}}, nil
	})

	// Huma only does one method per registration.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if s.presigner != nil {
		s.registerPresign()
	}
	if s.cfg.Metrics.Enabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	// Chi matches the more specific routes above first.
	s.router.HandleFunc("/*", s.dispatch)
}

// parsePath extracts bucket and object key from the request path.
// Returns ("", "") for root "/", ("bucket", "") for "/{bucket}",
// and ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ""
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

func notImplemented(w http.ResponseWriter, r *http.Request) {
	xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
}

// dispatch is the main request dispatcher. It parses the path to extract
// bucket and object key, then routes by HTTP method and query parameters.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)

	if r.Method == http.MethodOptions && bucket != "" {
		s.preflight(w, r, bucket)
		return
	}

	switch {
	case bucket == "":
		if r.Method == http.MethodGet {
			s.bucket.ListBuckets(w, r)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMethodNotAllowed)
	case key != "":
		s.dispatchObject(w, r)
	default:
		s.dispatchBucket(w, r)
	}
}

// dispatchObject routes requests addressed to /{bucket}/{key}.
func (s *Server) dispatchObject(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch r.Method {
	case http.MethodPut:
		switch {
		case q.Has("partNumber") && q.Has("uploadId"):
			s.multi.UploadPart(w, r)
		case q.Has("tagging"):
			s.object.PutObjectTagging(w, r)
		case q.Has("acl"):
			notImplemented(w, r)
		case r.Header.Get("X-Amz-Copy-Source") != "":
			s.object.CopyObject(w, r)
		default:
			s.object.PutObject(w, r)
		}
	case http.MethodGet:
		switch {
		case q.Has("tagging"):
			s.object.GetObjectTagging(w, r)
		case q.Has("acl"):
			notImplemented(w, r)
		case q.Has("uploadId"):
			s.multi.ListParts(w, r)
		default:
			s.object.GetObject(w, r)
		}
	case http.MethodHead:
		s.object.HeadObject(w, r)
	case http.MethodDelete:
		switch {
		case q.Has("tagging"):
			s.object.DeleteObjectTagging(w, r)
		case q.Has("uploadId"):
			s.multi.AbortMultipartUpload(w, r)
		default:
			s.object.DeleteObject(w, r)
		}
	case http.MethodPost:
		switch {
		case q.Has("uploadId"):
			s.multi.CompleteMultipartUpload(w, r)
		case q.Has("uploads"):
			s.multi.CreateMultipartUpload(w, r)
		default:
			notImplemented(w, r)
		}
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMethodNotAllowed)
	}
}

// bucketRoute binds the handlers of one bucket configuration sub-resource.
type bucketRoute struct {
	get, put, del http.HandlerFunc
}

// bucketSubresources maps a query sub-resource to its handlers. Missing
// methods answer NotImplemented.
func (s *Server) bucketSubresources() map[string]bucketRoute {
	b := s.bucket
	return map[string]bucketRoute{
		"versioning":        {get: b.GetBucketVersioning, put: b.PutBucketVersioning},
		"encryption":        {get: b.GetBucketEncryption, put: b.PutBucketEncryption, del: b.DeleteBucketEncryption},
		"lifecycle":         {get: b.GetBucketLifecycle, put: b.PutBucketLifecycle, del: b.DeleteBucketLifecycle},
		"cors":              {get: b.GetBucketCors, put: b.PutBucketCors, del: b.DeleteBucketCors},
		"website":           {get: b.GetBucketWebsite, put: b.PutBucketWebsite, del: b.DeleteBucketWebsite},
		"policy":            {get: b.GetBucketPolicy, put: b.PutBucketPolicy, del: b.DeleteBucketPolicy},
		"ownershipControls": {get: b.GetBucketOwnershipControls, put: b.PutBucketOwnershipControls, del: b.DeleteBucketOwnershipControls},
		"tagging":           {get: b.GetBucketTagging, put: b.PutBucketTagging, del: b.DeleteBucketTagging},
		"logging":           {get: b.GetBucketLogging, put: b.PutBucketLogging},
		"publicAccessBlock": {get: b.GetPublicAccessBlock, put: b.PutPublicAccessBlock, del: b.DeletePublicAccessBlock},
		"acl":               {get: b.GetBucketAcl, put: b.PutBucketAcl},
	}
}

// dispatchBucket routes requests addressed to /{bucket}.
func (s *Server) dispatchBucket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	for name, route := range s.bucketSubresources() {
		if !q.Has(name) {
			continue
		}
		var fn http.HandlerFunc
		switch r.Method {
		case http.MethodGet:
			fn = route.get
		case http.MethodPut:
			fn = route.put
		case http.MethodDelete:
			fn = route.del
		}
		if fn == nil {
			notImplemented(w, r)
			return
		}
		fn(w, r)
		return
	}

	switch r.Method {
	case http.MethodPut:
		s.bucket.CreateBucket(w, r)
	case http.MethodGet:
		switch {
		case q.Has("location"):
			s.bucket.GetBucketLocation(w, r)
		case q.Has("uploads"):
			s.multi.ListMultipartUploads(w, r)
		case q.Has("versions"):
			s.object.ListObjectVersions(w, r)
		case q.Get("list-type") == "2":
			s.object.ListObjectsV2(w, r)
		default:
			s.object.ListObjects(w, r)
		}
	case http.MethodHead:
		s.bucket.HeadBucket(w, r)
	case http.MethodDelete:
		s.bucket.DeleteBucket(w, r)
	case http.MethodPost:
		if q.Has("delete") {
			s.object.DeleteObjects(w, r)
			return
		}
		notImplemented(w, r)
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMethodNotAllowed)
	}
}
