package server

import (
	"net/http"
	"strconv"
	"strings"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/registry"
	"github.com/cairnstore/cairn/internal/xmlutil"
)

// requestedHeaders splits Access-Control-Request-Headers.
func requestedHeaders(r *http.Request) []string {
	var out []string
	for _, v := range r.Header.Values("Access-Control-Request-Headers") {
		for _, h := range strings.Split(v, ",") {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				out = append(out, h)
			}
		}
	}
	return out
}

// setCORSHeaders writes the response headers granted by rule to origin.
func setCORSHeaders(h http.Header, rule *registry.CORSRule, origin string) {
	allowOrigin := origin
	for _, o := range rule.AllowedOrigins {
		if o == "*" {
			allowOrigin = "*"
			break
		}
	}
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	if allowOrigin != "*" {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	h.Set("Access-Control-Allow-Methods", strings.Join(rule.AllowedMethods, ", "))
	if len(rule.ExposeHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(rule.ExposeHeaders, ", "))
	}
	if rule.MaxAgeSeconds > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(rule.MaxAgeSeconds))
	}
	h.Add("Vary", "Origin")
	h.Add("Vary", "Access-Control-Request-Headers")
	h.Add("Vary", "Access-Control-Request-Method")
}

// preflight answers an OPTIONS request against the bucket's CORS rules.
func (s *Server) preflight(w http.ResponseWriter, r *http.Request, bucket string) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest.WithMessage(
			"Insufficient information. Origin request header needed."))
		return
	}
	method := r.Header.Get("Access-Control-Request-Method")
	if method == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest.WithMessage(
			"Invalid Access-Control-Request-Method: null"))
		return
	}

	headers := requestedHeaders(r)
	rule, err := s.engine.Registry().MatchCORS(bucket, origin, method, headers)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.From(err))
		return
	}
	setCORSHeaders(w.Header(), rule, origin)
	if len(headers) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
	}
	w.WriteHeader(http.StatusOK)
}

// corsMiddleware adds CORS response headers to actual (non-preflight)
// requests whose Origin matches a rule of the addressed bucket.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if bucket, _ := parsePath(r.URL.Path); bucket != "" {
			if rule, err := s.engine.Registry().MatchCORS(bucket, origin, r.Method, nil); err == nil {
				setCORSHeaders(w.Header(), rule, origin)
			}
		}
		next.ServeHTTP(w, r)
	})
}
