package auth

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cairnstore/cairn/internal/engine"
	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/handlers"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/xmlutil"
)

// skipPaths is the set of paths that never carry an S3 principal.
var skipPaths = map[string]bool{
	"/health":       true,
	"/metrics":      true,
	"/docs":         true,
	"/docs/":        true,
	"/openapi":      true,
	"/openapi.json": true,
	"/openapi.yaml": true,
}

// Middleware returns HTTP middleware that attaches the requester to the
// request context. Requests credentialed with accessKey act as owner; requests
// without any credential are anonymous.
func Middleware(owner metadata.Owner, accessKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if skipPaths[path] || strings.HasPrefix(path, "/docs") {
				next.ServeHTTP(w, r)
				return
			}

			caller := engine.Caller{
				SourceIP:  sourceIP(r),
				Secure:    r.TLS != nil,
				UserAgent: r.UserAgent(),
				Referer:   r.Referer(),
			}

			var (
				cred Credential
				err  error
			)
			switch DetectMethod(r) {
			case MethodNone:
				next.ServeHTTP(w, r.WithContext(handlers.WithCaller(r.Context(), caller)))
				return
			case MethodAmbiguous:
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage(
					"Only one auth mechanism allowed; only the X-Amz-Algorithm query parameter, Signature query string parameter or the Authorization header should be specified"))
				return
			case MethodHeader:
				cred, err = ParseAuthorizationHeader(r.Header.Get("Authorization"))
			case MethodPresigned:
				cred, err = ParsePresigned(r, time.Now().UTC())
			}
			if err != nil {
				writeAuthError(w, r, err)
				return
			}
			if cred.AccessKeyID != accessKey {
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidAccessKeyId)
				return
			}

			caller.Owner = owner
			next.ServeHTTP(w, r.WithContext(handlers.WithCaller(r.Context(), caller)))
		})
	}
}

// writeAuthError maps a credential parse failure to an S3 error response.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errExpired) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied.WithMessage("Request has expired"))
		return
	}
	xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied.WithMessage("%s", err.Error()))
}

// sourceIP returns the client address without its port.
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
