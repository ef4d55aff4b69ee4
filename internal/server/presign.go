package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/handlers"
)

// PresignInput is the Huma input of POST /_cairn/presign.
type PresignInput struct {
	Body struct {
		Method  string `json:"method" enum:"GET,PUT" doc:"HTTP method the URL grants"`
		Bucket  string `json:"bucket" minLength:"3" maxLength:"63" doc:"Bucket name"`
		Key     string `json:"key" minLength:"1" maxLength:"1024" doc:"Object key"`
		Expires int    `json:"expires,omitempty" minimum:"0" maximum:"604800" doc:"Lifetime in seconds; 900 when omitted"`
	}
}

// PresignBody is the JSON body returned by the presign endpoint.
type PresignBody struct {
	Method        string              `json:"method"`
	URL           string              `json:"url"`
	Expires       time.Time           `json:"expires"`
	SignedHeaders map[string][]string `json:"signed_headers,omitempty"`
}

// PresignOutput is the Huma output of POST /_cairn/presign.
type PresignOutput struct {
	Body PresignBody
}

// registerPresign exposes the presigner to the bucket owner.
func (s *Server) registerPresign() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "presign-object-url",
		Method:        http.MethodPost,
		Path:          "/_cairn/presign",
		Summary:       "Presign an object URL",
		Description:   "Returns a SigV4 query-signed URL for GET or PUT on one object. Only the bucket owner may presign.",
		Tags:          []string{"Objects"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *PresignInput) (*PresignOutput, error) {
		if handlers.CallerFrom(ctx).Anonymous() {
			return nil, huma.Error403Forbidden("presigning requires the owner's credentials")
		}
		req, err := s.presigner.Presign(ctx, input.Body.Method, input.Body.Bucket, input.Body.Key,
			time.Duration(input.Body.Expires)*time.Second)
		if err != nil {
			var s3e *s3err.S3Error
			if errors.As(err, &s3e) && s3e.Kind == s3err.KindValidation {
				return nil, huma.Error400BadRequest(s3e.Message)
			}
			return nil, huma.Error500InternalServerError("presign failed", err)
		}
		return &PresignOutput{Body: PresignBody{
			Method:        req.Method,
			URL:           req.URL,
			Expires:       req.Expires,
			SignedHeaders: req.SignedHeader,
		}}, nil
	})
}
