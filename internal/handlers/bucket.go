package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/cairnstore/cairn/internal/engine"
	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/registry"
	"github.com/cairnstore/cairn/internal/xmlutil"
)

// BucketHandler contains handlers for S3 bucket-level operations.
type BucketHandler struct {
	engine *engine.Engine
}

// NewBucketHandler creates a new BucketHandler backed by e.
func NewBucketHandler(e *engine.Engine) *BucketHandler {
	return &BucketHandler{engine: e}
}

// ListBuckets handles GET / and returns the buckets owned by the caller.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	caller := CallerFrom(r.Context())
	buckets, err := h.engine.ListBuckets(caller)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result := &xmlutil.ListAllMyBucketsResult{Owner: toXMLOwner(caller.Owner)}
	for _, b := range buckets {
		result.Buckets = append(result.Buckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.CreatedAt),
			BucketRegion: b.Region,
		})
	}
	xmlutil.Render(w, result)
}

// CreateBucket handles PUT /{bucket}. An optional CreateBucketConfiguration
// body selects the region; x-amz-acl or x-amz-grant-* headers set the
// initial ACL and x-amz-object-ownership the ownership mode.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	caller := CallerFrom(r.Context())

	opts := registry.CreateOptions{
		Ownership: registry.Ownership(r.Header.Get("x-amz-object-ownership")),
	}
	acl, err := aclFromHeaders(r.Header, caller.Owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	opts.ACL = acl

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		writeError(w, r, s3err.ErrIncompleteBody)
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		region, err := parseCreateBucketRegion(body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		opts.Region = region
	}

	_, err = h.engine.CreateBucket(r.Context(), bucketName, caller, opts)
	if err != nil && !errors.Is(err, s3err.ErrBucketAlreadyOwnedByYou) {
		writeError(w, r, err)
		return
	}
	// Recreating an owned bucket succeeds, as in us-east-1.
	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// parseCreateBucketRegion extracts the LocationConstraint of a
// CreateBucketConfiguration body. An empty constraint means the default
// region.
func parseCreateBucketRegion(body []byte) (string, error) {
	var cfg xmlutil.CreateBucketConfiguration
	if err := xmlutil.Decode(strings.NewReader(string(body)), maxConfigBody, &cfg); err != nil {
		return "", err
	}
	loc := strings.TrimSpace(cfg.LocationConstraint)
	if loc == "EU" {
		loc = "eu-west-1"
	}
	return loc, nil
}

// DeleteBucket handles DELETE /{bucket}. The bucket must be empty.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteBucket(r.Context(), extractBucketName(r), CallerFrom(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket}.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	b, err := h.engine.HeadBucket(extractBucketName(r), CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("x-amz-bucket-region", b.Region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location. us-east-1 is reported
// as an empty constraint.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	b, err := h.bucket(r, "s3:GetBucketLocation")
	if err != nil {
		writeError(w, r, err)
		return
	}
	location := b.Region
	if location == "us-east-1" {
		location = ""
	}
	xmlutil.RenderLocationConstraint(w, location)
}

// GetBucketAcl handles GET /{bucket}?acl.
func (h *BucketHandler) GetBucketAcl(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if _, err := h.bucket(r, "s3:GetBucketAcl"); err != nil {
		writeError(w, r, err)
		return
	}
	acl, err := h.engine.Registry().GetACL(bucketName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.Render(w, toXMLACL(acl))
}

// PutBucketAcl handles PUT /{bucket}?acl. The ACL comes from a canned
// x-amz-acl header, x-amz-grant-* headers or an AccessControlPolicy body.
func (h *BucketHandler) PutBucketAcl(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	b, err := h.bucket(r, "s3:PutBucketAcl")
	if err != nil {
		writeError(w, r, err)
		return
	}

	acl, err := aclFromHeaders(r.Header, b.Owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if acl == nil {
		var acp xmlutil.AccessControlPolicy
		if err := xmlutil.Decode(r.Body, maxConfigBody, &acp); err != nil {
			writeError(w, r, err)
			return
		}
		parsed := fromXMLACL(acp)
		acl = &parsed
	}
	if err := h.engine.Registry().PutACL(bucketName, *acl); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// bucket authorizes action on the request's bucket and returns its record.
func (h *BucketHandler) bucket(r *http.Request, action string) (*registry.Bucket, error) {
	name := extractBucketName(r)
	if err := h.engine.Authorize(name, CallerFrom(r.Context()), action, ""); err != nil {
		return nil, err
	}
	return h.engine.Registry().Get(name)
}

// grantHeaderMap maps x-amz-grant-* header names to the corresponding S3
// permission string.
var grantHeaderMap = []struct{ header, permission string }{
	{"X-Amz-Grant-Full-Control", registry.PermFullControl},
	{"X-Amz-Grant-Read", registry.PermRead},
	{"X-Amz-Grant-Read-Acp", registry.PermReadACP},
	{"X-Amz-Grant-Write", registry.PermWrite},
	{"X-Amz-Grant-Write-Acp", registry.PermWriteACP},
}

// aclFromHeaders builds an ACL from x-amz-acl or x-amz-grant-* headers. It
// returns nil when neither is present; supplying both is an error.
func aclFromHeaders(h http.Header, owner metadata.Owner) (*registry.ACL, error) {
	canned := h.Get("x-amz-acl")
	grants, err := parseGrantHeaders(h)
	if err != nil {
		return nil, err
	}
	switch {
	case canned != "" && len(grants) > 0:
		return nil, s3err.ErrInvalidRequest.WithMessage("Specifying both Canned ACLs and Header Grants is not allowed")
	case canned != "":
		acl, err := registry.CannedACL(canned, owner)
		if err != nil {
			return nil, err
		}
		return &acl, nil
	case len(grants) > 0:
		return &registry.ACL{Owner: owner, Grants: grants}, nil
	}
	return nil, nil
}

// parseGrantHeaders parses x-amz-grant-* headers. The header values use the
// format id="canonical-user-id", uri="http://acs.amazonaws.com/groups/..."
// or emailAddress="...", comma-separated for multiple grantees.
func parseGrantHeaders(h http.Header) ([]registry.Grant, error) {
	var grants []registry.Grant
	for _, gh := range grantHeaderMap {
		headerVal := h.Get(gh.header)
		if headerVal == "" {
			continue
		}
		for _, entry := range strings.Split(headerVal, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			kind, val, ok := strings.Cut(entry, "=")
			if !ok {
				return nil, s3err.ErrInvalidArgument.WithMessage("Invalid grant header %s", gh.header)
			}
			val = strings.Trim(strings.TrimSpace(val), `"`)
			var grantee registry.Grantee
			switch strings.TrimSpace(kind) {
			case "id":
				grantee = registry.Grantee{Type: registry.GranteeCanonicalUser, ID: val}
			case "uri":
				grantee = registry.Grantee{Type: registry.GranteeGroup, URI: val}
			case "emailAddress":
				grantee = registry.Grantee{Type: registry.GranteeEmail, Email: val}
			default:
				return nil, s3err.ErrInvalidArgument.WithMessage("Invalid grantee type %q", kind)
			}
			grants = append(grants, registry.Grant{Grantee: grantee, Permission: gh.permission})
		}
	}
	return grants, nil
}

func toXMLACL(acl registry.ACL) *xmlutil.AccessControlPolicy {
	acp := &xmlutil.AccessControlPolicy{Owner: toXMLOwner(acl.Owner)}
	for _, g := range acl.Grants {
		acp.AccessControlList.Grants = append(acp.AccessControlList.Grants, xmlutil.Grant{
			Grantee: xmlutil.Grantee{
				Type:         g.Grantee.Type,
				ID:           g.Grantee.ID,
				DisplayName:  g.Grantee.DisplayName,
				URI:          g.Grantee.URI,
				EmailAddress: g.Grantee.Email,
			},
			Permission: g.Permission,
		})
	}
	return acp
}

func fromXMLACL(acp xmlutil.AccessControlPolicy) registry.ACL {
	acl := registry.ACL{Owner: metadata.Owner{ID: acp.Owner.ID, DisplayName: acp.Owner.DisplayName}}
	for _, g := range acp.AccessControlList.Grants {
		acl.Grants = append(acl.Grants, registry.Grant{
			Grantee: registry.Grantee{
				Type:        g.Grantee.Type,
				ID:          g.Grantee.ID,
				DisplayName: g.Grantee.DisplayName,
				URI:         g.Grantee.URI,
				Email:       g.Grantee.EmailAddress,
			},
			Permission: g.Permission,
		})
	}
	return acl
}
