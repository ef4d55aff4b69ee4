package registry

import (
	"strings"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/policy"
)

// AccessRequest describes one authorization check. An empty Caller.ID is an
// anonymous request. Key is empty for bucket-level actions.
type AccessRequest struct {
	Caller     metadata.Owner
	Action     string
	Key        string
	Attributes map[string]string
}

// aclPermission maps an action to the bucket ACL permission that grants it.
// Actions missing from the table can only be granted by policy.
var aclPermission = map[string]string{
	"s3:ListBucket":                 PermRead,
	"s3:ListBucketVersions":         PermRead,
	"s3:ListBucketMultipartUploads": PermRead,
	"s3:PutObject":                  PermWrite,
	"s3:DeleteObject":               PermWrite,
	"s3:DeleteObjectVersion":        PermWrite,
	"s3:AbortMultipartUpload":       PermWrite,
	"s3:GetBucketAcl":               PermReadACP,
	"s3:PutBucketAcl":               PermWriteACP,
}

// Authorize decides whether req may act on bucket. An explicit policy Deny
// always wins. Authenticated callers are otherwise allowed; anonymous callers
// need a policy Allow or a public ACL grant, subject to the bucket's public
// access block.
func (r *Registry) Authorize(bucket string, req AccessRequest) error {
	b, err := r.Get(bucket)
	if err != nil {
		return err
	}

	var doc *policy.Document
	if b.Policy != nil {
		doc = b.Policy.Document
	}
	decision := doc.Evaluate(policy.Request{
		Principal:  req.Caller.ID,
		Action:     req.Action,
		Resource:   policy.ResourceARN(b.Name, req.Key),
		Attributes: req.Attributes,
	})
	if decision == policy.Deny {
		return s3err.ErrAccessDenied
	}
	if req.Caller.ID != "" {
		return nil
	}

	pab := PublicAccessBlock{}
	if b.PublicAccessBlock != nil {
		pab = *b.PublicAccessBlock
	}
	if decision == policy.Allow && !(pab.RestrictPublicBuckets && doc.IsPublic()) {
		return nil
	}
	if perm, ok := aclPermission[req.Action]; ok &&
		b.Ownership != OwnershipBucketOwnerEnforced && !pab.IgnorePublicAcls && b.ACL.allows("", perm) {
		return nil
	}
	return s3err.ErrAccessDenied
}

// MatchCORS returns the first rule of the bucket's CORS configuration that
// allows origin, method and every requested header.
func (r *Registry) MatchCORS(bucket, origin, method string, headers []string) (*CORSRule, error) {
	b, err := r.Get(bucket)
	if err != nil {
		return nil, err
	}
	for i := range b.CORS {
		rule := &b.CORS[i]
		if !matchAnyPattern(rule.AllowedOrigins, origin, false) {
			continue
		}
		if !containsString(rule.AllowedMethods, method) {
			continue
		}
		allowed := true
		for _, h := range headers {
			if h = strings.TrimSpace(h); h != "" && !matchAnyPattern(rule.AllowedHeaders, h, true) {
				allowed = false
				break
			}
		}
		if allowed {
			return rule, nil
		}
	}
	return nil, s3err.ErrCORSForbidden
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// matchAnyPattern matches s against patterns holding at most one '*'.
func matchAnyPattern(patterns []string, s string, foldCase bool) bool {
	if foldCase {
		s = strings.ToLower(s)
	}
	for _, p := range patterns {
		if foldCase {
			p = strings.ToLower(p)
		}
		before, after, wild := strings.Cut(p, "*")
		if !wild {
			if p == s {
				return true
			}
			continue
		}
		if len(s) >= len(before)+len(after) && strings.HasPrefix(s, before) && strings.HasSuffix(s, after) {
			return true
		}
	}
	return false
}
