package handlers

import (
	"io"
	"net/http"
	"strings"
	"time"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/registry"
	"github.com/cairnstore/cairn/internal/xmlutil"
)

// maxPolicySize is the largest accepted bucket policy document.
const maxPolicySize = 20 << 10

// authorized checks action against the request's bucket and returns the
// bucket name, writing the error response on failure.
func (h *BucketHandler) authorized(w http.ResponseWriter, r *http.Request, action string) (string, bool) {
	name := extractBucketName(r)
	if err := h.engine.Authorize(name, CallerFrom(r.Context()), action, ""); err != nil {
		writeError(w, r, err)
		return "", false
	}
	return name, true
}

// finish writes status on success or the error response otherwise.
func finish(w http.ResponseWriter, r *http.Request, err error, status int) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(status)
}

// GetBucketVersioning handles GET /{bucket}?versioning.
func (h *BucketHandler) GetBucketVersioning(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:GetBucketVersioning")
	if !ok {
		return
	}
	status, err := h.engine.Registry().GetVersioning(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.Render(w, xmlutil.VersioningConfiguration{Xmlns: xmlutil.NS, Status: string(status)})
}

// PutBucketVersioning handles PUT /{bucket}?versioning.
func (h *BucketHandler) PutBucketVersioning(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutBucketVersioning")
	if !ok {
		return
	}
	var cfg xmlutil.VersioningConfiguration
	if err := xmlutil.Decode(r.Body, maxConfigBody, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	if cfg.MfaDelete == "Enabled" {
		writeError(w, r, s3err.ErrNotImplemented.WithMessage("MFA delete is not supported"))
		return
	}
	err := h.engine.Registry().PutVersioning(name, metadata.VersioningStatus(cfg.Status))
	finish(w, r, err, http.StatusOK)
}

// GetBucketEncryption handles GET /{bucket}?encryption.
func (h *BucketHandler) GetBucketEncryption(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:GetEncryptionConfiguration")
	if !ok {
		return
	}
	cfg, err := h.engine.Registry().GetEncryption(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.Render(w, xmlutil.ServerSideEncryptionConfiguration{
		Xmlns: xmlutil.NS,
		Rules: []xmlutil.SSERule{{
			ApplyServerSideEncryptionByDefault: xmlutil.SSEDefault{
				SSEAlgorithm:   cfg.Algorithm,
				KMSMasterKeyID: cfg.KMSMasterKeyID,
			},
			BucketKeyEnabled: cfg.BucketKeyEnabled,
		}},
	})
}

// PutBucketEncryption handles PUT /{bucket}?encryption. Only the first rule
// is honored.
func (h *BucketHandler) PutBucketEncryption(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutEncryptionConfiguration")
	if !ok {
		return
	}
	var cfg xmlutil.ServerSideEncryptionConfiguration
	if err := xmlutil.Decode(r.Body, maxConfigBody, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	if len(cfg.Rules) == 0 {
		writeError(w, r, s3err.ErrMalformedXML)
		return
	}
	rule := cfg.Rules[0]
	err := h.engine.Registry().PutEncryption(name, registry.EncryptionConfig{
		Algorithm:        rule.ApplyServerSideEncryptionByDefault.SSEAlgorithm,
		KMSMasterKeyID:   rule.ApplyServerSideEncryptionByDefault.KMSMasterKeyID,
		BucketKeyEnabled: rule.BucketKeyEnabled,
	})
	finish(w, r, err, http.StatusOK)
}

// DeleteBucketEncryption handles DELETE /{bucket}?encryption.
func (h *BucketHandler) DeleteBucketEncryption(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutEncryptionConfiguration")
	if !ok {
		return
	}
	finish(w, r, h.engine.Registry().DeleteEncryption(name), http.StatusNoContent)
}

// GetBucketLifecycle handles GET /{bucket}?lifecycle.
func (h *BucketHandler) GetBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:GetLifecycleConfiguration")
	if !ok {
		return
	}
	rules, err := h.engine.Registry().GetLifecycle(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := xmlutil.LifecycleConfiguration{Xmlns: xmlutil.NS}
	for _, rule := range rules {
		out.Rules = append(out.Rules, toXMLLifecycleRule(rule))
	}
	xmlutil.Render(w, out)
}

// PutBucketLifecycle handles PUT /{bucket}?lifecycle.
func (h *BucketHandler) PutBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutLifecycleConfiguration")
	if !ok {
		return
	}
	var cfg xmlutil.LifecycleConfiguration
	if err := xmlutil.Decode(r.Body, maxConfigBody, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	rules := make([]registry.LifecycleRule, 0, len(cfg.Rules))
	for _, x := range cfg.Rules {
		rule, err := fromXMLLifecycleRule(x)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rules = append(rules, rule)
	}
	finish(w, r, h.engine.Registry().PutLifecycle(name, rules), http.StatusOK)
}

// DeleteBucketLifecycle handles DELETE /{bucket}?lifecycle.
func (h *BucketHandler) DeleteBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutLifecycleConfiguration")
	if !ok {
		return
	}
	finish(w, r, h.engine.Registry().DeleteLifecycle(name), http.StatusNoContent)
}

func fromXMLLifecycleRule(x xmlutil.LifecycleRule) (registry.LifecycleRule, error) {
	rule := registry.LifecycleRule{ID: x.ID, Status: x.Status}
	switch {
	case x.Filter != nil && x.Filter.And != nil:
		and := x.Filter.And
		rule.Filter = registry.LifecycleFilter{
			Prefix:                and.Prefix,
			Tags:                  fromXMLTags(and.Tags),
			ObjectSizeGreaterThan: and.ObjectSizeGreaterThan,
			ObjectSizeLessThan:    and.ObjectSizeLessThan,
		}
	case x.Filter != nil:
		rule.Filter = registry.LifecycleFilter{
			Prefix:                x.Filter.Prefix,
			ObjectSizeGreaterThan: x.Filter.ObjectSizeGreaterThan,
			ObjectSizeLessThan:    x.Filter.ObjectSizeLessThan,
		}
		if x.Filter.Tag != nil {
			rule.Filter.Tags = []metadata.Tag{{Key: x.Filter.Tag.Key, Value: x.Filter.Tag.Value}}
		}
	case x.Prefix != nil:
		rule.Filter.Prefix = *x.Prefix
	}
	if e := x.Expiration; e != nil {
		exp := &registry.Expiration{Days: e.Days, ExpiredObjectDeleteMarker: e.ExpiredObjectDeleteMarker}
		if e.Date != "" {
			t, err := time.Parse(time.RFC3339, e.Date)
			if err != nil {
				return rule, s3err.ErrMalformedXML.WithMessage("Expiration date must be in ISO 8601 format")
			}
			exp.Date = t.UTC()
		}
		rule.Expiration = exp
	}
	if n := x.NoncurrentVersionExpiration; n != nil {
		rule.NoncurrentVersionExpiration = &registry.NoncurrentVersionExpiration{
			NoncurrentDays:          n.NoncurrentDays,
			NewerNoncurrentVersions: n.NewerNoncurrentVersions,
		}
	}
	if a := x.AbortIncompleteMultipartUpload; a != nil {
		rule.AbortIncompleteMultipartUpload = &registry.AbortIncompleteMultipartUpload{DaysAfterInitiation: a.DaysAfterInitiation}
	}
	return rule, nil
}

func toXMLLifecycleRule(rule registry.LifecycleRule) xmlutil.LifecycleRule {
	x := xmlutil.LifecycleRule{ID: rule.ID, Status: rule.Status}
	f := rule.Filter
	predicates := len(f.Tags)
	for _, set := range []bool{f.Prefix != "", f.ObjectSizeGreaterThan > 0, f.ObjectSizeLessThan > 0} {
		if set {
			predicates++
		}
	}
	if predicates > 1 {
		x.Filter = &xmlutil.LifecycleFilter{And: &xmlutil.LifecycleAnd{
			Prefix:                f.Prefix,
			Tags:                  toXMLTags(f.Tags),
			ObjectSizeGreaterThan: f.ObjectSizeGreaterThan,
			ObjectSizeLessThan:    f.ObjectSizeLessThan,
		}}
	} else {
		x.Filter = &xmlutil.LifecycleFilter{
			Prefix:                f.Prefix,
			ObjectSizeGreaterThan: f.ObjectSizeGreaterThan,
			ObjectSizeLessThan:    f.ObjectSizeLessThan,
		}
		if len(f.Tags) == 1 {
			x.Filter.Tag = &xmlutil.Tag{Key: f.Tags[0].Key, Value: f.Tags[0].Value}
		}
	}
	if e := rule.Expiration; e != nil {
		x.Expiration = &xmlutil.LifecycleExpiration{
			Days:                      e.Days,
			Date:                      formatOptionalTime(e.Date),
			ExpiredObjectDeleteMarker: e.ExpiredObjectDeleteMarker,
		}
	}
	if n := rule.NoncurrentVersionExpiration; n != nil {
		x.NoncurrentVersionExpiration = &xmlutil.NoncurrentVersionExpiration{
			NoncurrentDays:          n.NoncurrentDays,
			NewerNoncurrentVersions: n.NewerNoncurrentVersions,
		}
	}
	if a := rule.AbortIncompleteMultipartUpload; a != nil {
		x.AbortIncompleteMultipartUpload = &xmlutil.AbortIncompleteMultipartUpload{DaysAfterInitiation: a.DaysAfterInitiation}
	}
	return x
}

// GetBucketCors handles GET /{bucket}?cors.
func (h *BucketHandler) GetBucketCors(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:GetBucketCORS")
	if !ok {
		return
	}
	rules, err := h.engine.Registry().GetCORS(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := xmlutil.CORSConfiguration{Xmlns: xmlutil.NS}
	for _, rule := range rules {
		out.Rules = append(out.Rules, xmlutil.CORSRule(rule))
	}
	xmlutil.Render(w, out)
}

// PutBucketCors handles PUT /{bucket}?cors.
func (h *BucketHandler) PutBucketCors(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutBucketCORS")
	if !ok {
		return
	}
	var cfg xmlutil.CORSConfiguration
	if err := xmlutil.Decode(r.Body, maxConfigBody, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	rules := make([]registry.CORSRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		rules = append(rules, registry.CORSRule(rule))
	}
	finish(w, r, h.engine.Registry().PutCORS(name, rules), http.StatusOK)
}

// DeleteBucketCors handles DELETE /{bucket}?cors.
func (h *BucketHandler) DeleteBucketCors(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutBucketCORS")
	if !ok {
		return
	}
	finish(w, r, h.engine.Registry().DeleteCORS(name), http.StatusNoContent)
}

// GetBucketWebsite handles GET /{bucket}?website.
func (h *BucketHandler) GetBucketWebsite(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:GetBucketWebsite")
	if !ok {
		return
	}
	cfg, err := h.engine.Registry().GetWebsite(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := xmlutil.WebsiteConfiguration{Xmlns: xmlutil.NS}
	if cfg.IndexDocument != "" {
		out.IndexDocument = &xmlutil.IndexDocument{Suffix: cfg.IndexDocument}
	}
	if cfg.ErrorDocument != "" {
		out.ErrorDocument = &xmlutil.ErrorDocument{Key: cfg.ErrorDocument}
	}
	if rd := cfg.RedirectAllRequestsTo; rd != nil {
		out.RedirectAllRequestsTo = &xmlutil.RedirectAllRequestsTo{HostName: rd.HostName, Protocol: rd.Protocol}
	}
	xmlutil.Render(w, out)
}

// PutBucketWebsite handles PUT /{bucket}?website.
func (h *BucketHandler) PutBucketWebsite(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutBucketWebsite")
	if !ok {
		return
	}
	var in xmlutil.WebsiteConfiguration
	if err := xmlutil.Decode(r.Body, maxConfigBody, &in); err != nil {
		writeError(w, r, err)
		return
	}
	var cfg registry.WebsiteConfig
	if in.IndexDocument != nil {
		cfg.IndexDocument = in.IndexDocument.Suffix
	}
	if in.ErrorDocument != nil {
		cfg.ErrorDocument = in.ErrorDocument.Key
	}
	if rd := in.RedirectAllRequestsTo; rd != nil {
		cfg.RedirectAllRequestsTo = &registry.Redirect{HostName: rd.HostName, Protocol: rd.Protocol}
	}
	finish(w, r, h.engine.Registry().PutWebsite(name, cfg), http.StatusOK)
}

// DeleteBucketWebsite handles DELETE /{bucket}?website.
func (h *BucketHandler) DeleteBucketWebsite(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:DeleteBucketWebsite")
	if !ok {
		return
	}
	finish(w, r, h.engine.Registry().DeleteWebsite(name), http.StatusNoContent)
}

// GetBucketPolicy handles GET /{bucket}?policy and returns the document as
// it was stored.
func (h *BucketHandler) GetBucketPolicy(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:GetBucketPolicy")
	if !ok {
		return
	}
	raw, err := h.engine.Registry().GetPolicy(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// PutBucketPolicy handles PUT /{bucket}?policy with a JSON body.
func (h *BucketHandler) PutBucketPolicy(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutBucketPolicy")
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPolicySize+1))
	if err != nil {
		writeError(w, r, s3err.ErrIncompleteBody)
		return
	}
	switch {
	case len(strings.TrimSpace(string(raw))) == 0:
		writeError(w, r, s3err.ErrMissingRequestBodyError)
		return
	case len(raw) > maxPolicySize:
		writeError(w, r, s3err.ErrMalformedPolicy.WithMessage("Policies must be smaller than 20KB"))
		return
	}
	finish(w, r, h.engine.Registry().PutPolicy(name, raw), http.StatusNoContent)
}

// DeleteBucketPolicy handles DELETE /{bucket}?policy.
func (h *BucketHandler) DeleteBucketPolicy(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:DeleteBucketPolicy")
	if !ok {
		return
	}
	finish(w, r, h.engine.Registry().DeletePolicy(name), http.StatusNoContent)
}

// GetBucketOwnershipControls handles GET /{bucket}?ownershipControls.
func (h *BucketHandler) GetBucketOwnershipControls(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:GetBucketOwnershipControls")
	if !ok {
		return
	}
	mode, err := h.engine.Registry().GetOwnershipControls(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.Render(w, xmlutil.OwnershipControls{
		Xmlns: xmlutil.NS,
		Rules: []xmlutil.OwnershipControlsRule{{ObjectOwnership: string(mode)}},
	})
}

// PutBucketOwnershipControls handles PUT /{bucket}?ownershipControls.
func (h *BucketHandler) PutBucketOwnershipControls(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutBucketOwnershipControls")
	if !ok {
		return
	}
	var cfg xmlutil.OwnershipControls
	if err := xmlutil.Decode(r.Body, maxConfigBody, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	if len(cfg.Rules) != 1 {
		writeError(w, r, s3err.ErrMalformedXML)
		return
	}
	err := h.engine.Registry().PutOwnershipControls(name, registry.Ownership(cfg.Rules[0].ObjectOwnership))
	finish(w, r, err, http.StatusOK)
}

// DeleteBucketOwnershipControls handles DELETE /{bucket}?ownershipControls.
func (h *BucketHandler) DeleteBucketOwnershipControls(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutBucketOwnershipControls")
	if !ok {
		return
	}
	finish(w, r, h.engine.Registry().DeleteOwnershipControls(name), http.StatusNoContent)
}

// GetBucketTagging handles GET /{bucket}?tagging.
func (h *BucketHandler) GetBucketTagging(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:GetBucketTagging")
	if !ok {
		return
	}
	tags, err := h.engine.Registry().GetTagging(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.Render(w, xmlutil.Tagging{Xmlns: xmlutil.NS, TagSet: toXMLTags(tags)})
}

// PutBucketTagging handles PUT /{bucket}?tagging.
func (h *BucketHandler) PutBucketTagging(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutBucketTagging")
	if !ok {
		return
	}
	var in xmlutil.Tagging
	if err := xmlutil.Decode(r.Body, maxConfigBody, &in); err != nil {
		writeError(w, r, err)
		return
	}
	finish(w, r, h.engine.Registry().PutTagging(name, fromXMLTags(in.TagSet)), http.StatusNoContent)
}

// DeleteBucketTagging handles DELETE /{bucket}?tagging.
func (h *BucketHandler) DeleteBucketTagging(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutBucketTagging")
	if !ok {
		return
	}
	finish(w, r, h.engine.Registry().DeleteTagging(name), http.StatusNoContent)
}

// GetBucketLogging handles GET /{bucket}?logging. A bucket without a target
// renders an empty BucketLoggingStatus.
func (h *BucketHandler) GetBucketLogging(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:GetBucketLogging")
	if !ok {
		return
	}
	cfg, err := h.engine.Registry().GetLogging(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := xmlutil.BucketLoggingStatus{Xmlns: xmlutil.NS}
	if cfg != nil {
		out.LoggingEnabled = &xmlutil.LoggingEnabled{TargetBucket: cfg.TargetBucket, TargetPrefix: cfg.TargetPrefix}
	}
	xmlutil.Render(w, out)
}

// PutBucketLogging handles PUT /{bucket}?logging. An empty status turns
// logging off.
func (h *BucketHandler) PutBucketLogging(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutBucketLogging")
	if !ok {
		return
	}
	var in xmlutil.BucketLoggingStatus
	if err := xmlutil.Decode(r.Body, maxConfigBody, &in); err != nil {
		writeError(w, r, err)
		return
	}
	var cfg *registry.LoggingConfig
	if le := in.LoggingEnabled; le != nil {
		cfg = &registry.LoggingConfig{TargetBucket: le.TargetBucket, TargetPrefix: le.TargetPrefix}
	}
	finish(w, r, h.engine.Registry().PutLogging(name, cfg), http.StatusOK)
}

// GetPublicAccessBlock handles GET /{bucket}?publicAccessBlock.
func (h *BucketHandler) GetPublicAccessBlock(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:GetBucketPublicAccessBlock")
	if !ok {
		return
	}
	pab, err := h.engine.Registry().GetPublicAccessBlock(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.Render(w, xmlutil.PublicAccessBlockConfiguration{
		Xmlns:                 xmlutil.NS,
		BlockPublicAcls:       pab.BlockPublicAcls,
		IgnorePublicAcls:      pab.IgnorePublicAcls,
		BlockPublicPolicy:     pab.BlockPublicPolicy,
		RestrictPublicBuckets: pab.RestrictPublicBuckets,
	})
}

// PutPublicAccessBlock handles PUT /{bucket}?publicAccessBlock.
func (h *BucketHandler) PutPublicAccessBlock(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutBucketPublicAccessBlock")
	if !ok {
		return
	}
	var in xmlutil.PublicAccessBlockConfiguration
	if err := xmlutil.Decode(r.Body, maxConfigBody, &in); err != nil {
		writeError(w, r, err)
		return
	}
	err := h.engine.Registry().PutPublicAccessBlock(name, registry.PublicAccessBlock{
		BlockPublicAcls:       in.BlockPublicAcls,
		IgnorePublicAcls:      in.IgnorePublicAcls,
		BlockPublicPolicy:     in.BlockPublicPolicy,
		RestrictPublicBuckets: in.RestrictPublicBuckets,
	})
	finish(w, r, err, http.StatusOK)
}

// DeletePublicAccessBlock handles DELETE /{bucket}?publicAccessBlock.
func (h *BucketHandler) DeletePublicAccessBlock(w http.ResponseWriter, r *http.Request) {
	name, ok := h.authorized(w, r, "s3:PutBucketPublicAccessBlock")
	if !ok {
		return
	}
	finish(w, r, h.engine.Registry().DeletePublicAccessBlock(name), http.StatusNoContent)
}
