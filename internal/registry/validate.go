package registry

import (
	"regexp"
	"strings"

	s3err "github.com/cairnstore/cairn/internal/errors"
)

var (
	bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)
	ipAddressRegex  = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// ValidateBucketName applies the S3 naming rules.
func ValidateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return s3err.ErrInvalidBucketName.WithMessage("Bucket name must be between 3 and 63 characters long")
	}
	if !bucketNameRegex.MatchString(name) {
		return s3err.ErrInvalidBucketName.WithMessage("Bucket name can only contain lowercase letters, numbers, hyphens, and periods")
	}
	if ipAddressRegex.MatchString(name) {
		return s3err.ErrInvalidBucketName.WithMessage("Bucket name must not be formatted as an IP address")
	}
	if strings.HasPrefix(name, "xn--") || strings.HasPrefix(name, "sthree-") {
		return s3err.ErrInvalidBucketName.WithMessage("Bucket name must not start with a reserved prefix")
	}
	if strings.HasSuffix(name, "-s3alias") || strings.HasSuffix(name, "--ol-s3") {
		return s3err.ErrInvalidBucketName.WithMessage("Bucket name must not end with -s3alias or --ol-s3")
	}
	if strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return s3err.ErrInvalidBucketName.WithMessage("Bucket name must not contain adjacent periods")
	}
	return nil
}

func validateVersioning(status string) error {
	switch status {
	case "Enabled", "Suspended":
		return nil
	}
	return s3err.ErrMalformedXML.WithMessage("Versioning status must be Enabled or Suspended")
}

func validateEncryption(cfg EncryptionConfig) error {
	switch cfg.Algorithm {
	case SSEAES256:
		if cfg.KMSMasterKeyID != "" {
			return s3err.ErrInvalidArgument.WithMessage("a KMS master key id is only valid with aws:kms")
		}
		return nil
	case SSEKMS:
		return s3err.ErrNotImplemented.WithMessage("aws:kms default encryption is not supported")
	}
	return s3err.ErrMalformedXML.WithMessage("SSEAlgorithm must be AES256")
}

const maxLifecycleRules = 1000

func validateLifecycle(rules []LifecycleRule) error {
	if len(rules) == 0 {
		return s3err.ErrMalformedXML.WithMessage("A lifecycle configuration must contain at least one rule")
	}
	if len(rules) > maxLifecycleRules {
		return s3err.ErrInvalidArgument.WithMessage("A lifecycle configuration may contain at most %d rules", maxLifecycleRules)
	}
	ids := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if len(r.ID) > 255 {
			return s3err.ErrInvalidArgument.WithMessage("ID length should not exceed allowed limit of 255")
		}
		if r.ID != "" {
			if _, dup := ids[r.ID]; dup {
				return s3err.ErrInvalidArgument.WithMessage("Rule ID must be unique. Found same ID for more than one rule")
			}
			ids[r.ID] = struct{}{}
		}
		if r.Status != "Enabled" && r.Status != "Disabled" {
			return s3err.ErrMalformedXML.WithMessage("Rule status must be Enabled or Disabled")
		}
		if r.Expiration == nil && r.NoncurrentVersionExpiration == nil && r.AbortIncompleteMultipartUpload == nil {
			return s3err.ErrMalformedXML.WithMessage("At least one action needs to be specified in a rule")
		}
		if e := r.Expiration; e != nil {
			set := 0
			if e.Days != 0 {
				set++
			}
			if !e.Date.IsZero() {
				set++
			}
			if e.ExpiredObjectDeleteMarker {
				set++
			}
			if set != 1 {
				return s3err.ErrMalformedXML.WithMessage("Expiration must specify exactly one of Days, Date or ExpiredObjectDeleteMarker")
			}
			if e.Days < 0 {
				return s3err.ErrInvalidArgument.WithMessage("'Days' for Expiration action must be a positive integer")
			}
			if e.ExpiredObjectDeleteMarker && len(r.Filter.Tags) > 0 {
				return s3err.ErrInvalidArgument.WithMessage("ExpiredObjectDeleteMarker cannot be specified with tags")
			}
		}
		if n := r.NoncurrentVersionExpiration; n != nil && n.NoncurrentDays <= 0 {
			return s3err.ErrInvalidArgument.WithMessage("'NoncurrentDays' for NoncurrentVersionExpiration action must be a positive integer")
		}
		if a := r.AbortIncompleteMultipartUpload; a != nil {
			if a.DaysAfterInitiation <= 0 {
				return s3err.ErrInvalidArgument.WithMessage("'DaysAfterInitiation' for AbortIncompleteMultipartUpload action must be a positive integer")
			}
			if len(r.Filter.Tags) > 0 {
				return s3err.ErrInvalidArgument.WithMessage("AbortIncompleteMultipartUpload cannot be specified with tags")
			}
		}
		f := r.Filter
		if f.ObjectSizeGreaterThan < 0 || f.ObjectSizeLessThan < 0 ||
			(f.ObjectSizeLessThan > 0 && f.ObjectSizeGreaterThan >= f.ObjectSizeLessThan) {
			return s3err.ErrInvalidArgument.WithMessage("Invalid object size range in lifecycle filter")
		}
	}
	return nil
}

const maxCORSRules = 100

func validateCORS(rules []CORSRule) error {
	if len(rules) == 0 {
		return s3err.ErrMalformedXML.WithMessage("A CORS configuration must contain at least one rule")
	}
	if len(rules) > maxCORSRules {
		return s3err.ErrMalformedXML.WithMessage("A CORS configuration may contain at most %d rules", maxCORSRules)
	}
	for _, r := range rules {
		if len(r.AllowedOrigins) == 0 || len(r.AllowedMethods) == 0 {
			return s3err.ErrMalformedXML.WithMessage("A CORS rule needs an AllowedOrigin and an AllowedMethod")
		}
		for _, m := range r.AllowedMethods {
			switch m {
			case "GET", "PUT", "POST", "DELETE", "HEAD":
			default:
				return s3err.ErrInvalidRequest.WithMessage("Found unsupported HTTP method in CORS config. Unsupported method is %s", m)
			}
		}
		for _, o := range r.AllowedOrigins {
			if strings.Count(o, "*") > 1 {
				return s3err.ErrInvalidRequest.WithMessage("AllowedOrigin %q can not have more than one wildcard", o)
			}
		}
		for _, h := range r.AllowedHeaders {
			if strings.Count(h, "*") > 1 {
				return s3err.ErrInvalidRequest.WithMessage("AllowedHeader %q can not have more than one wildcard", h)
			}
		}
		if r.MaxAgeSeconds < 0 {
			return s3err.ErrMalformedXML.WithMessage("MaxAgeSeconds must not be negative")
		}
	}
	return nil
}

func validateWebsite(cfg WebsiteConfig) error {
	if cfg.RedirectAllRequestsTo != nil {
		if cfg.IndexDocument != "" || cfg.ErrorDocument != "" {
			return s3err.ErrInvalidArgument.WithMessage("RedirectAllRequestsTo cannot be provided in conjunction with other Routing/Redirect configurations")
		}
		if cfg.RedirectAllRequestsTo.HostName == "" {
			return s3err.ErrInvalidArgument.WithMessage("RedirectAllRequestsTo requires a HostName")
		}
		switch cfg.RedirectAllRequestsTo.Protocol {
		case "", "http", "https":
		default:
			return s3err.ErrInvalidArgument.WithMessage("Invalid protocol, protocol can be http or https")
		}
		return nil
	}
	if cfg.IndexDocument == "" {
		return s3err.ErrInvalidArgument.WithMessage("A value for IndexDocument Suffix must be provided if RedirectAllRequestsTo is empty")
	}
	if strings.Contains(cfg.IndexDocument, "/") {
		return s3err.ErrInvalidArgument.WithMessage("The IndexDocument Suffix is not well formed")
	}
	return nil
}

func validateOwnership(o Ownership) error {
	switch o {
	case OwnershipBucketOwnerPreferred, OwnershipBucketOwnerEnforced, OwnershipObjectWriter:
		return nil
	}
	return s3err.ErrMalformedXML.WithMessage("ObjectOwnership must be BucketOwnerPreferred, BucketOwnerEnforced or ObjectWriter")
}
