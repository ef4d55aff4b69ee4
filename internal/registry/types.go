package registry

import (
	"time"

	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/policy"
)

// Ownership is a bucket's object ownership control mode.
type Ownership string

const (
	OwnershipUnset                Ownership = ""
	OwnershipBucketOwnerPreferred Ownership = "BucketOwnerPreferred"
	OwnershipBucketOwnerEnforced  Ownership = "BucketOwnerEnforced"
	OwnershipObjectWriter         Ownership = "ObjectWriter"
)

// SSE algorithms.
const (
	SSEAES256 = "AES256"
	SSEKMS    = "aws:kms"
)

// Bucket is an immutable snapshot of a bucket record. Every put replaces the
// whole record, so a *Bucket returned by the registry never changes.
type Bucket struct {
	Name      string
	CreatedAt time.Time
	Owner     metadata.Owner
	Region    string

	Versioning        metadata.VersioningStatus
	Encryption        *EncryptionConfig
	Lifecycle         []LifecycleRule
	CORS              []CORSRule
	Website           *WebsiteConfig
	Policy            *Policy
	ACL               ACL
	Ownership         Ownership
	Logging           *LoggingConfig
	Tags              []metadata.Tag
	PublicAccessBlock *PublicAccessBlock
}

func (b *Bucket) clone() *Bucket {
	cp := *b
	return &cp
}

// EncryptionConfig is the bucket default server-side encryption.
type EncryptionConfig struct {
	Algorithm        string
	KMSMasterKeyID   string
	BucketKeyEnabled bool
}

// LifecycleRule is one rule of a lifecycle configuration.
type LifecycleRule struct {
	ID     string
	Status string
	Filter LifecycleFilter

	Expiration                     *Expiration
	NoncurrentVersionExpiration    *NoncurrentVersionExpiration
	AbortIncompleteMultipartUpload *AbortIncompleteMultipartUpload
}

// Enabled reports whether the rule is active.
func (r LifecycleRule) Enabled() bool { return r.Status == "Enabled" }

// LifecycleFilter selects the objects a rule applies to. Zero fields match
// everything.
type LifecycleFilter struct {
	Prefix                string
	Tags                  []metadata.Tag
	ObjectSizeGreaterThan int64
	ObjectSizeLessThan    int64
}

// Matches reports whether an object with the given key, size and tags falls
// under the filter.
func (f LifecycleFilter) Matches(key string, size int64, tags []metadata.Tag) bool {
	if len(key) < len(f.Prefix) || key[:len(f.Prefix)] != f.Prefix {
		return false
	}
	if f.ObjectSizeGreaterThan > 0 && size <= f.ObjectSizeGreaterThan {
		return false
	}
	if f.ObjectSizeLessThan > 0 && size >= f.ObjectSizeLessThan {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, t := range tags {
			if t == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Expiration expires current versions after Days or at Date, or removes
// expired delete markers.
type Expiration struct {
	Days                      int
	Date                      time.Time
	ExpiredObjectDeleteMarker bool
}

// NoncurrentVersionExpiration permanently removes versions NoncurrentDays
// after they stop being current, keeping the newest NewerNoncurrentVersions.
type NoncurrentVersionExpiration struct {
	NoncurrentDays          int
	NewerNoncurrentVersions int
}

// AbortIncompleteMultipartUpload aborts uploads left active too long.
type AbortIncompleteMultipartUpload struct {
	DaysAfterInitiation int
}

// CORSRule is one rule of a CORS configuration.
type CORSRule struct {
	ID             string
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposeHeaders  []string
	MaxAgeSeconds  int
}

// WebsiteConfig is a static website configuration.
type WebsiteConfig struct {
	IndexDocument         string
	ErrorDocument         string
	RedirectAllRequestsTo *Redirect
}

// Redirect sends every request to another host.
type Redirect struct {
	HostName string
	Protocol string
}

// Policy pairs the stored document text with its parsed form.
type Policy struct {
	Raw      []byte
	Document *policy.Document
}

// LoggingConfig is the server access log target.
type LoggingConfig struct {
	TargetBucket string
	TargetPrefix string
}

// PublicAccessBlock holds the four public access block switches.
type PublicAccessBlock struct {
	BlockPublicAcls       bool
	IgnorePublicAcls      bool
	BlockPublicPolicy     bool
	RestrictPublicBuckets bool
}
