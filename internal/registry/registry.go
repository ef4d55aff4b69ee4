// Package registry is the authoritative bucket registry: name reservation,
// bucket-level configuration documents and access decisions.
package registry

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/policy"
)

// Registry maps bucket names to immutable bucket records. Every mutation
// swaps in a new record under the write lock, so readers holding a *Bucket
// see either the old or the new configuration.
type Registry struct {
	region string
	now    func() time.Time

	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// New creates an empty registry. Buckets created without a location
// constraint are placed in region.
func New(region string) *Registry {
	return &Registry{
		region:  region,
		now:     func() time.Time { return time.Now().UTC() },
		buckets: make(map[string]*Bucket),
	}
}

// CreateOptions carries the optional parts of a CreateBucket request.
type CreateOptions struct {
	Region    string
	ACL       *ACL
	Ownership Ownership
}

func nameKey(name string) string { return strings.ToLower(name) }

// Create validates and reserves name for owner.
func (r *Registry) Create(name string, owner metadata.Owner, opts CreateOptions) (*Bucket, error) {
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	region := opts.Region
	if region == "" {
		region = r.region
	}
	acl := PrivateACL(owner)
	if opts.ACL != nil {
		if err := validateACL(*opts.ACL); err != nil {
			return nil, err
		}
		acl = *opts.ACL
		acl.Owner = owner
	}
	if opts.Ownership != OwnershipUnset {
		if err := validateOwnership(opts.Ownership); err != nil {
			return nil, err
		}
		if opts.Ownership == OwnershipBucketOwnerEnforced && !acl.ownerOnly() {
			return nil, s3err.ErrInvalidBucketAclWithObjectOwnership
		}
	}

	b := &Bucket{
		Name:      name,
		CreatedAt: r.now(),
		Owner:     owner,
		Region:    region,
		ACL:       acl,
		Ownership: opts.Ownership,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.buckets[nameKey(name)]; ok {
		if existing.Owner.ID == owner.ID {
			return existing, s3err.ErrBucketAlreadyOwnedByYou
		}
		return nil, s3err.ErrBucketAlreadyExists
	}
	r.buckets[nameKey(name)] = b
	slog.Debug("Bucket created", "bucket", name, "owner", owner.ID, "region", region)
	return b, nil
}

// Restore inserts a bucket record loaded from a snapshot, replacing any
// record of the same name.
func (r *Registry) Restore(b *Bucket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[nameKey(b.Name)] = b.clone()
}

// Get returns the current record for name.
func (r *Registry) Get(name string) (*Bucket, error) {
	r.mu.RLock()
	b, ok := r.buckets[nameKey(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, s3err.ErrNoSuchBucket
	}
	return b, nil
}

// List returns every bucket sorted by name.
func (r *Registry) List() []*Bucket {
	r.mu.RLock()
	out := make([]*Bucket, 0, len(r.buckets))
	for _, b := range r.buckets {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove releases the name. Emptiness is the caller's concern; the engine
// removes the catalog index first.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buckets[nameKey(name)]; !ok {
		return s3err.ErrNoSuchBucket
	}
	delete(r.buckets, nameKey(name))
	return nil
}

// update applies fn to a copy of the bucket record and publishes it.
func (r *Registry) update(name string, fn func(b *Bucket) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.buckets[nameKey(name)]
	if !ok {
		return s3err.ErrNoSuchBucket
	}
	next := cur.clone()
	if err := fn(next); err != nil {
		return err
	}
	r.buckets[nameKey(name)] = next
	return nil
}

// PutVersioning sets the versioning status. A bucket never returns to
// Unversioned.
func (r *Registry) PutVersioning(name string, status metadata.VersioningStatus) error {
	if err := validateVersioning(string(status)); err != nil {
		return err
	}
	return r.update(name, func(b *Bucket) error {
		b.Versioning = status
		return nil
	})
}

// GetVersioning returns the status; Unversioned buckets report "".
func (r *Registry) GetVersioning(name string) (metadata.VersioningStatus, error) {
	b, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return b.Versioning, nil
}

func (r *Registry) PutEncryption(name string, cfg EncryptionConfig) error {
	if err := validateEncryption(cfg); err != nil {
		return err
	}
	return r.update(name, func(b *Bucket) error {
		b.Encryption = &cfg
		return nil
	})
}

func (r *Registry) GetEncryption(name string) (EncryptionConfig, error) {
	b, err := r.Get(name)
	if err != nil {
		return EncryptionConfig{}, err
	}
	if b.Encryption == nil {
		return EncryptionConfig{}, s3err.ErrNoSuchEncryptionConfiguration
	}
	return *b.Encryption, nil
}

func (r *Registry) DeleteEncryption(name string) error {
	return r.update(name, func(b *Bucket) error {
		b.Encryption = nil
		return nil
	})
}

func (r *Registry) PutLifecycle(name string, rules []LifecycleRule) error {
	if err := validateLifecycle(rules); err != nil {
		return err
	}
	rules = append([]LifecycleRule(nil), rules...)
	return r.update(name, func(b *Bucket) error {
		b.Lifecycle = rules
		return nil
	})
}

func (r *Registry) GetLifecycle(name string) ([]LifecycleRule, error) {
	b, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if len(b.Lifecycle) == 0 {
		return nil, s3err.ErrNoSuchLifecycleConfiguration
	}
	return b.Lifecycle, nil
}

func (r *Registry) DeleteLifecycle(name string) error {
	return r.update(name, func(b *Bucket) error {
		b.Lifecycle = nil
		return nil
	})
}

func (r *Registry) PutCORS(name string, rules []CORSRule) error {
	if err := validateCORS(rules); err != nil {
		return err
	}
	rules = append([]CORSRule(nil), rules...)
	return r.update(name, func(b *Bucket) error {
		b.CORS = rules
		return nil
	})
}

func (r *Registry) GetCORS(name string) ([]CORSRule, error) {
	b, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if len(b.CORS) == 0 {
		return nil, s3err.ErrNoSuchCORSConfiguration
	}
	return b.CORS, nil
}

func (r *Registry) DeleteCORS(name string) error {
	return r.update(name, func(b *Bucket) error {
		b.CORS = nil
		return nil
	})
}

func (r *Registry) PutWebsite(name string, cfg WebsiteConfig) error {
	if err := validateWebsite(cfg); err != nil {
		return err
	}
	return r.update(name, func(b *Bucket) error {
		b.Website = &cfg
		return nil
	})
}

func (r *Registry) GetWebsite(name string) (WebsiteConfig, error) {
	b, err := r.Get(name)
	if err != nil {
		return WebsiteConfig{}, err
	}
	if b.Website == nil {
		return WebsiteConfig{}, s3err.ErrNoSuchWebsiteConfiguration
	}
	return *b.Website, nil
}

func (r *Registry) DeleteWebsite(name string) error {
	return r.update(name, func(b *Bucket) error {
		b.Website = nil
		return nil
	})
}

// PutPolicy parses and stores a policy document. A public policy is refused
// while BlockPublicPolicy is set.
func (r *Registry) PutPolicy(name string, raw []byte) error {
	doc, err := policy.Parse(raw, name)
	if err != nil {
		return err
	}
	stored := append([]byte(nil), raw...)
	return r.update(name, func(b *Bucket) error {
		if pab := b.PublicAccessBlock; pab != nil && pab.BlockPublicPolicy && doc.IsPublic() {
			return s3err.ErrAccessDenied.WithMessage("The bucket policy is public and BlockPublicPolicy is enabled")
		}
		b.Policy = &Policy{Raw: stored, Document: doc}
		return nil
	})
}

// GetPolicy returns the document exactly as it was stored.
func (r *Registry) GetPolicy(name string) ([]byte, error) {
	b, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if b.Policy == nil {
		return nil, s3err.ErrNoSuchBucketPolicy
	}
	return b.Policy.Raw, nil
}

func (r *Registry) DeletePolicy(name string) error {
	return r.update(name, func(b *Bucket) error {
		b.Policy = nil
		return nil
	})
}

// PutACL replaces the bucket ACL. The owner is always the bucket owner.
func (r *Registry) PutACL(name string, acl ACL) error {
	if err := validateACL(acl); err != nil {
		return err
	}
	acl.Grants = append([]Grant(nil), acl.Grants...)
	return r.update(name, func(b *Bucket) error {
		if b.Ownership == OwnershipBucketOwnerEnforced {
			return s3err.ErrAccessControlListNotSupported
		}
		if pab := b.PublicAccessBlock; pab != nil && pab.BlockPublicAcls && acl.IsPublic() {
			return s3err.ErrAccessDenied.WithMessage("The ACL is public and BlockPublicAcls is enabled")
		}
		acl.Owner = b.Owner
		b.ACL = acl
		return nil
	})
}

func (r *Registry) GetACL(name string) (ACL, error) {
	b, err := r.Get(name)
	if err != nil {
		return ACL{}, err
	}
	return b.ACL, nil
}

// PutOwnershipControls sets the object ownership mode. Switching to
// BucketOwnerEnforced requires an ACL that grants only the owner.
func (r *Registry) PutOwnershipControls(name string, mode Ownership) error {
	if err := validateOwnership(mode); err != nil {
		return err
	}
	return r.update(name, func(b *Bucket) error {
		if mode == OwnershipBucketOwnerEnforced && !b.ACL.ownerOnly() {
			return s3err.ErrInvalidBucketAclWithObjectOwnership
		}
		b.Ownership = mode
		return nil
	})
}

func (r *Registry) GetOwnershipControls(name string) (Ownership, error) {
	b, err := r.Get(name)
	if err != nil {
		return OwnershipUnset, err
	}
	if b.Ownership == OwnershipUnset {
		return OwnershipUnset, s3err.ErrOwnershipControlsNotFound
	}
	return b.Ownership, nil
}

func (r *Registry) DeleteOwnershipControls(name string) error {
	return r.update(name, func(b *Bucket) error {
		b.Ownership = OwnershipUnset
		return nil
	})
}

func (r *Registry) PutTagging(name string, tags []metadata.Tag) error {
	if err := metadata.ValidateTags(tags, metadata.MaxBucketTags); err != nil {
		return err
	}
	tags = append([]metadata.Tag(nil), tags...)
	return r.update(name, func(b *Bucket) error {
		b.Tags = tags
		return nil
	})
}

func (r *Registry) GetTagging(name string) ([]metadata.Tag, error) {
	b, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if len(b.Tags) == 0 {
		return nil, s3err.ErrNoSuchTagSet
	}
	return b.Tags, nil
}

func (r *Registry) DeleteTagging(name string) error {
	return r.update(name, func(b *Bucket) error {
		b.Tags = nil
		return nil
	})
}

// PutLogging sets the access-log target; nil disables logging. The target
// bucket must exist.
func (r *Registry) PutLogging(name string, cfg *LoggingConfig) error {
	if cfg != nil {
		cp := *cfg
		cfg = &cp
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.buckets[nameKey(name)]
	if !ok {
		return s3err.ErrNoSuchBucket
	}
	if cfg != nil {
		if _, ok := r.buckets[nameKey(cfg.TargetBucket)]; !ok {
			return s3err.ErrInvalidTargetBucketForLogging.WithExtra("TargetBucket", cfg.TargetBucket)
		}
	}
	next := cur.clone()
	next.Logging = cfg
	r.buckets[nameKey(name)] = next
	return nil
}

// GetLogging returns the access-log target, or nil when logging is off.
func (r *Registry) GetLogging(name string) (*LoggingConfig, error) {
	b, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return b.Logging, nil
}

func (r *Registry) PutPublicAccessBlock(name string, pab PublicAccessBlock) error {
	return r.update(name, func(b *Bucket) error {
		b.PublicAccessBlock = &pab
		return nil
	})
}

func (r *Registry) GetPublicAccessBlock(name string) (PublicAccessBlock, error) {
	b, err := r.Get(name)
	if err != nil {
		return PublicAccessBlock{}, err
	}
	if b.PublicAccessBlock == nil {
		return PublicAccessBlock{}, s3err.ErrNoSuchPublicAccessBlockConfiguration
	}
	return *b.PublicAccessBlock, nil
}

func (r *Registry) DeletePublicAccessBlock(name string) error {
	return r.update(name, func(b *Bucket) error {
		b.PublicAccessBlock = nil
		return nil
	})
}
