package metadata

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/storage"
	"github.com/cairnstore/cairn/internal/uid"
)

// keyChain holds the versions of one key, newest first.
type keyChain struct {
	key      string
	mu       sync.Mutex
	versions []*ObjectVersion
	// removed is set once the chain is unlinked from its bucket index.
	// Writers that observe it retry against a fresh chain.
	removed bool
}

func lessChain(a, b *keyChain) bool { return a.key < b.key }

// bucketIndex is the ordered key index of one bucket.
type bucketIndex struct {
	name string
	mu   sync.RWMutex
	keys *btree.BTreeG[*keyChain]
	// dropped is set under mu when the bucket is removed.
	dropped bool

	pending  atomic.Int64
	versions atomic.Int64
	markers  atomic.Int64
	bytes    atomic.Int64
}

// Catalog maps (bucket, key, versionId) to object versions. Mutations on one
// key are linearized by that key's chain mutex; different keys only share
// the short index lookup.
type Catalog struct {
	blobs *storage.BlobStore
	seq   atomic.Uint64
	now   func() time.Time

	mu      sync.RWMutex
	buckets map[string]*bucketIndex
}

// New creates an empty catalog whose versions reference blobs in bs.
func New(bs *storage.BlobStore) *Catalog {
	return &Catalog{
		blobs:   bs,
		now:     func() time.Time { return time.Now().UTC() },
		buckets: make(map[string]*bucketIndex),
	}
}

// AddBucket registers an empty bucket index.
func (c *Catalog) AddBucket(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buckets[name]; !ok {
		c.buckets[name] = &bucketIndex{name: name, keys: btree.NewG(32, lessChain)}
	}
}

// RemoveBucket drops the bucket index if it holds no versions, delete
// markers or in-flight writes.
func (c *Catalog) RemoveBucket(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.buckets[name]
	if !ok {
		return s3err.ErrNoSuchBucket
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.pending.Load() > 0 || idx.versions.Load() > 0 || idx.markers.Load() > 0 {
		return s3err.ErrBucketNotEmpty
	}
	idx.dropped = true
	delete(c.buckets, name)
	return nil
}

// IsEmpty reports whether the bucket has no versions or delete markers.
func (c *Catalog) IsEmpty(bucket string) (bool, error) {
	idx, err := c.bucket(bucket)
	if err != nil {
		return false, err
	}
	return idx.versions.Load() == 0 && idx.markers.Load() == 0, nil
}

func (c *Catalog) bucket(name string) (*bucketIndex, error) {
	c.mu.RLock()
	idx, ok := c.buckets[name]
	c.mu.RUnlock()
	if !ok {
		return nil, s3err.ErrNoSuchBucket
	}
	return idx, nil
}

// lockChainForWrite returns the locked chain for key, creating it when
// absent. The caller must call done after unlocking the chain.
func (c *Catalog) lockChainForWrite(bucket, key string) (*bucketIndex, *keyChain, error) {
	idx, err := c.bucket(bucket)
	if err != nil {
		return nil, nil, err
	}
	for {
		idx.mu.Lock()
		if idx.dropped {
			idx.mu.Unlock()
			return nil, nil, s3err.ErrNoSuchBucket
		}
		ch, ok := idx.keys.Get(&keyChain{key: key})
		if !ok {
			ch = &keyChain{key: key}
			idx.keys.ReplaceOrInsert(ch)
		}
		idx.pending.Add(1)
		idx.mu.Unlock()

		ch.mu.Lock()
		if !ch.removed {
			return idx, ch, nil
		}
		ch.mu.Unlock()
		idx.pending.Add(-1)
	}
}

// lockChain returns the locked chain for key or ErrNoSuchKey.
func (c *Catalog) lockChain(bucket, key string) (*bucketIndex, *keyChain, error) {
	idx, err := c.bucket(bucket)
	if err != nil {
		return nil, nil, err
	}
	idx.mu.RLock()
	ch, ok := idx.keys.Get(&keyChain{key: key})
	idx.mu.RUnlock()
	if !ok {
		return idx, nil, s3err.ErrNoSuchKey
	}
	ch.mu.Lock()
	if ch.removed {
		ch.mu.Unlock()
		return idx, nil, s3err.ErrNoSuchKey
	}
	return idx, ch, nil
}

// finishWrite unlocks ch, unlinks it when empty and releases blobs.
func (c *Catalog) finishWrite(ctx context.Context, idx *bucketIndex, ch *keyChain, released []string) {
	empty := len(ch.versions) == 0
	ch.mu.Unlock()
	idx.pending.Add(-1)
	if empty {
		c.unlinkIfEmpty(idx, ch)
	}
	c.releaseBlobs(ctx, released)
}

func (c *Catalog) unlinkIfEmpty(idx *bucketIndex, ch *keyChain) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.versions) == 0 && !ch.removed {
		ch.removed = true
		idx.keys.Delete(ch)
	}
}

func (c *Catalog) releaseBlobs(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := c.blobs.Release(ctx, id); err != nil {
			slog.Warn("Releasing blob failed", "blob", id, "error", err)
		}
	}
}

func (idx *bucketIndex) account(v *ObjectVersion, delta int64) {
	if v.IsDeleteMarker {
		idx.markers.Add(delta)
		return
	}
	idx.versions.Add(delta)
	idx.bytes.Add(delta * v.Size)
}

// removeNull unlinks the null version from the chain, returning its blob ID.
func (idx *bucketIndex) removeNull(ch *keyChain) []string {
	for i, v := range ch.versions {
		if v.VersionID != NullVersionID {
			continue
		}
		ch.versions = append(ch.versions[:i:i], ch.versions[i+1:]...)
		idx.account(v, -1)
		if v.BlobID != "" {
			return []string{v.BlobID}
		}
		return nil
	}
	return nil
}

// Put records a new version for v.Bucket/v.Key. The catalog takes ownership
// of one reference to v.BlobID, which is released if Put fails. Under
// Enabled a fresh version ID is assigned; otherwise the null version is
// replaced in place.
func (c *Catalog) Put(ctx context.Context, v ObjectVersion, status VersioningStatus) (ObjectVersion, error) {
	idx, ch, err := c.lockChainForWrite(v.Bucket, v.Key)
	if err != nil {
		if v.BlobID != "" {
			c.releaseBlobs(ctx, []string{v.BlobID})
		}
		return ObjectVersion{}, err
	}

	nv := v.clone()
	nv.IsDeleteMarker = false
	nv.IsLatest = false
	nv.UserMetadata = NormalizeMetadata(v.UserMetadata)
	if nv.LastModified.IsZero() {
		nv.LastModified = c.now()
	}

	var released []string
	if status == VersioningEnabled {
		nv.VersionID = uid.NewVersionID()
	} else {
		nv.VersionID = NullVersionID
		released = idx.removeNull(ch)
	}
	nv.Seq = c.seq.Add(1)
	ch.versions = append([]*ObjectVersion{nv}, ch.versions...)
	idx.account(nv, 1)

	out := *nv.clone()
	out.IsLatest = true
	c.finishWrite(ctx, idx, ch, released)
	return out, nil
}

// Delete removes key or one of its versions.
//
// Without versionID: Enabled pushes a delete marker, Suspended replaces the
// null version with a null delete marker, Unversioned removes the object.
// With versionID the version is removed permanently and the next newest
// version becomes latest.
func (c *Catalog) Delete(ctx context.Context, bucket, key, versionID string, status VersioningStatus, owner Owner) (DeleteResult, error) {
	if versionID != "" {
		return c.deleteVersion(ctx, bucket, key, versionID)
	}

	idx, ch, err := c.lockChainForWrite(bucket, key)
	if err != nil {
		return DeleteResult{}, err
	}
	released, res := c.deleteLatest(idx, ch, bucket, key, status, owner)
	c.finishWrite(ctx, idx, ch, released)
	return res, nil
}

// DeleteIfLatest deletes key as Delete does without a version ID, but only
// while the version numbered seq is still the latest. It reports whether
// the delete was applied; a missing key is not an error.
func (c *Catalog) DeleteIfLatest(ctx context.Context, bucket, key string, seq uint64, status VersioningStatus, owner Owner) (DeleteResult, bool, error) {
	idx, ch, err := c.lockChain(bucket, key)
	if errors.Is(err, s3err.ErrNoSuchKey) {
		return DeleteResult{}, false, nil
	}
	if err != nil {
		return DeleteResult{}, false, err
	}
	idx.pending.Add(1)
	if len(ch.versions) == 0 || ch.versions[0].Seq != seq {
		c.finishWrite(ctx, idx, ch, nil)
		return DeleteResult{}, false, nil
	}
	released, res := c.deleteLatest(idx, ch, bucket, key, status, owner)
	c.finishWrite(ctx, idx, ch, released)
	return res, true, nil
}

// deleteLatest applies a version-less delete to a write-locked chain and
// returns the blobs to release.
func (c *Catalog) deleteLatest(idx *bucketIndex, ch *keyChain, bucket, key string, status VersioningStatus, owner Owner) (released []string, res DeleteResult) {
	switch status {
	case VersioningEnabled, VersioningSuspended:
		vid := NullVersionID
		if status == VersioningEnabled {
			vid = uid.NewVersionID()
		} else {
			released = idx.removeNull(ch)
		}
		marker := &ObjectVersion{
			Bucket:         bucket,
			Key:            key,
			VersionID:      vid,
			Seq:            c.seq.Add(1),
			Owner:          owner,
			LastModified:   c.now(),
			IsDeleteMarker: true,
		}
		ch.versions = append([]*ObjectVersion{marker}, ch.versions...)
		idx.account(marker, 1)
		res = DeleteResult{VersionID: vid, DeleteMarker: true}
	default:
		released = idx.removeNull(ch)
	}
	return released, res
}

func (c *Catalog) deleteVersion(ctx context.Context, bucket, key, versionID string) (DeleteResult, error) {
	idx, ch, err := c.lockChain(bucket, key)
	if err != nil {
		if errors.Is(err, s3err.ErrNoSuchKey) {
			if versionID == NullVersionID {
				return DeleteResult{VersionID: versionID}, nil
			}
			return DeleteResult{}, s3err.ErrNoSuchVersion
		}
		return DeleteResult{}, err
	}
	idx.pending.Add(1)

	pos := -1
	for i, v := range ch.versions {
		if v.VersionID == versionID {
			pos = i
			break
		}
	}
	if pos < 0 {
		c.finishWrite(ctx, idx, ch, nil)
		if versionID == NullVersionID {
			return DeleteResult{VersionID: versionID}, nil
		}
		return DeleteResult{}, s3err.ErrNoSuchVersion
	}

	v := ch.versions[pos]
	ch.versions = append(ch.versions[:pos:pos], ch.versions[pos+1:]...)
	idx.account(v, -1)

	var released []string
	if v.BlobID != "" {
		released = []string{v.BlobID}
	}
	c.finishWrite(ctx, idx, ch, released)
	return DeleteResult{VersionID: versionID, DeleteMarker: v.IsDeleteMarker}, nil
}

// find returns the requested version of a locked chain. An empty versionID
// selects the latest version, which fails NoSuchKey if it is a delete marker.
func (ch *keyChain) find(versionID string) (*ObjectVersion, error) {
	if len(ch.versions) == 0 {
		if versionID != "" {
			return nil, s3err.ErrNoSuchVersion
		}
		return nil, s3err.ErrNoSuchKey
	}
	if versionID == "" {
		latest := ch.versions[0]
		if latest.IsDeleteMarker {
			return nil, s3err.ErrNoSuchKey
		}
		return latest, nil
	}
	for _, v := range ch.versions {
		if v.VersionID == versionID {
			return v, nil
		}
	}
	return nil, s3err.ErrNoSuchVersion
}

func (ch *keyChain) snapshot(v *ObjectVersion) ObjectVersion {
	out := *v.clone()
	out.IsLatest = len(ch.versions) > 0 && ch.versions[0] == v
	return out
}

// Get returns the metadata of a version. Requesting a delete marker by
// version ID returns the marker itself.
func (c *Catalog) Get(bucket, key, versionID string) (ObjectVersion, error) {
	_, ch, err := c.lockChain(bucket, key)
	if err != nil {
		if errors.Is(err, s3err.ErrNoSuchKey) && versionID != "" {
			return ObjectVersion{}, s3err.ErrNoSuchVersion
		}
		return ObjectVersion{}, err
	}
	defer ch.mu.Unlock()
	v, err := ch.find(versionID)
	if err != nil {
		return ObjectVersion{}, err
	}
	return ch.snapshot(v), nil
}

// Acquire is Get plus a blob reference that keeps the payload readable
// until release is called, even if the version is deleted meanwhile.
func (c *Catalog) Acquire(bucket, key, versionID string) (ObjectVersion, func(), error) {
	_, ch, err := c.lockChain(bucket, key)
	if err != nil {
		if errors.Is(err, s3err.ErrNoSuchKey) && versionID != "" {
			return ObjectVersion{}, nil, s3err.ErrNoSuchVersion
		}
		return ObjectVersion{}, nil, err
	}
	v, err := ch.find(versionID)
	if err != nil {
		ch.mu.Unlock()
		return ObjectVersion{}, nil, err
	}
	out := ch.snapshot(v)
	if out.BlobID != "" {
		c.blobs.Retain(storage.Blob{ID: out.BlobID, Size: out.Size})
	}
	ch.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			if out.BlobID != "" {
				c.releaseBlobs(context.Background(), []string{out.BlobID})
			}
		})
	}
	return out, release, nil
}

// Versions returns every version of key, newest first.
func (c *Catalog) Versions(bucket, key string) ([]ObjectVersion, error) {
	_, ch, err := c.lockChain(bucket, key)
	if err != nil {
		return nil, err
	}
	defer ch.mu.Unlock()
	out := make([]ObjectVersion, 0, len(ch.versions))
	for _, v := range ch.versions {
		out = append(out, ch.snapshot(v))
	}
	return out, nil
}

// PutTags replaces the tag set of a version (latest when versionID is empty).
func (c *Catalog) PutTags(bucket, key, versionID string, tags []Tag) (string, error) {
	return c.updateVersion(bucket, key, versionID, func(v *ObjectVersion) {
		v.Tags = append([]Tag(nil), tags...)
	})
}

// GetTags returns the tag set of a version and its version ID.
func (c *Catalog) GetTags(bucket, key, versionID string) ([]Tag, string, error) {
	v, err := c.Get(bucket, key, versionID)
	if err != nil {
		return nil, "", err
	}
	if v.IsDeleteMarker {
		return nil, "", s3err.ErrMethodNotAllowed
	}
	return v.Tags, v.VersionID, nil
}

func (c *Catalog) updateVersion(bucket, key, versionID string, fn func(*ObjectVersion)) (string, error) {
	_, ch, err := c.lockChain(bucket, key)
	if err != nil {
		if errors.Is(err, s3err.ErrNoSuchKey) && versionID != "" {
			return "", s3err.ErrNoSuchVersion
		}
		return "", err
	}
	defer ch.mu.Unlock()
	v, err := ch.find(versionID)
	if err != nil {
		return "", err
	}
	if v.IsDeleteMarker {
		return "", s3err.ErrMethodNotAllowed
	}
	// Copy-on-write so copies handed out earlier stay unchanged.
	nv := v.clone()
	fn(nv)
	for i := range ch.versions {
		if ch.versions[i] == v {
			ch.versions[i] = nv
		}
	}
	return nv.VersionID, nil
}

// Walk calls fn with every key of bucket under prefix, in key order, and a
// copy of its versions (newest first). Walking stops when fn returns false.
func (c *Catalog) Walk(bucket, prefix string, fn func(key string, versions []ObjectVersion) bool) error {
	idx, err := c.bucket(bucket)
	if err != nil {
		return err
	}
	idx.mu.RLock()
	var chains []*keyChain
	idx.keys.AscendGreaterOrEqual(&keyChain{key: prefix}, func(ch *keyChain) bool {
		if !hasPrefix(ch.key, prefix) {
			return false
		}
		chains = append(chains, ch)
		return true
	})
	idx.mu.RUnlock()

	for _, ch := range chains {
		ch.mu.Lock()
		if ch.removed || len(ch.versions) == 0 {
			ch.mu.Unlock()
			continue
		}
		out := make([]ObjectVersion, 0, len(ch.versions))
		for _, v := range ch.versions {
			out = append(out, ch.snapshot(v))
		}
		ch.mu.Unlock()
		if !fn(ch.key, out) {
			break
		}
	}
	return nil
}

// Buckets returns the names of all bucket indexes, sorted.
func (c *Catalog) Buckets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.buckets))
	for n := range c.buckets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Stats sums the counters of every bucket.
func (c *Catalog) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{Buckets: len(c.buckets)}
	for _, idx := range c.buckets {
		s.Versions += idx.versions.Load()
		s.DeleteMarkers += idx.markers.Load()
		s.Bytes += idx.bytes.Load()
	}
	return s
}

// Restore loads versions from a snapshot into an existing bucket and takes
// one blob reference per version. Versions are ordered by Seq.
func (c *Catalog) Restore(bucket string, versions []ObjectVersion) error {
	idx, err := c.bucket(bucket)
	if err != nil {
		return err
	}
	byKey := make(map[string][]*ObjectVersion)
	for i := range versions {
		v := versions[i].clone()
		v.Bucket = bucket
		v.IsLatest = false
		byKey[v.Key] = append(byKey[v.Key], v)
		for {
			cur := c.seq.Load()
			if v.Seq <= cur || c.seq.CompareAndSwap(cur, v.Seq) {
				break
			}
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for key, vs := range byKey {
		sort.Slice(vs, func(i, j int) bool { return vs[i].Seq > vs[j].Seq })
		ch, ok := idx.keys.Get(&keyChain{key: key})
		if !ok {
			ch = &keyChain{key: key}
			idx.keys.ReplaceOrInsert(ch)
		}
		ch.mu.Lock()
		ch.versions = append(ch.versions, vs...)
		sort.Slice(ch.versions, func(i, j int) bool { return ch.versions[i].Seq > ch.versions[j].Seq })
		ch.mu.Unlock()
		for _, v := range vs {
			idx.account(v, 1)
			if v.BlobID != "" {
				c.blobs.Retain(storage.Blob{ID: v.BlobID, Size: v.Size})
			}
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
