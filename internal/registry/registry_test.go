package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
)

var (
	alice = metadata.Owner{ID: "alice", DisplayName: "Alice"}
	bob   = metadata.Owner{ID: "bob", DisplayName: "Bob"}
)

func newTestRegistry(t *testing.T, buckets ...string) *Registry {
	t.Helper()
	r := New("us-east-1")
	for _, name := range buckets {
		if _, err := r.Create(name, alice, CreateOptions{}); err != nil {
			t.Fatalf("Create(%q): %v", name, err)
		}
	}
	return r
}

func TestValidateBucketName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"my-bucket", true},
		{"my.bucket.name", true},
		{"abc", true},
		{"a1b2c3", true},
		{"ab", false},
		{"a", false},
		{"", false},
		{"My-Bucket", false},
		{"my_bucket", false},
		{"-mybucket", false},
		{"mybucket-", false},
		{"192.168.1.1", false},
		{"xn--bucket", false},
		{"bucket-s3alias", false},
		{"bucket--ol-s3", false},
		{"my..bucket", false},
		{"my.-bucket", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBucketName(tt.name)
			if tt.valid && err != nil {
				t.Errorf("ValidateBucketName(%q) = %v, want nil", tt.name, err)
			}
			if !tt.valid && !errors.Is(err, s3err.ErrInvalidBucketName) {
				t.Errorf("ValidateBucketName(%q) = %v, want InvalidBucketName", tt.name, err)
			}
		})
	}
}

func TestCreateConflicts(t *testing.T) {
	r := newTestRegistry(t, "photos")

	if _, err := r.Create("photos", alice, CreateOptions{}); !errors.Is(err, s3err.ErrBucketAlreadyOwnedByYou) {
		t.Errorf("same owner: err = %v, want BucketAlreadyOwnedByYou", err)
	}
	if _, err := r.Create("photos", bob, CreateOptions{}); !errors.Is(err, s3err.ErrBucketAlreadyExists) {
		t.Errorf("other owner: err = %v, want BucketAlreadyExists", err)
	}

	b, err := r.Get("photos")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Region != "us-east-1" || b.Owner != alice {
		t.Errorf("bucket = %+v", b)
	}
	if diff := cmp.Diff(PrivateACL(alice), b.ACL); diff != "" {
		t.Errorf("default ACL mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateReservesNameOnce(t *testing.T) {
	r := New("us-east-1")
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := metadata.Owner{ID: fmt.Sprintf("owner-%d", i)}
			if _, err := r.Create("contested", owner, CreateOptions{}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestListSortedAndRemove(t *testing.T) {
	r := newTestRegistry(t, "zeta", "alpha", "mid")
	var names []string
	for _, b := range r.List() {
		names = append(names, b.Name)
	}
	if diff := cmp.Diff([]string{"alpha", "mid", "zeta"}, names); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
	if err := r.Remove("mid"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := r.Remove("mid"); !errors.Is(err, s3err.ErrNoSuchBucket) {
		t.Errorf("second Remove = %v, want NoSuchBucket", err)
	}
	if _, err := r.Get("mid"); !errors.Is(err, s3err.ErrNoSuchBucket) {
		t.Errorf("Get after Remove = %v", err)
	}
}

func TestConfigNotFoundErrors(t *testing.T) {
	r := newTestRegistry(t, "photos")
	checks := []struct {
		name string
		err  error
		want *s3err.S3Error
	}{
		{"encryption", second(r.GetEncryption("photos")), s3err.ErrNoSuchEncryptionConfiguration},
		{"lifecycle", second(r.GetLifecycle("photos")), s3err.ErrNoSuchLifecycleConfiguration},
		{"cors", second(r.GetCORS("photos")), s3err.ErrNoSuchCORSConfiguration},
		{"website", second(r.GetWebsite("photos")), s3err.ErrNoSuchWebsiteConfiguration},
		{"policy", second(r.GetPolicy("photos")), s3err.ErrNoSuchBucketPolicy},
		{"tagging", second(r.GetTagging("photos")), s3err.ErrNoSuchTagSet},
		{"ownership", second(r.GetOwnershipControls("photos")), s3err.ErrOwnershipControlsNotFound},
		{"pab", second(r.GetPublicAccessBlock("photos")), s3err.ErrNoSuchPublicAccessBlockConfiguration},
		{"missing bucket", second(r.GetCORS("nope")), s3err.ErrNoSuchBucket},
	}
	for _, c := range checks {
		if !errors.Is(c.err, c.want) {
			t.Errorf("%s: err = %v, want %s", c.name, c.err, c.want.Code)
		}
		if !s3err.IsKind(c.err, s3err.KindNotFound) {
			t.Errorf("%s: kind = %v, want NotFound", c.name, s3err.From(c.err).Kind)
		}
	}

	status, err := r.GetVersioning("photos")
	if err != nil || status != metadata.Unversioned {
		t.Errorf("GetVersioning = %q, %v", status, err)
	}
	logging, err := r.GetLogging("photos")
	if err != nil || logging != nil {
		t.Errorf("GetLogging = %+v, %v", logging, err)
	}
}

func second[T any](_ T, err error) error { return err }

func TestPutGetDeleteRoundTrips(t *testing.T) {
	r := newTestRegistry(t, "photos", "logs")

	if err := r.PutVersioning("photos", metadata.VersioningEnabled); err != nil {
		t.Fatal(err)
	}
	if err := r.PutVersioning("photos", metadata.Unversioned); !errors.Is(err, s3err.ErrMalformedXML) {
		t.Errorf("PutVersioning(\"\") = %v, want MalformedXML", err)
	}
	if s, _ := r.GetVersioning("photos"); s != metadata.VersioningEnabled {
		t.Errorf("versioning = %q", s)
	}

	if err := r.PutEncryption("photos", EncryptionConfig{Algorithm: SSEAES256}); err != nil {
		t.Fatal(err)
	}
	if enc, _ := r.GetEncryption("photos"); enc.Algorithm != SSEAES256 {
		t.Errorf("encryption = %+v", enc)
	}

	rules := []LifecycleRule{{ID: "expire", Status: "Enabled", Filter: LifecycleFilter{Prefix: "tmp/"}, Expiration: &Expiration{Days: 7}}}
	if err := r.PutLifecycle("photos", rules); err != nil {
		t.Fatal(err)
	}
	got, _ := r.GetLifecycle("photos")
	if diff := cmp.Diff(rules, got); diff != "" {
		t.Errorf("lifecycle mismatch (-want +got):\n%s", diff)
	}
	if err := r.DeleteLifecycle("photos"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetLifecycle("photos"); !errors.Is(err, s3err.ErrNoSuchLifecycleConfiguration) {
		t.Errorf("after delete err = %v", err)
	}

	if err := r.PutWebsite("photos", WebsiteConfig{IndexDocument: "index.html", ErrorDocument: "error.html"}); err != nil {
		t.Fatal(err)
	}
	if w, _ := r.GetWebsite("photos"); w.IndexDocument != "index.html" || w.ErrorDocument != "error.html" {
		t.Errorf("website = %+v", w)
	}
	if err := r.DeleteWebsite("photos"); err != nil {
		t.Fatal(err)
	}

	tags := []metadata.Tag{{Key: "env", Value: "prod"}}
	if err := r.PutTagging("photos", tags); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.GetTagging("photos"); !cmp.Equal(tags, got) {
		t.Errorf("tags = %v", got)
	}
	if err := r.PutTagging("photos", []metadata.Tag{{Key: "a"}, {Key: "a"}}); !errors.Is(err, s3err.ErrInvalidTag) {
		t.Errorf("duplicate tag keys err = %v", err)
	}

	if err := r.PutLogging("photos", &LoggingConfig{TargetBucket: "logs", TargetPrefix: "photos/"}); err != nil {
		t.Fatal(err)
	}
	if l, _ := r.GetLogging("photos"); l == nil || l.TargetBucket != "logs" {
		t.Errorf("logging = %+v", l)
	}
	if err := r.PutLogging("photos", &LoggingConfig{TargetBucket: "nowhere"}); !errors.Is(err, s3err.ErrInvalidTargetBucketForLogging) {
		t.Errorf("missing target err = %v", err)
	}
	if err := r.PutLogging("photos", nil); err != nil {
		t.Fatal(err)
	}
	if l, _ := r.GetLogging("photos"); l != nil {
		t.Errorf("logging after disable = %+v", l)
	}
}

func TestConfigValidation(t *testing.T) {
	r := newTestRegistry(t, "photos")
	tests := []struct {
		name string
		err  error
		want *s3err.S3Error
	}{
		{"lifecycle no status", r.PutLifecycle("photos", []LifecycleRule{{Expiration: &Expiration{Days: 1}}}), s3err.ErrMalformedXML},
		{"lifecycle no action", r.PutLifecycle("photos", []LifecycleRule{{Status: "Enabled"}}), s3err.ErrMalformedXML},
		{"lifecycle dup id", r.PutLifecycle("photos", []LifecycleRule{
			{ID: "x", Status: "Enabled", Expiration: &Expiration{Days: 1}},
			{ID: "x", Status: "Enabled", Expiration: &Expiration{Days: 2}},
		}), s3err.ErrInvalidArgument},
		{"lifecycle negative days", r.PutLifecycle("photos", []LifecycleRule{{Status: "Enabled", Expiration: &Expiration{Days: -1}}}), s3err.ErrInvalidArgument},
		{"cors no origin", r.PutCORS("photos", []CORSRule{{AllowedMethods: []string{"GET"}}}), s3err.ErrMalformedXML},
		{"cors bad method", r.PutCORS("photos", []CORSRule{{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"PATCH"}}}), s3err.ErrInvalidRequest},
		{"website empty", r.PutWebsite("photos", WebsiteConfig{}), s3err.ErrInvalidArgument},
		{"encryption unknown", r.PutEncryption("photos", EncryptionConfig{Algorithm: "DES"}), s3err.ErrMalformedXML},
		{"ownership unknown", r.PutOwnershipControls("photos", "Whoever"), s3err.ErrMalformedXML},
		{"policy garbage", r.PutPolicy("photos", []byte("not json")), s3err.ErrMalformedPolicy},
		{"acl bad permission", r.PutACL("photos", ACL{Grants: []Grant{{Grantee: Grantee{Type: GranteeCanonicalUser, ID: "x"}, Permission: "EVERYTHING"}}}), s3err.ErrMalformedACLError},
		{"missing bucket", r.PutCORS("nope", []CORSRule{{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET"}}}), s3err.ErrNoSuchBucket},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: err = %v, want %s", tt.name, tt.err, tt.want.Code)
		}
	}
}

func TestPutACLUnderEnforcedOwnership(t *testing.T) {
	r := newTestRegistry(t, "photos")
	if err := r.PutOwnershipControls("photos", OwnershipBucketOwnerEnforced); err != nil {
		t.Fatalf("PutOwnershipControls: %v", err)
	}
	if err := r.PutACL("photos", PrivateACL(alice)); !errors.Is(err, s3err.ErrAccessControlListNotSupported) {
		t.Errorf("PutACL err = %v, want AccessControlListNotSupported", err)
	}

	if err := r.PutOwnershipControls("photos", OwnershipBucketOwnerPreferred); err != nil {
		t.Fatal(err)
	}
	if err := r.PutACL("photos", PrivateACL(alice)); err != nil {
		t.Errorf("PutACL after BucketOwnerPreferred: %v", err)
	}
	acl, err := r.GetACL("photos")
	if err != nil || len(acl.Grants) == 0 {
		t.Errorf("GetACL = %+v, %v", acl, err)
	}
}

func TestEnforcedOwnershipRejectsForeignGrants(t *testing.T) {
	r := newTestRegistry(t, "photos")
	public, _ := CannedACL("public-read", alice)
	if err := r.PutACL("photos", public); err != nil {
		t.Fatal(err)
	}
	if err := r.PutOwnershipControls("photos", OwnershipBucketOwnerEnforced); !errors.Is(err, s3err.ErrInvalidBucketAclWithObjectOwnership) {
		t.Errorf("err = %v, want InvalidBucketAclWithObjectOwnership", err)
	}
}

func TestPublicAccessBlockGuards(t *testing.T) {
	r := newTestRegistry(t, "photos")
	pab := PublicAccessBlock{BlockPublicAcls: true, IgnorePublicAcls: true, BlockPublicPolicy: true, RestrictPublicBuckets: true}
	if err := r.PutPublicAccessBlock("photos", pab); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.GetPublicAccessBlock("photos"); got != pab {
		t.Errorf("pab = %+v", got)
	}

	public, _ := CannedACL("public-read", alice)
	if err := r.PutACL("photos", public); !errors.Is(err, s3err.ErrAccessDenied) {
		t.Errorf("public ACL err = %v, want AccessDenied", err)
	}
	publicPolicy := `{"Statement":[{"Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::photos/*"}]}`
	if err := r.PutPolicy("photos", []byte(publicPolicy)); !errors.Is(err, s3err.ErrAccessDenied) {
		t.Errorf("public policy err = %v, want AccessDenied", err)
	}

	if err := r.DeletePublicAccessBlock("photos"); err != nil {
		t.Fatal(err)
	}
	if err := r.PutPolicy("photos", []byte(publicPolicy)); err != nil {
		t.Errorf("public policy without block: %v", err)
	}
	raw, err := r.GetPolicy("photos")
	if err != nil || string(raw) != publicPolicy {
		t.Errorf("GetPolicy = %q, %v", raw, err)
	}
}

func TestCannedACL(t *testing.T) {
	tests := []struct {
		name   string
		grants int
		public bool
	}{
		{"", 1, false},
		{"private", 1, false},
		{"public-read", 2, true},
		{"public-read-write", 3, true},
		{"authenticated-read", 2, true},
		{"log-delivery-write", 3, false},
	}
	for _, tt := range tests {
		acl, err := CannedACL(tt.name, alice)
		if err != nil {
			t.Fatalf("CannedACL(%q): %v", tt.name, err)
		}
		if len(acl.Grants) != tt.grants || acl.IsPublic() != tt.public {
			t.Errorf("CannedACL(%q) = %d grants public=%v", tt.name, len(acl.Grants), acl.IsPublic())
		}
	}
	if _, err := CannedACL("world-writable", alice); !errors.Is(err, s3err.ErrInvalidArgument) {
		t.Errorf("unknown canned ACL err = %v", err)
	}
}

func TestConcurrentConfigWritesAreWholeDocuments(t *testing.T) {
	r := newTestRegistry(t, "photos")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			origin := fmt.Sprintf("https://site-%d.example", i)
			_ = r.PutCORS("photos", []CORSRule{
				{AllowedOrigins: []string{origin}, AllowedMethods: []string{"GET"}},
				{AllowedOrigins: []string{origin}, AllowedMethods: []string{"PUT"}},
			})
		}(i)
	}
	wg.Wait()

	rules, err := r.GetCORS("photos")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 || rules[0].AllowedOrigins[0] != rules[1].AllowedOrigins[0] {
		t.Errorf("rules mixed across writers: %+v", rules)
	}
}
