package xmlutil

import "encoding/xml"

// Bucket and object configuration documents. Request bodies are decoded
// without a namespace so clients may omit xmlns; responses carry it.

// VersioningConfiguration is the body of Get/PutBucketVersioning.
type VersioningConfiguration struct {
	XMLName   xml.Name `xml:"VersioningConfiguration"`
	Xmlns     string   `xml:"xmlns,attr,omitempty"`
	Status    string   `xml:"Status,omitempty"`
	MfaDelete string   `xml:"MfaDelete,omitempty"`
}

// Tag is one key/value pair of a tag set.
type Tag struct {
	Key   string `xml:"Key"`
	Value string `xml:"Value"`
}

// Tagging is the body of the object and bucket tagging operations.
type Tagging struct {
	XMLName xml.Name `xml:"Tagging"`
	Xmlns   string   `xml:"xmlns,attr,omitempty"`
	TagSet  []Tag    `xml:"TagSet>Tag"`
}

// ServerSideEncryptionConfiguration is the body of the bucket encryption
// operations.
type ServerSideEncryptionConfiguration struct {
	XMLName xml.Name  `xml:"ServerSideEncryptionConfiguration"`
	Xmlns   string    `xml:"xmlns,attr,omitempty"`
	Rules   []SSERule `xml:"Rule"`
}

// SSERule is one rule of a ServerSideEncryptionConfiguration.
type SSERule struct {
	ApplyServerSideEncryptionByDefault SSEDefault `xml:"ApplyServerSideEncryptionByDefault"`
	BucketKeyEnabled                   bool       `xml:"BucketKeyEnabled,omitempty"`
}

// SSEDefault names the default algorithm.
type SSEDefault struct {
	SSEAlgorithm   string `xml:"SSEAlgorithm"`
	KMSMasterKeyID string `xml:"KMSMasterKeyID,omitempty"`
}

// LifecycleConfiguration is the body of the bucket lifecycle operations.
type LifecycleConfiguration struct {
	XMLName xml.Name        `xml:"LifecycleConfiguration"`
	Xmlns   string          `xml:"xmlns,attr,omitempty"`
	Rules   []LifecycleRule `xml:"Rule"`
}

// LifecycleRule is one lifecycle rule. The legacy top-level Prefix is
// accepted alongside Filter.
type LifecycleRule struct {
	ID                             string                          `xml:"ID,omitempty"`
	Status                         string                          `xml:"Status"`
	Prefix                         *string                         `xml:"Prefix"`
	Filter                         *LifecycleFilter                `xml:"Filter"`
	Expiration                     *LifecycleExpiration            `xml:"Expiration"`
	NoncurrentVersionExpiration    *NoncurrentVersionExpiration    `xml:"NoncurrentVersionExpiration"`
	AbortIncompleteMultipartUpload *AbortIncompleteMultipartUpload `xml:"AbortIncompleteMultipartUpload"`
}

// LifecycleFilter selects the objects a rule applies to.
type LifecycleFilter struct {
	Prefix                string        `xml:"Prefix,omitempty"`
	Tag                   *Tag          `xml:"Tag"`
	ObjectSizeGreaterThan int64         `xml:"ObjectSizeGreaterThan,omitempty"`
	ObjectSizeLessThan    int64         `xml:"ObjectSizeLessThan,omitempty"`
	And                   *LifecycleAnd `xml:"And"`
}

// LifecycleAnd combines several filter predicates.
type LifecycleAnd struct {
	Prefix                string `xml:"Prefix,omitempty"`
	Tags                  []Tag  `xml:"Tag"`
	ObjectSizeGreaterThan int64  `xml:"ObjectSizeGreaterThan,omitempty"`
	ObjectSizeLessThan    int64  `xml:"ObjectSizeLessThan,omitempty"`
}

// LifecycleExpiration expires current versions or expired delete markers.
type LifecycleExpiration struct {
	Days                      int    `xml:"Days,omitempty"`
	Date                      string `xml:"Date,omitempty"`
	ExpiredObjectDeleteMarker bool   `xml:"ExpiredObjectDeleteMarker,omitempty"`
}

// NoncurrentVersionExpiration removes noncurrent versions.
type NoncurrentVersionExpiration struct {
	NoncurrentDays          int `xml:"NoncurrentDays,omitempty"`
	NewerNoncurrentVersions int `xml:"NewerNoncurrentVersions,omitempty"`
}

// AbortIncompleteMultipartUpload aborts stale uploads.
type AbortIncompleteMultipartUpload struct {
	DaysAfterInitiation int `xml:"DaysAfterInitiation"`
}

// CORSConfiguration is the body of the bucket CORS operations.
type CORSConfiguration struct {
	XMLName xml.Name   `xml:"CORSConfiguration"`
	Xmlns   string     `xml:"xmlns,attr,omitempty"`
	Rules   []CORSRule `xml:"CORSRule"`
}

// CORSRule is one CORS rule.
type CORSRule struct {
	ID             string   `xml:"ID,omitempty"`
	AllowedOrigins []string `xml:"AllowedOrigin"`
	AllowedMethods []string `xml:"AllowedMethod"`
	AllowedHeaders []string `xml:"AllowedHeader"`
	ExposeHeaders  []string `xml:"ExposeHeader"`
	MaxAgeSeconds  int      `xml:"MaxAgeSeconds,omitempty"`
}

// WebsiteConfiguration is the body of the bucket website operations.
type WebsiteConfiguration struct {
	XMLName               xml.Name               `xml:"WebsiteConfiguration"`
	Xmlns                 string                 `xml:"xmlns,attr,omitempty"`
	IndexDocument         *IndexDocument         `xml:"IndexDocument"`
	ErrorDocument         *ErrorDocument         `xml:"ErrorDocument"`
	RedirectAllRequestsTo *RedirectAllRequestsTo `xml:"RedirectAllRequestsTo"`
}

// IndexDocument names the suffix served for directory requests.
type IndexDocument struct {
	Suffix string `xml:"Suffix"`
}

// ErrorDocument names the key served on 4xx errors.
type ErrorDocument struct {
	Key string `xml:"Key"`
}

// RedirectAllRequestsTo redirects every request to another host.
type RedirectAllRequestsTo struct {
	HostName string `xml:"HostName"`
	Protocol string `xml:"Protocol,omitempty"`
}

// OwnershipControls is the body of the bucket ownership controls operations.
type OwnershipControls struct {
	XMLName xml.Name                `xml:"OwnershipControls"`
	Xmlns   string                  `xml:"xmlns,attr,omitempty"`
	Rules   []OwnershipControlsRule `xml:"Rule"`
}

// OwnershipControlsRule carries the object ownership mode.
type OwnershipControlsRule struct {
	ObjectOwnership string `xml:"ObjectOwnership"`
}

// BucketLoggingStatus is the body of Get/PutBucketLogging. An empty
// LoggingEnabled disables logging.
type BucketLoggingStatus struct {
	XMLName        xml.Name        `xml:"BucketLoggingStatus"`
	Xmlns          string          `xml:"xmlns,attr,omitempty"`
	LoggingEnabled *LoggingEnabled `xml:"LoggingEnabled"`
}

// LoggingEnabled names the log target.
type LoggingEnabled struct {
	TargetBucket string `xml:"TargetBucket"`
	TargetPrefix string `xml:"TargetPrefix"`
}

// PublicAccessBlockConfiguration is the body of the public access block
// operations.
type PublicAccessBlockConfiguration struct {
	XMLName               xml.Name `xml:"PublicAccessBlockConfiguration"`
	Xmlns                 string   `xml:"xmlns,attr,omitempty"`
	BlockPublicAcls       bool     `xml:"BlockPublicAcls"`
	IgnorePublicAcls      bool     `xml:"IgnorePublicAcls"`
	BlockPublicPolicy     bool     `xml:"BlockPublicPolicy"`
	RestrictPublicBuckets bool     `xml:"RestrictPublicBuckets"`
}
