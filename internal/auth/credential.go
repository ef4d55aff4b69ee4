// Package auth resolves the principal behind an S3 request from its AWS
// Signature Version 4 credential. Signatures themselves are not checked.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// algorithm is the signing algorithm identifier.
	algorithm = "AWS4-HMAC-SHA256"

	// scopeTerminator is the fixed suffix of the credential scope.
	scopeTerminator = "aws4_request"

	// maxPresignedExpiry is the maximum presigned URL expiration in seconds (7 days).
	maxPresignedExpiry = 604800

	// amzDateFormat is the format for x-amz-date values.
	amzDateFormat = "20060102T150405Z"
)

// Method is the way a request carries its credential.
type Method string

const (
	MethodNone      Method = "none"
	MethodHeader    Method = "header"
	MethodPresigned Method = "presigned"
	// MethodAmbiguous means both a header and a query credential were sent.
	MethodAmbiguous Method = "ambiguous"
)

// Credential is the parsed scope of a SigV4 credential.
type Credential struct {
	AccessKeyID string
	Date        string // YYYYMMDD
	Region      string
	Service     string
}

// DetectMethod reports which authentication mechanism r uses.
func DetectMethod(r *http.Request) Method {
	hasHeader := strings.HasPrefix(r.Header.Get("Authorization"), algorithm)
	hasQuery := r.URL.Query().Get("X-Amz-Algorithm") != ""

	switch {
	case hasHeader && hasQuery:
		return MethodAmbiguous
	case hasHeader:
		return MethodHeader
	case hasQuery:
		return MethodPresigned
	}
	return MethodNone
}

// parseScope parses accessKeyID/date/region/service/aws4_request.
func parseScope(s string) (Credential, error) {
	parts := strings.SplitN(s, "/", 5)
	if len(parts) != 5 {
		return Credential{}, fmt.Errorf("invalid credential format")
	}
	if parts[4] != scopeTerminator {
		return Credential{}, fmt.Errorf("invalid credential scope terminator: %s", parts[4])
	}
	if parts[0] == "" {
		return Credential{}, fmt.Errorf("empty access key id")
	}
	return Credential{
		AccessKeyID: parts[0],
		Date:        parts[1],
		Region:      parts[2],
		Service:     parts[3],
	}, nil
}

// ParseAuthorizationHeader extracts the credential of a SigV4 Authorization header.
// Format: AWS4-HMAC-SHA256 Credential=AKID/date/region/service/aws4_request, SignedHeaders=host;..., Signature=hex
func ParseAuthorizationHeader(header string) (Credential, error) {
	rest, ok := strings.CutPrefix(header, algorithm+" ")
	if !ok {
		return Credential{}, fmt.Errorf("unsupported algorithm")
	}

	fields := make(map[string]string)
	for _, part := range strings.Split(rest, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if fields["Credential"] == "" {
		return Credential{}, fmt.Errorf("missing Credential")
	}
	if fields["SignedHeaders"] == "" {
		return Credential{}, fmt.Errorf("missing SignedHeaders")
	}
	if fields["Signature"] == "" {
		return Credential{}, fmt.Errorf("missing Signature")
	}
	return parseScope(fields["Credential"])
}

// ParsePresigned extracts the credential of a presigned URL and checks that
// the URL has not expired at now.
func ParsePresigned(r *http.Request, now time.Time) (Credential, error) {
	q := r.URL.Query()
	if q.Get("X-Amz-Algorithm") != algorithm {
		return Credential{}, fmt.Errorf("unsupported algorithm")
	}
	cred, err := parseScope(q.Get("X-Amz-Credential"))
	if err != nil {
		return Credential{}, err
	}
	if q.Get("X-Amz-Signature") == "" {
		return Credential{}, fmt.Errorf("missing X-Amz-Signature")
	}

	expires, err := strconv.Atoi(q.Get("X-Amz-Expires"))
	if err != nil || expires < 1 || expires > maxPresignedExpiry {
		return Credential{}, fmt.Errorf("invalid X-Amz-Expires value: %q", q.Get("X-Amz-Expires"))
	}
	signedAt, err := time.Parse(amzDateFormat, q.Get("X-Amz-Date"))
	if err != nil {
		return Credential{}, fmt.Errorf("invalid X-Amz-Date format")
	}
	if now.After(signedAt.Add(time.Duration(expires) * time.Second)) {
		return Credential{}, errExpired
	}
	return cred, nil
}

var errExpired = errors.New("request has expired")
