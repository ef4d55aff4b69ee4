// Package errors defines the S3-compatible error values returned by every
// Cairn component. Callers compare with errors.Is against the predefined
// values or switch on Kind.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an S3Error independently of its wire code.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindPreconditionFailed
	KindNotModified
	KindValidation
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindPreconditionFailed:
		return "PreconditionFailed"
	case KindNotModified:
		return "NotModified"
	case KindValidation:
		return "Validation"
	case KindForbidden:
		return "Forbidden"
	default:
		return "Internal"
	}
}

// S3Error represents an S3 API error with a machine-readable code,
// human-readable message, HTTP status code, and optional extra fields.
type S3Error struct {
	// Kind is the error category used by the engine for control flow.
	Kind Kind
	// Code is the S3 error code (e.g., "NoSuchBucket", "AccessDenied").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 403).
	HTTPStatus int
	// ExtraFields holds additional key-value pairs included in the XML error response.
	ExtraFields map[string]string
}

// Error implements the error interface for S3Error.
func (e *S3Error) Error() string {
	return fmt.Sprintf("S3Error %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Is reports whether target is an S3Error with the same code, so copies made
// by WithExtra or WithMessage still match the predefined value.
func (e *S3Error) Is(target error) bool {
	t, ok := target.(*S3Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithExtra returns a copy of the S3Error with the given extra field set.
func (e *S3Error) WithExtra(key, value string) *S3Error {
	cp := *e
	extra := make(map[string]string, len(e.ExtraFields)+1)
	for k, v := range e.ExtraFields {
		extra[k] = v
	}
	extra[key] = value
	cp.ExtraFields = extra
	return &cp
}

// WithMessage returns a copy of the S3Error with a more specific message.
func (e *S3Error) WithMessage(format string, args ...any) *S3Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// From extracts an S3Error from err. Errors that are not S3Errors are
// reported as InternalError.
func From(err error) *S3Error {
	if err == nil {
		return nil
	}
	var s3e *S3Error
	if stderrors.As(err, &s3e) {
		return s3e
	}
	return ErrInternalError
}

// IsKind reports whether err is an S3Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var s3e *S3Error
	return stderrors.As(err, &s3e) && s3e.Kind == kind
}

func newErr(kind Kind, code string, status int, msg string) *S3Error {
	return &S3Error{Kind: kind, Code: code, Message: msg, HTTPStatus: status}
}

// Pre-defined S3 errors for common conditions.
var (
	ErrAccessDenied = newErr(KindForbidden, "AccessDenied", http.StatusForbidden,
		"Access Denied")
	ErrInvalidAccessKeyId = newErr(KindForbidden, "InvalidAccessKeyId", http.StatusForbidden,
		"The AWS access key Id you provided does not exist in our records.")
	ErrAccessControlListNotSupported = newErr(KindValidation, "AccessControlListNotSupported", http.StatusBadRequest,
		"The bucket does not allow ACLs")
	ErrInvalidBucketAclWithObjectOwnership = newErr(KindValidation, "InvalidBucketAclWithObjectOwnership", http.StatusBadRequest,
		"Bucket cannot have ACLs set with ObjectOwnership's BucketOwnerEnforced setting")

	ErrNoSuchBucket = newErr(KindNotFound, "NoSuchBucket", http.StatusNotFound,
		"The specified bucket does not exist")
	ErrNoSuchKey = newErr(KindNotFound, "NoSuchKey", http.StatusNotFound,
		"The specified key does not exist")
	ErrNoSuchVersion = newErr(KindNotFound, "NoSuchVersion", http.StatusNotFound,
		"The specified version does not exist")
	ErrNoSuchUpload = newErr(KindNotFound, "NoSuchUpload", http.StatusNotFound,
		"The specified multipart upload does not exist")

	// Bucket sub-resource lookups.
	ErrNoSuchLifecycleConfiguration = newErr(KindNotFound, "NoSuchLifecycleConfiguration", http.StatusNotFound,
		"The lifecycle configuration does not exist")
	ErrNoSuchCORSConfiguration = newErr(KindNotFound, "NoSuchCORSConfiguration", http.StatusNotFound,
		"The CORS configuration does not exist")
	ErrNoSuchWebsiteConfiguration = newErr(KindNotFound, "NoSuchWebsiteConfiguration", http.StatusNotFound,
		"The specified bucket does not have a website configuration")
	ErrNoSuchBucketPolicy = newErr(KindNotFound, "NoSuchBucketPolicy", http.StatusNotFound,
		"The bucket policy does not exist")
	ErrNoSuchEncryptionConfiguration = newErr(KindNotFound, "ServerSideEncryptionConfigurationNotFoundError", http.StatusNotFound,
		"The server side encryption configuration was not found")
	ErrNoSuchTagSet = newErr(KindNotFound, "NoSuchTagSet", http.StatusNotFound,
		"The TagSet does not exist")
	ErrNoSuchPublicAccessBlockConfiguration = newErr(KindNotFound, "NoSuchPublicAccessBlockConfiguration", http.StatusNotFound,
		"The public access block configuration was not found")
	ErrOwnershipControlsNotFound = newErr(KindNotFound, "OwnershipControlsNotFoundError", http.StatusNotFound,
		"The bucket ownership controls were not found")

	ErrBucketAlreadyExists = newErr(KindConflict, "BucketAlreadyExists", http.StatusConflict,
		"The requested bucket name is not available")
	ErrBucketAlreadyOwnedByYou = newErr(KindConflict, "BucketAlreadyOwnedByYou", http.StatusConflict,
		"Your previous request to create the named bucket succeeded and you already own it")
	ErrBucketNotEmpty = newErr(KindConflict, "BucketNotEmpty", http.StatusConflict,
		"The bucket you tried to delete is not empty")

	ErrPreconditionFailed = newErr(KindPreconditionFailed, "PreconditionFailed", http.StatusPreconditionFailed,
		"At least one of the pre-conditions you specified did not hold")
	ErrNotModified = newErr(KindNotModified, "NotModified", http.StatusNotModified,
		"Not Modified")

	ErrInvalidBucketName = newErr(KindValidation, "InvalidBucketName", http.StatusBadRequest,
		"The specified bucket is not valid")
	ErrInvalidPart = newErr(KindValidation, "InvalidPart", http.StatusBadRequest,
		"One or more of the specified parts could not be found")
	ErrInvalidPartOrder = newErr(KindValidation, "InvalidPartOrder", http.StatusBadRequest,
		"The list of parts was not in ascending order")
	ErrEntityTooLarge = newErr(KindValidation, "EntityTooLarge", http.StatusBadRequest,
		"Your proposed upload exceeds the maximum allowed object size")
	ErrEntityTooSmall = newErr(KindValidation, "EntityTooSmall", http.StatusBadRequest,
		"Your proposed upload is smaller than the minimum allowed object size")
	ErrMalformedXML = newErr(KindValidation, "MalformedXML", http.StatusBadRequest,
		"The XML you provided was not well-formed or did not validate")
	ErrMalformedPolicy = newErr(KindValidation, "MalformedPolicy", http.StatusBadRequest,
		"Policies must be valid JSON and the first byte must be '{'")
	ErrMalformedACLError = newErr(KindValidation, "MalformedACLError", http.StatusBadRequest,
		"The XML you provided for the ACL is not well-formed or did not validate")
	ErrInvalidArgument = newErr(KindValidation, "InvalidArgument", http.StatusBadRequest,
		"Invalid Argument")
	ErrInvalidRequest = newErr(KindValidation, "InvalidRequest", http.StatusBadRequest,
		"Invalid Request")
	ErrInvalidRange = newErr(KindValidation, "InvalidRange", http.StatusRequestedRangeNotSatisfiable,
		"The requested range is not satisfiable")
	ErrInvalidStorageClass = newErr(KindValidation, "InvalidStorageClass", http.StatusBadRequest,
		"The storage class you specified is not valid")
	ErrInvalidTag = newErr(KindValidation, "InvalidTag", http.StatusBadRequest,
		"The tag provided was not a valid tag")
	ErrInvalidTargetBucketForLogging = newErr(KindValidation, "InvalidTargetBucketForLogging", http.StatusBadRequest,
		"The target bucket for logging does not exist")
	ErrKeyTooLongError = newErr(KindValidation, "KeyTooLongError", http.StatusBadRequest,
		"Your key is too long")
	ErrBadDigest = newErr(KindValidation, "BadDigest", http.StatusBadRequest,
		"The Content-MD5 you specified did not match what we received")
	ErrInvalidDigest = newErr(KindValidation, "InvalidDigest", http.StatusBadRequest,
		"The Content-MD5 you specified is not valid")
	ErrIncompleteBody = newErr(KindValidation, "IncompleteBody", http.StatusBadRequest,
		"You did not provide the number of bytes specified by the Content-Length HTTP header")
	ErrMissingRequestBodyError = newErr(KindValidation, "MissingRequestBodyError", http.StatusBadRequest,
		"Request body is empty")
	ErrMissingContentLength = newErr(KindValidation, "MissingContentLength", http.StatusLengthRequired,
		"You must provide the Content-Length HTTP header")
	ErrInvalidLocationConstraint = newErr(KindValidation, "InvalidLocationConstraint", http.StatusBadRequest,
		"The specified location constraint is not valid")
	ErrMethodNotAllowed = newErr(KindValidation, "MethodNotAllowed", http.StatusMethodNotAllowed,
		"The specified method is not allowed against this resource")
	ErrCORSForbidden = newErr(KindForbidden, "AccessForbidden", http.StatusForbidden,
		"CORSResponse: This CORS request is not allowed")

	ErrInternalError = newErr(KindInternal, "InternalError", http.StatusInternalServerError,
		"We encountered an internal error. Please try again.")
	ErrNotImplemented = newErr(KindInternal, "NotImplemented", http.StatusNotImplemented,
		"A header you provided implies functionality that is not implemented")
	ErrServiceUnavailable = newErr(KindInternal, "ServiceUnavailable", http.StatusServiceUnavailable,
		"Service is not available. Please retry.")
)
