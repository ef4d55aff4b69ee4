package registry

import (
	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
)

// Grantee group URIs.
const (
	AllUsersURI           = "http://acs.amazonaws.com/groups/global/AllUsers"
	AuthenticatedUsersURI = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
	LogDeliveryURI        = "http://acs.amazonaws.com/groups/s3/LogDelivery"
)

// Grantee types.
const (
	GranteeCanonicalUser = "CanonicalUser"
	GranteeGroup         = "Group"
	GranteeEmail         = "AmazonCustomerByEmail"
)

// Permissions.
const (
	PermFullControl = "FULL_CONTROL"
	PermRead        = "READ"
	PermWrite       = "WRITE"
	PermReadACP     = "READ_ACP"
	PermWriteACP    = "WRITE_ACP"
)

// ACL is an access control list: the owner plus ordered grants.
type ACL struct {
	Owner  metadata.Owner
	Grants []Grant
}

// Grant gives one grantee one permission.
type Grant struct {
	Grantee    Grantee
	Permission string
}

// Grantee identifies who a grant applies to.
type Grantee struct {
	Type        string
	ID          string
	DisplayName string
	URI         string
	Email       string
}

// PrivateACL grants FULL_CONTROL to the owner only.
func PrivateACL(owner metadata.Owner) ACL {
	return ACL{Owner: owner, Grants: []Grant{ownerGrant(owner)}}
}

func ownerGrant(owner metadata.Owner) Grant {
	return Grant{
		Grantee:    Grantee{Type: GranteeCanonicalUser, ID: owner.ID, DisplayName: owner.DisplayName},
		Permission: PermFullControl,
	}
}

func groupGrant(uri, perm string) Grant {
	return Grant{Grantee: Grantee{Type: GranteeGroup, URI: uri}, Permission: perm}
}

// CannedACL expands a canned ACL name. An empty name means private.
func CannedACL(name string, owner metadata.Owner) (ACL, error) {
	acl := PrivateACL(owner)
	switch name {
	case "", "private", "bucket-owner-read", "bucket-owner-full-control":
	case "public-read":
		acl.Grants = append(acl.Grants, groupGrant(AllUsersURI, PermRead))
	case "public-read-write":
		acl.Grants = append(acl.Grants, groupGrant(AllUsersURI, PermRead), groupGrant(AllUsersURI, PermWrite))
	case "authenticated-read":
		acl.Grants = append(acl.Grants, groupGrant(AuthenticatedUsersURI, PermRead))
	case "log-delivery-write":
		acl.Grants = append(acl.Grants, groupGrant(LogDeliveryURI, PermWrite), groupGrant(LogDeliveryURI, PermReadACP))
	default:
		return ACL{}, s3err.ErrInvalidArgument.WithMessage("Unknown canned ACL %q", name)
	}
	return acl, nil
}

// IsPublic reports whether the ACL grants anything to AllUsers or
// AuthenticatedUsers.
func (a ACL) IsPublic() bool {
	for _, g := range a.Grants {
		if g.Grantee.Type == GranteeGroup && (g.Grantee.URI == AllUsersURI || g.Grantee.URI == AuthenticatedUsersURI) {
			return true
		}
	}
	return false
}

// ownerOnly reports whether every grant goes to the owner, which is the only
// ACL compatible with BucketOwnerEnforced.
func (a ACL) ownerOnly() bool {
	for _, g := range a.Grants {
		if g.Grantee.Type != GranteeCanonicalUser || g.Grantee.ID != a.Owner.ID {
			return false
		}
	}
	return true
}

// allows reports whether the ACL gives caller perm. An empty caller ID is
// anonymous.
func (a ACL) allows(callerID, perm string) bool {
	for _, g := range a.Grants {
		if g.Permission != perm && g.Permission != PermFullControl {
			continue
		}
		switch g.Grantee.Type {
		case GranteeCanonicalUser:
			if callerID != "" && g.Grantee.ID == callerID {
				return true
			}
		case GranteeGroup:
			if g.Grantee.URI == AllUsersURI {
				return true
			}
			if g.Grantee.URI == AuthenticatedUsersURI && callerID != "" {
				return true
			}
		}
	}
	return false
}

func validateACL(acl ACL) error {
	if len(acl.Grants) > 100 {
		return s3err.ErrMalformedACLError.WithMessage("An ACL may contain at most 100 grants")
	}
	for _, g := range acl.Grants {
		switch g.Permission {
		case PermFullControl, PermRead, PermWrite, PermReadACP, PermWriteACP:
		default:
			return s3err.ErrMalformedACLError
		}
		switch g.Grantee.Type {
		case GranteeCanonicalUser:
			if g.Grantee.ID == "" {
				return s3err.ErrInvalidArgument.WithMessage("Invalid id")
			}
		case GranteeGroup:
			switch g.Grantee.URI {
			case AllUsersURI, AuthenticatedUsersURI, LogDeliveryURI:
			default:
				return s3err.ErrInvalidArgument.WithMessage("Invalid group uri")
			}
		case GranteeEmail:
			if g.Grantee.Email == "" {
				return s3err.ErrInvalidArgument.WithMessage("Invalid email address")
			}
		default:
			return s3err.ErrMalformedACLError
		}
	}
	return nil
}
