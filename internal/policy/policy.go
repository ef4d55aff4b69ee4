// Package policy parses, validates and evaluates S3 bucket policy documents.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	s3err "github.com/cairnstore/cairn/internal/errors"
)

const (
	s3ARNPrefix = "arn:aws:s3:::"

	// Version2012 is the only policy language version accepted besides the
	// legacy 2008 one.
	Version2012 = "2012-10-17"
	version2008 = "2008-10-17"
)

// Effect is the outcome a statement applies when it matches.
type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Decision is the result of evaluating a document against one request.
type Decision int

const (
	// NoMatch means no statement applied; the caller falls back to ACLs and
	// ownership.
	NoMatch Decision = iota
	Allow
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "Allow"
	case Deny:
		return "Deny"
	default:
		return "NoMatch"
	}
}

// Document is a validated bucket policy.
type Document struct {
	Version    string
	ID         string
	Statements []Statement
}

// Statement is one parsed policy statement.
type Statement struct {
	Sid          string
	Effect       Effect
	Principals   []string
	NotPrincipal bool
	Actions      []string
	NotActions   []string
	Resources    []string
	Conditions   []Condition
}

// Condition is a single operator/key pair from a Condition block.
type Condition struct {
	Operator string
	Key      string
	Values   []string
	IfExists bool
}

// Request is the evaluation input. Principal is the caller's canonical ID and
// is empty for anonymous callers. Attributes carries condition keys such as
// aws:PrincipalType, aws:SourceIp, aws:SecureTransport and s3:prefix; lookups
// are case-insensitive.
type Request struct {
	Principal  string
	Action     string
	Resource   string
	Attributes map[string]string
	Now        time.Time
}

type rawDocument struct {
	Version   string          `json:"Version"`
	ID        string          `json:"Id"`
	Statement json.RawMessage `json:"Statement"`
}

type rawStatement struct {
	Sid          string                                `json:"Sid"`
	Effect       string                                `json:"Effect"`
	Principal    json.RawMessage                       `json:"Principal"`
	NotPrincipal json.RawMessage                       `json:"NotPrincipal"`
	Action       json.RawMessage                       `json:"Action"`
	NotAction    json.RawMessage                       `json:"NotAction"`
	Resource     json.RawMessage                       `json:"Resource"`
	Condition    map[string]map[string]json.RawMessage `json:"Condition"`
}

// ResourceARN returns the S3 ARN for a bucket, or an object when key is set.
func ResourceARN(bucket, key string) string {
	if key == "" {
		return s3ARNPrefix + bucket
	}
	return s3ARNPrefix + bucket + "/" + key
}

// Parse validates raw as a policy for bucket. All failures are
// MalformedPolicy with a message naming the offending element.
func Parse(raw []byte, bucket string) (*Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, s3err.ErrMalformedPolicy
	}
	var doc rawDocument
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(&doc); err != nil {
		return nil, s3err.ErrMalformedPolicy.WithMessage("Policy is not valid JSON: %v", err)
	}
	switch doc.Version {
	case "", Version2012, version2008:
	default:
		return nil, s3err.ErrMalformedPolicy.WithMessage("Unsupported policy version %q", doc.Version)
	}

	stmts, err := parseStatements(doc.Statement, bucket)
	if err != nil {
		return nil, err
	}
	return &Document{Version: doc.Version, ID: doc.ID, Statements: stmts}, nil
}

func parseStatements(raw json.RawMessage, bucket string) ([]Statement, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, s3err.ErrMalformedPolicy.WithMessage("Missing required field Statement")
	}
	var list []rawStatement
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, s3err.ErrMalformedPolicy.WithMessage("Statement is malformed: %v", err)
		}
	} else {
		var one rawStatement
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, s3err.ErrMalformedPolicy.WithMessage("Statement is malformed: %v", err)
		}
		list = []rawStatement{one}
	}
	if len(list) == 0 {
		return nil, s3err.ErrMalformedPolicy.WithMessage("Statement must not be empty")
	}

	out := make([]Statement, 0, len(list))
	for i, rs := range list {
		st, err := parseStatement(rs, bucket)
		if err != nil {
			return nil, s3err.From(err).WithMessage("Statement %d: %s", i, s3err.From(err).Message)
		}
		out = append(out, st)
	}
	return out, nil
}

func parseStatement(rs rawStatement, bucket string) (Statement, error) {
	st := Statement{Sid: rs.Sid}
	switch Effect(rs.Effect) {
	case EffectAllow, EffectDeny:
		st.Effect = Effect(rs.Effect)
	default:
		return st, s3err.ErrMalformedPolicy.WithMessage("Invalid effect %q", rs.Effect)
	}

	var err error
	switch {
	case len(rs.Principal) > 0 && len(rs.NotPrincipal) > 0:
		return st, s3err.ErrMalformedPolicy.WithMessage("Principal and NotPrincipal are mutually exclusive")
	case len(rs.Principal) > 0:
		st.Principals, err = parsePrincipal(rs.Principal)
	case len(rs.NotPrincipal) > 0:
		st.NotPrincipal = true
		st.Principals, err = parsePrincipal(rs.NotPrincipal)
	default:
		return st, s3err.ErrMalformedPolicy.WithMessage("Missing required field Principal")
	}
	if err != nil {
		return st, err
	}

	switch {
	case len(rs.Action) > 0 && len(rs.NotAction) > 0:
		return st, s3err.ErrMalformedPolicy.WithMessage("Action and NotAction are mutually exclusive")
	case len(rs.Action) > 0:
		st.Actions, err = parseStringOrList(rs.Action, "Action")
	case len(rs.NotAction) > 0:
		st.NotActions, err = parseStringOrList(rs.NotAction, "NotAction")
	default:
		return st, s3err.ErrMalformedPolicy.WithMessage("Missing required field Action")
	}
	if err != nil {
		return st, err
	}
	for _, a := range append(append([]string(nil), st.Actions...), st.NotActions...) {
		if a != "*" && !strings.HasPrefix(strings.ToLower(a), "s3:") {
			return st, s3err.ErrMalformedPolicy.WithMessage("Policy has invalid action %q", a)
		}
	}

	if len(rs.Resource) == 0 {
		return st, s3err.ErrMalformedPolicy.WithMessage("Missing required field Resource")
	}
	if st.Resources, err = parseStringOrList(rs.Resource, "Resource"); err != nil {
		return st, err
	}
	for _, r := range st.Resources {
		if !resourceInBucket(r, bucket) {
			return st, s3err.ErrMalformedPolicy.WithMessage("Policy has invalid resource %q", r)
		}
	}

	if st.Conditions, err = parseConditions(rs.Condition); err != nil {
		return st, err
	}
	return st, nil
}

// resourceInBucket reports whether an ARN pattern targets bucket itself or
// objects inside it.
func resourceInBucket(arn, bucket string) bool {
	if arn == "*" {
		return true
	}
	if !strings.HasPrefix(arn, s3ARNPrefix) {
		return false
	}
	rest := strings.TrimPrefix(arn, s3ARNPrefix)
	name, _, _ := strings.Cut(rest, "/")
	return matchWildcard(name, bucket)
}

func parsePrincipal(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s != "*" {
			return nil, s3err.ErrMalformedPolicy.WithMessage("Invalid principal in policy")
		}
		return []string{"*"}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, s3err.ErrMalformedPolicy.WithMessage("Invalid principal in policy")
	}
	var out []string
	for kind, v := range m {
		switch kind {
		case "AWS", "CanonicalUser":
		default:
			return nil, s3err.ErrMalformedPolicy.WithMessage("Unsupported principal type %q", kind)
		}
		vals, err := parseStringOrList(v, "Principal")
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	if len(out) == 0 {
		return nil, s3err.ErrMalformedPolicy.WithMessage("Invalid principal in policy")
	}
	return out, nil
}

func parseStringOrList(raw json.RawMessage, field string) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, s3err.ErrMalformedPolicy.WithMessage("%s must be a string or list of strings", field)
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
		return nil, s3err.ErrMalformedPolicy.WithMessage("%s must be a string or list of strings", field)
	}
	return list, nil
}

// conditionValues accepts strings, booleans and numbers, scalar or list.
func conditionValues(raw json.RawMessage) ([]string, error) {
	var items []interface{}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
	} else {
		var one interface{}
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, err
		}
		items = []interface{}{one}
	}
	out := make([]string, 0, len(items))
	for _, v := range items {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case bool:
			out = append(out, strconv.FormatBool(t))
		case float64:
			out = append(out, strconv.FormatFloat(t, 'f', -1, 64))
		default:
			return nil, fmt.Errorf("unsupported condition value %v", v)
		}
	}
	return out, nil
}

func parseConditions(block map[string]map[string]json.RawMessage) ([]Condition, error) {
	var out []Condition
	for op, keys := range block {
		base, ifExists := strings.CutSuffix(op, "IfExists")
		if !supportedOperator(base) {
			return nil, s3err.ErrMalformedPolicy.WithMessage("Unsupported condition operator %q", op)
		}
		if ifExists && base == "Null" {
			return nil, s3err.ErrMalformedPolicy.WithMessage("Null does not support IfExists")
		}
		for key, raw := range keys {
			vals, err := conditionValues(raw)
			if err != nil {
				return nil, s3err.ErrMalformedPolicy.WithMessage("Invalid value for condition %s/%s", op, key)
			}
			c := Condition{Operator: base, Key: strings.ToLower(key), Values: vals, IfExists: ifExists}
			if err := validateCondition(c); err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func supportedOperator(op string) bool {
	switch op {
	case "StringEquals", "StringNotEquals", "StringEqualsIgnoreCase", "StringNotEqualsIgnoreCase",
		"StringLike", "StringNotLike",
		"NumericEquals", "NumericNotEquals", "NumericLessThan", "NumericLessThanEquals",
		"NumericGreaterThan", "NumericGreaterThanEquals",
		"DateEquals", "DateNotEquals", "DateLessThan", "DateLessThanEquals",
		"DateGreaterThan", "DateGreaterThanEquals",
		"Bool", "IpAddress", "NotIpAddress", "Null":
		return true
	}
	return false
}

func validateCondition(c Condition) error {
	switch {
	case c.Operator == "Bool" || c.Operator == "Null":
		for _, v := range c.Values {
			if _, err := strconv.ParseBool(v); err != nil {
				return s3err.ErrMalformedPolicy.WithMessage("Invalid %s condition value %q", c.Operator, v)
			}
		}
	case c.Operator == "IpAddress" || c.Operator == "NotIpAddress":
		for _, v := range c.Values {
			if _, err := parseCIDR(v); err != nil {
				return s3err.ErrMalformedPolicy.WithMessage("Invalid IP condition value %q", v)
			}
		}
	case strings.HasPrefix(c.Operator, "Numeric"):
		for _, v := range c.Values {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return s3err.ErrMalformedPolicy.WithMessage("Invalid numeric condition value %q", v)
			}
		}
	case strings.HasPrefix(c.Operator, "Date"):
		for _, v := range c.Values {
			if _, err := parseTime(v); err != nil {
				return s3err.ErrMalformedPolicy.WithMessage("Invalid date condition value %q", v)
			}
		}
	}
	return nil
}

// Evaluate applies the document to req. Any matching Deny wins over Allow.
func (d *Document) Evaluate(req Request) Decision {
	if d == nil {
		return NoMatch
	}
	result := NoMatch
	for i := range d.Statements {
		st := &d.Statements[i]
		if !st.matches(req) {
			continue
		}
		if st.Effect == EffectDeny {
			return Deny
		}
		result = Allow
	}
	return result
}

func (st *Statement) matches(req Request) bool {
	principalHit := matchPrincipal(st.Principals, req.Principal)
	if st.NotPrincipal {
		principalHit = !principalHit
	}
	if !principalHit {
		return false
	}
	if len(st.NotActions) > 0 {
		if matchAny(st.NotActions, req.Action, true) {
			return false
		}
	} else if !matchAny(st.Actions, req.Action, true) {
		return false
	}
	if !matchAny(st.Resources, req.Resource, false) {
		return false
	}
	for _, c := range st.Conditions {
		if !c.matches(req) {
			return false
		}
	}
	return true
}

func matchPrincipal(principals []string, caller string) bool {
	for _, p := range principals {
		if p == "*" {
			return true
		}
		if caller == "" {
			continue
		}
		if p == caller || p == "arn:aws:iam::"+caller+":root" || strings.HasSuffix(p, ":user/"+caller) {
			return true
		}
	}
	return false
}

func matchAny(patterns []string, value string, foldCase bool) bool {
	for _, p := range patterns {
		if foldCase {
			if matchWildcard(strings.ToLower(p), strings.ToLower(value)) {
				return true
			}
		} else if matchWildcard(p, value) {
			return true
		}
	}
	return false
}

// IsPublic reports whether any Allow statement grants access to every
// principal without a condition that narrows the audience.
func (d *Document) IsPublic() bool {
	if d == nil {
		return false
	}
	for _, st := range d.Statements {
		if st.Effect != EffectAllow {
			continue
		}
		wildcard := st.NotPrincipal || matchPrincipal(st.Principals, "")
		if !wildcard {
			continue
		}
		restricted := false
		for _, c := range st.Conditions {
			switch c.Key {
			case "aws:sourceip", "aws:sourcevpc", "aws:sourcevpce", "aws:sourcearn",
				"aws:sourceaccount", "aws:principalaccount", "aws:principalarn",
				"aws:principalorgid", "aws:userid":
				if c.Operator != "Null" && !strings.HasPrefix(c.Operator, "StringNot") && c.Operator != "NotIpAddress" {
					restricted = true
				}
			}
		}
		if !restricted {
			return true
		}
	}
	return false
}

func lookup(attrs map[string]string, key string) (string, bool) {
	if v, ok := attrs[key]; ok {
		return v, true
	}
	for k, v := range attrs {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func (c Condition) matches(req Request) bool {
	actual, present := lookup(req.Attributes, c.Key)
	if c.Key == "aws:currenttime" && !present {
		now := req.Now
		if now.IsZero() {
			now = time.Now()
		}
		actual, present = now.UTC().Format(time.RFC3339), true
	}

	if c.Operator == "Null" {
		want, _ := strconv.ParseBool(c.Values[0])
		return want == !present
	}
	if !present {
		return c.IfExists
	}

	switch c.Operator {
	case "StringEquals":
		return anyOf(c.Values, func(v string) bool { return actual == v })
	case "StringNotEquals":
		return !anyOf(c.Values, func(v string) bool { return actual == v })
	case "StringEqualsIgnoreCase":
		return anyOf(c.Values, func(v string) bool { return strings.EqualFold(actual, v) })
	case "StringNotEqualsIgnoreCase":
		return !anyOf(c.Values, func(v string) bool { return strings.EqualFold(actual, v) })
	case "StringLike":
		return anyOf(c.Values, func(v string) bool { return matchWildcard(v, actual) })
	case "StringNotLike":
		return !anyOf(c.Values, func(v string) bool { return matchWildcard(v, actual) })
	case "Bool":
		got, err := strconv.ParseBool(actual)
		if err != nil {
			return false
		}
		return anyOf(c.Values, func(v string) bool { want, _ := strconv.ParseBool(v); return want == got })
	case "IpAddress", "NotIpAddress":
		ip := net.ParseIP(actual)
		if ip == nil {
			return false
		}
		in := anyOf(c.Values, func(v string) bool {
			n, _ := parseCIDR(v)
			return n != nil && n.Contains(ip)
		})
		return in == (c.Operator == "IpAddress")
	}

	if strings.HasPrefix(c.Operator, "Numeric") {
		got, err := strconv.ParseFloat(actual, 64)
		if err != nil {
			return false
		}
		return compareAll(c.Operator[len("Numeric"):], c.Values, func(v string) int {
			want, _ := strconv.ParseFloat(v, 64)
			switch {
			case got < want:
				return -1
			case got > want:
				return 1
			}
			return 0
		})
	}
	if strings.HasPrefix(c.Operator, "Date") {
		got, err := parseTime(actual)
		if err != nil {
			return false
		}
		return compareAll(c.Operator[len("Date"):], c.Values, func(v string) int {
			want, _ := parseTime(v)
			return got.Compare(want)
		})
	}
	return false
}

// compareAll applies a comparison suffix (Equals, LessThan, ...) across the
// condition values. Negated forms require no value to be equal.
func compareAll(suffix string, values []string, cmp func(string) int) bool {
	if suffix == "NotEquals" {
		return !anyOf(values, func(v string) bool { return cmp(v) == 0 })
	}
	return anyOf(values, func(v string) bool {
		r := cmp(v)
		switch suffix {
		case "Equals":
			return r == 0
		case "LessThan":
			return r < 0
		case "LessThanEquals":
			return r <= 0
		case "GreaterThan":
			return r > 0
		case "GreaterThanEquals":
			return r >= 0
		}
		return false
	})
}

func anyOf(values []string, fn func(string) bool) bool {
	for _, v := range values {
		if fn(v) {
			return true
		}
	}
	return false
}

func parseCIDR(v string) (*net.IPNet, error) {
	v = strings.TrimSpace(v)
	if !strings.Contains(v, "/") {
		ip := net.ParseIP(v)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", v)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, n, err := net.ParseCIDR(v)
	return n, err
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// matchWildcard matches s against a pattern where '*' spans any run of
// characters (including '/') and '?' matches exactly one.
func matchWildcard(pattern, s string) bool {
	p, i := 0, 0
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, i
			p++
		case star >= 0:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
