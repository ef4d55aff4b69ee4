// Integration tests that start a full in-process Cairn server and drive it
// with the AWS SDK S3 client.
package server

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/cairnstore/cairn/internal/config"
)

// integrationServer holds a running test server instance.
type integrationServer struct {
	srv      *Server
	endpoint string
	client   *s3.Client
}

// newIntegrationServer starts a Cairn server on a free loopback port.
func newIntegrationServer(t *testing.T) *integrationServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()
	endpoint := "http://" + addr

	srv := newTestServer(t, func(c *config.Config) {
		c.Server.PublicURL = endpoint
		c.Engine.MinPartSize = 5
	})
	go func() {
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("ListenAndServe: %v", err)
		}
	}()

	ready := false
	for i := 0; i < 50; i++ {
		resp, err := http.Get(endpoint + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !ready {
		t.Fatalf("server at %s never became healthy", endpoint)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("cairn", "cairn-secret", ""),
	})
	return &integrationServer{srv: srv, endpoint: endpoint, client: client}
}

// signedRequest builds a SigV4-signed raw HTTP request.
func (ts *integrationServer) signedRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, ts.endpoint+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	creds := aws.Credentials{AccessKeyID: "cairn", SecretAccessKey: "cairn-secret"}
	if err := v4.NewSigner().SignHTTP(context.Background(), creds, req, "UNSIGNED-PAYLOAD", "s3", "us-east-1", time.Now()); err != nil {
		t.Fatalf("SignHTTP: %v", err)
	}
	return req
}

// doSigned signs and executes a raw request.
func (ts *integrationServer) doSigned(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(ts.signedRequest(t, method, path, body))
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// apiErrorCode returns the S3 error code carried by err.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func (ts *integrationServer) createBucket(t *testing.T, name string) {
	t.Helper()
	if _, err := ts.client.CreateBucket(context.Background(), &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("CreateBucket(%s): %v", name, err)
	}
}

func (ts *integrationServer) putObject(t *testing.T, bucket, key, body string) *s3.PutObjectOutput {
	t.Helper()
	out, err := ts.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(body),
	})
	if err != nil {
		t.Fatalf("PutObject(%s/%s): %v", bucket, key, err)
	}
	return out
}

func TestIntegrationBucketCRUD(t *testing.T) {
	ts := newIntegrationServer(t)
	ctx := context.Background()

	ts.createBucket(t, "alpha")
	ts.createBucket(t, "beta")

	if _, err := ts.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String("alpha")}); err != nil {
		t.Fatalf("HeadBucket: %v", err)
	}

	list, err := ts.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		t.Fatalf("ListBuckets: %v", err)
	}
	var names []string
	for _, b := range list.Buckets {
		names = append(names, aws.ToString(b.Name))
	}
	if diff := cmp.Diff([]string{"alpha", "beta"}, names); diff != "" {
		t.Errorf("buckets mismatch (-want +got):\n%s", diff)
	}
	if aws.ToString(list.Owner.ID) != "cairn" {
		t.Errorf("owner = %q", aws.ToString(list.Owner.ID))
	}

	if _, err := ts.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String("beta")}); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	_, err = ts.client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String("beta")})
	if code := apiErrorCode(err); code != "NoSuchBucket" {
		t.Errorf("GetBucketLocation after delete: %v", err)
	}
}

func TestIntegrationPutGetObject(t *testing.T) {
	ts := newIntegrationServer(t)
	ctx := context.Background()
	ts.createBucket(t, "objects")

	put, err := ts.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String("objects"),
		Key:         aws.String("docs/readme.txt"),
		Body:        strings.NewReader("hello, cairn"),
		ContentType: aws.String("text/plain"),
		Metadata:    map[string]string{"author": "ada"},
	})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if want := fmt.Sprintf(`"%x"`, md5.Sum([]byte("hello, cairn"))); aws.ToString(put.ETag) != want {
		t.Errorf("ETag = %q, want %q", aws.ToString(put.ETag), want)
	}

	get, err := ts.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("objects"), Key: aws.String("docs/readme.txt")})
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	data, _ := io.ReadAll(get.Body)
	get.Body.Close()
	if string(data) != "hello, cairn" {
		t.Errorf("body = %q", data)
	}
	if aws.ToString(get.ContentType) != "text/plain" {
		t.Errorf("ContentType = %q", aws.ToString(get.ContentType))
	}
	if get.Metadata["author"] != "ada" {
		t.Errorf("Metadata = %v", get.Metadata)
	}
	if aws.ToString(get.ETag) != aws.ToString(put.ETag) {
		t.Errorf("GET ETag %q != PUT ETag %q", aws.ToString(get.ETag), aws.ToString(put.ETag))
	}

	rng, err := ts.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String("objects"),
		Key:    aws.String("docs/readme.txt"),
		Range:  aws.String("bytes=7-"),
	})
	if err != nil {
		t.Fatalf("ranged GetObject: %v", err)
	}
	data, _ = io.ReadAll(rng.Body)
	rng.Body.Close()
	if string(data) != "cairn" || aws.ToString(rng.ContentRange) != "bytes 7-11/12" {
		t.Errorf("range = %q, Content-Range = %q", data, aws.ToString(rng.ContentRange))
	}

	_, err = ts.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("objects"), Key: aws.String("missing")})
	if code := apiErrorCode(err); code != "NoSuchKey" {
		t.Errorf("GetObject missing: %v", err)
	}
}

func TestIntegrationListObjectsV2(t *testing.T) {
	ts := newIntegrationServer(t)
	ts.createBucket(t, "listing")
	for _, k := range []string{"a.txt", "photos/2024/1.jpg", "photos/2024/2.jpg", "photos/2025/1.jpg", "z.txt"} {
		ts.putObject(t, "listing", k, k)
	}

	out, err := ts.client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
		Bucket:    aws.String("listing"),
		Prefix:    aws.String("photos/"),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		t.Fatalf("ListObjectsV2: %v", err)
	}
	var prefixes []string
	for _, p := range out.CommonPrefixes {
		prefixes = append(prefixes, aws.ToString(p.Prefix))
	}
	if diff := cmp.Diff([]string{"photos/2024/", "photos/2025/"}, prefixes); diff != "" {
		t.Errorf("prefixes mismatch (-want +got):\n%s", diff)
	}
	if len(out.Contents) != 0 {
		t.Errorf("contents = %d, want 0", len(out.Contents))
	}

	// Paginate the whole bucket two keys at a time.
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(ts.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String("listing"),
		MaxKeys: aws.Int32(2),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			t.Fatalf("NextPage: %v", err)
		}
		for _, o := range page.Contents {
			keys = append(keys, aws.ToString(o.Key))
		}
	}
	want := []string{"a.txt", "photos/2024/1.jpg", "photos/2024/2.jpg", "photos/2025/1.jpg", "z.txt"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestIntegrationVersioning(t *testing.T) {
	ts := newIntegrationServer(t)
	ctx := context.Background()
	ts.createBucket(t, "history")

	_, err := ts.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket:                  aws.String("history"),
		VersioningConfiguration: &types.VersioningConfiguration{Status: types.BucketVersioningStatusEnabled},
	})
	if err != nil {
		t.Fatalf("PutBucketVersioning: %v", err)
	}

	v1 := ts.putObject(t, "history", "doc", "one")
	v2 := ts.putObject(t, "history", "doc", "two")
	if aws.ToString(v1.VersionId) == "" || aws.ToString(v1.VersionId) == aws.ToString(v2.VersionId) {
		t.Fatalf("version ids %q, %q", aws.ToString(v1.VersionId), aws.ToString(v2.VersionId))
	}

	del, err := ts.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String("history"), Key: aws.String("doc")})
	if err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if !aws.ToBool(del.DeleteMarker) {
		t.Error("DeleteObject did not create a delete marker")
	}

	old, err := ts.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("history"), Key: aws.String("doc"), VersionId: v1.VersionId})
	if err != nil {
		t.Fatalf("GetObject v1: %v", err)
	}
	data, _ := io.ReadAll(old.Body)
	old.Body.Close()
	if string(data) != "one" {
		t.Errorf("v1 body = %q", data)
	}

	versions, err := ts.client.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{Bucket: aws.String("history")})
	if err != nil {
		t.Fatalf("ListObjectVersions: %v", err)
	}
	if len(versions.Versions) != 2 || len(versions.DeleteMarkers) != 1 {
		t.Errorf("versions = %d, delete markers = %d, want 2 and 1", len(versions.Versions), len(versions.DeleteMarkers))
	}
	if !aws.ToBool(versions.DeleteMarkers[0].IsLatest) {
		t.Error("delete marker is not the latest version")
	}
}

func TestIntegrationMultipartUpload(t *testing.T) {
	ts := newIntegrationServer(t)
	ctx := context.Background()
	ts.createBucket(t, "uploads")

	created, err := ts.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String("uploads"),
		Key:    aws.String("big.bin"),
	})
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}

	// Upload parts concurrently.
	bodies := []string{"first-part|", "second-part|", "last"}
	completed := make([]types.CompletedPart, len(bodies))
	g, gctx := errgroup.WithContext(ctx)
	for i, body := range bodies {
		g.Go(func() error {
			n := int32(i + 1)
			out, err := ts.client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:     aws.String("uploads"),
				Key:        aws.String("big.bin"),
				UploadId:   created.UploadId,
				PartNumber: aws.Int32(n),
				Body:       strings.NewReader(body),
			})
			if err != nil {
				return err
			}
			completed[i] = types.CompletedPart{PartNumber: aws.Int32(n), ETag: out.ETag}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("UploadPart: %v", err)
	}

	parts, err := ts.client.ListParts(ctx, &s3.ListPartsInput{
		Bucket:   aws.String("uploads"),
		Key:      aws.String("big.bin"),
		UploadId: created.UploadId,
	})
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(parts.Parts) != 3 {
		t.Fatalf("ListParts returned %d parts", len(parts.Parts))
	}

	done, err := ts.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String("uploads"),
		Key:             aws.String("big.bin"),
		UploadId:        created.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		t.Fatalf("CompleteMultipartUpload: %v", err)
	}
	if !strings.HasSuffix(aws.ToString(done.ETag), `-3"`) {
		t.Errorf("composite ETag = %q", aws.ToString(done.ETag))
	}

	get, err := ts.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("uploads"), Key: aws.String("big.bin")})
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	data, _ := io.ReadAll(get.Body)
	get.Body.Close()
	if string(data) != strings.Join(bodies, "") {
		t.Errorf("assembled body = %q", data)
	}

	_, err = ts.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String("uploads"),
		Key:      aws.String("big.bin"),
		UploadId: created.UploadId,
	})
	if code := apiErrorCode(err); code != "NoSuchUpload" {
		t.Errorf("abort after complete: %v", err)
	}
}

func TestIntegrationCopyAndDeleteObjects(t *testing.T) {
	ts := newIntegrationServer(t)
	ctx := context.Background()
	ts.createBucket(t, "src")
	ts.createBucket(t, "dst")
	ts.putObject(t, "src", "original", "payload")

	if _, err := ts.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String("dst"),
		Key:        aws.String("copy"),
		CopySource: aws.String("src/original"),
	}); err != nil {
		t.Fatalf("CopyObject: %v", err)
	}
	head, err := ts.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String("dst"), Key: aws.String("copy")})
	if err != nil {
		t.Fatalf("HeadObject: %v", err)
	}
	if aws.ToInt64(head.ContentLength) != int64(len("payload")) {
		t.Errorf("ContentLength = %d", aws.ToInt64(head.ContentLength))
	}

	out, err := ts.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String("dst"),
		Delete: &types.Delete{Objects: []types.ObjectIdentifier{{Key: aws.String("copy")}, {Key: aws.String("never-existed")}}},
	})
	if err != nil {
		t.Fatalf("DeleteObjects: %v", err)
	}
	var deleted []string
	for _, d := range out.Deleted {
		deleted = append(deleted, aws.ToString(d.Key))
	}
	sort.Strings(deleted)
	if diff := cmp.Diff([]string{"copy", "never-existed"}, deleted); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}

	_, err = ts.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String("src")})
	if code := apiErrorCode(err); code != "BucketNotEmpty" {
		t.Errorf("DeleteBucket non-empty: %v", err)
	}
}

func TestIntegrationBucketTagging(t *testing.T) {
	ts := newIntegrationServer(t)
	ctx := context.Background()
	ts.createBucket(t, "tagged")

	_, err := ts.client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
		Bucket:  aws.String("tagged"),
		Tagging: &types.Tagging{TagSet: []types.Tag{{Key: aws.String("team"), Value: aws.String("storage")}}},
	})
	if err != nil {
		t.Fatalf("PutBucketTagging: %v", err)
	}
	out, err := ts.client.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String("tagged")})
	if err != nil {
		t.Fatalf("GetBucketTagging: %v", err)
	}
	if len(out.TagSet) != 1 || aws.ToString(out.TagSet[0].Value) != "storage" {
		t.Errorf("TagSet = %+v", out.TagSet)
	}
}

func TestIntegrationXMLNamespaces(t *testing.T) {
	ts := newIntegrationServer(t)
	ts.createBucket(t, "ns")

	resp := ts.doSigned(t, "GET", "/ns?list-type=2", nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `xmlns="http://s3.amazonaws.com/doc/2006-03-01/"`) {
		t.Errorf("ListBucketResult missing S3 namespace: %s", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	if resp.Header.Get("Server") != "Cairn" || resp.Header.Get("x-amz-request-id") == "" {
		t.Errorf("common headers missing: %v", resp.Header)
	}
}

func TestIntegrationPresignedGetURL(t *testing.T) {
	ts := newIntegrationServer(t)
	ts.createBucket(t, "shared")
	ts.putObject(t, "shared", "report.csv", "a,b,c")

	presigned, err := s3.NewPresignClient(ts.client).PresignGetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String("shared"),
		Key:    aws.String("report.csv"),
	}, s3.WithPresignExpires(time.Minute))
	if err != nil {
		t.Fatalf("PresignGetObject: %v", err)
	}

	resp, err := http.Get(presigned.URL)
	if err != nil {
		t.Fatalf("GET presigned: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "a,b,c" {
		t.Errorf("presigned GET = %d %q", resp.StatusCode, body)
	}

	// The same object is private to unsigned requests.
	anon, err := http.Get(ts.endpoint + "/shared/report.csv")
	if err != nil {
		t.Fatalf("GET anonymous: %v", err)
	}
	anon.Body.Close()
	if anon.StatusCode != http.StatusForbidden {
		t.Errorf("anonymous GET = %d, want 403", anon.StatusCode)
	}
}
