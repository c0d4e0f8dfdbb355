// Package blobstore implements the Object Store (OS) contract of
// spec.md §6 against AWS S3, grounded on original_source/mcc/launch.py's
// upload_user_entrypoint/upload_req_files and the partial/log handling in
// manager_userdata.py and worker_userdata.py.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	mccerrs "github.com/cuemby/mcc/pkg/errs"
)

// Store is the Object Store contract (spec.md §6): PUT/GET/LIST/DELETE
// against a single bucket, keyed by object path.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// S3Store implements Store against a single S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", mccerrs.ErrObjectStoreIO, key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", mccerrs.ErrObjectStoreIO, key, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", mccerrs.ErrObjectStoreIO, key, err)
	}
	return b, nil
}

// List returns every object key under prefix (spec.md §4.4 aggregator:
// enumerate partials by extension under results/<runID>).
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", mccerrs.ErrObjectStoreIO, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", mccerrs.ErrObjectStoreIO, key, err)
	}
	return nil
}

// FilterByExtensions returns the subset of keys ending in any of exts
// (spec.md §4.4: "file_extensions" filter on the combine step).
func FilterByExtensions(keys []string, exts []string) []string {
	var out []string
	for _, k := range keys {
		for _, ext := range exts {
			if strings.HasSuffix(k, "."+ext) {
				out = append(out, k)
				break
			}
		}
	}
	return out
}
