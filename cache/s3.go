package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const s3StoreMarker = ".store"

// S3Cache keeps every store under its own "directory" of a bucket.
// A marker object records the existence of a store, so empty stores are listed too.
// Entry object names are hashes of the entry key.
type S3Cache struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

func NewS3Cache(bucket, prefix string, client *s3.Client) *S3Cache {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Cache{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

func (s *S3Cache) storePrefix(store string) string {
	return s.prefix + store + "/"
}

func (s *S3Cache) objectKey(store, key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.storePrefix(store) + hex.EncodeToString(sum[:])
}

func (s *S3Cache) exists(ctx context.Context, store string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.storePrefix(store) + s3StoreMarker),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Cache) Open(ctx context.Context, store string) error {
	ok, err := s.exists(ctx, store)
	if err != nil {
		return StoreUnavailable(err, store)
	}
	if ok {
		return nil
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.storePrefix(store) + s3StoreMarker),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return StoreUnavailable(err, store)
	}
	return nil
}

func (s *S3Cache) Stores(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return names, StoreUnavailable(err, "")
		}
		for _, p := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(p.Prefix), s.prefix), "/")
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *S3Cache) Delete(ctx context.Context, store string) (bool, error) {
	existed, err := s.exists(ctx, store)
	if err != nil {
		return false, StoreUnavailable(err, store)
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.storePrefix(store)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return false, StoreUnavailable(err, store)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return false, StoreUnavailable(err, store)
		}
	}
	return existed, nil
}

func (s *S3Cache) Get(ctx context.Context, store, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(store, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, StoreUnavailable(err, store)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, StoreUnavailable(err, store)
	}
	return body, true, nil
}

func (s *S3Cache) Put(ctx context.Context, store, key string, b []byte) (bool, error) {
	ok, err := s.exists(ctx, store)
	if err != nil {
		return false, StoreUnavailable(err, store)
	}
	if !ok {
		return false, nil
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(store, key)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("message/http"),
	})
	if err != nil {
		return false, StoreUnavailable(err, store)
	}
	return true, nil
}

func (s *S3Cache) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
