package cache

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	updatedAtMetaKey = "updated_at"
	statusMetaKey    = "status"
	urlMetaKey       = "url"

	markerName   = ".store"
	entryDir     = "e/"
	deleteBatch  = 1000
	storeDivider = "/"
)

// S3API is the subset of *s3.Client used by S3Storage.
type S3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Storage keeps each store under the "<name>/" prefix of one bucket. A
// marker object makes stores visible before their first entry is written.
type S3Storage struct {
	bucket   string
	client   S3API
	uploader *manager.Uploader
}

func NewS3Storage(bucket string, client S3API) *S3Storage {
	return &S3Storage{
		bucket:   bucket,
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

func (s *S3Storage) Open(ctx context.Context, name string) (Store, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(markerKey(name)),
			Body:   bytes.NewReader(nil),
			Metadata: map[string]string{
				updatedAtMetaKey: strconv.FormatInt(time.Now().Unix(), 10),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("create store %q: %w", name, err)
		}
	}
	return &s3Store{storage: s, name: name}, nil
}

func (s *S3Storage) Has(ctx context.Context, name string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(markerKey(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Names lists the stores in the bucket. Prefixes without a store marker
// belong to something else and are left out.
func (s *S3Storage) Names(ctx context.Context) ([]string, error) {
	var names []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Delimiter: aws.String(storeDivider),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(aws.ToString(cp.Prefix), storeDivider)
			if validName(name) != nil {
				continue
			}
			ok, err := s.Has(ctx, name)
			if err != nil {
				return nil, err
			}
			if ok {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *S3Storage) Delete(ctx context.Context, name string) (bool, error) {
	keys, err := s.listKeys(ctx, name+storeDivider)
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return false, fmt.Errorf("delete store %q: %w", name, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return false, fmt.Errorf("delete store %q: %s: %s", name, aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return true, nil
}

func (s *S3Storage) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

type s3Store struct {
	storage *S3Storage
	name    string
}

func (s *s3Store) Name() string { return s.name }

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	out, err := s.storage.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.storage.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return Object{}, ErrNotFound
		}
		return Object{}, err
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return Object{}, err
	}

	return Object{
		Body:        body,
		Status:      parseStatus(out.Metadata),
		ContentType: aws.ToString(out.ContentType),
		Encoding:    aws.ToString(out.ContentEncoding),
		URL:         out.Metadata[urlMetaKey],
		UpdatedAt:   parseUpdatedAt(out.Metadata),
	}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, obj Object) error {
	meta := map[string]string{
		statusMetaKey: strconv.Itoa(obj.Status),
	}
	if !obj.UpdatedAt.IsZero() {
		meta[updatedAtMetaKey] = strconv.FormatInt(obj.UpdatedAt.Unix(), 10)
	}
	if obj.URL != "" {
		meta[urlMetaKey] = obj.URL
	}

	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.storage.bucket),
		Key:      aws.String(s.objectKey(key)),
		Body:     bytes.NewReader(obj.Body),
		Metadata: meta,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if obj.Encoding != "" {
		input.ContentEncoding = aws.String(obj.Encoding)
	}

	_, err := s.storage.uploader.Upload(ctx, input)
	return err
}

func (s *s3Store) Keys(ctx context.Context) ([]string, error) {
	prefix := s.name + storeDivider + entryDir
	raw, err := s.storage.listKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(k, prefix))
		if err != nil {
			continue
		}
		keys = append(keys, string(decoded))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.storage.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.storage.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	return err
}

func (s *s3Store) objectKey(key string) string {
	return s.name + storeDivider + entryDir + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func markerKey(name string) string {
	return name + storeDivider + markerName
}

func validName(name string) error {
	if name == "" || strings.Contains(name, storeDivider) {
		return fmt.Errorf("invalid store name %q", name)
	}
	return nil
}

func parseStatus(meta map[string]string) int {
	n, err := strconv.Atoi(meta[statusMetaKey])
	if err != nil || n == 0 {
		return 200
	}
	return n
}

func parseUpdatedAt(meta map[string]string) time.Time {
	if meta == nil {
		return time.Time{}
	}
	val, ok := meta[updatedAtMetaKey]
	if !ok {
		return time.Time{}
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
