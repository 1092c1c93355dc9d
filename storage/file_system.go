package storage

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/viant/afs"
)

// ObjectMeta describes one stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the bucket-scoped blob store used by every step.
type ObjectStore interface {
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Upload(ctx context.Context, key string, body io.Reader, tags map[string]string) error
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)
	Delete(ctx context.Context, key string) error
}

// FilenameFromKey returns the last "/" segment of key, or "" for an empty key.
func FilenameFromKey(key string) string {
	if key == "" {
		return ""
	}
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// EncodeTags renders tags as a url-encoded key=value&... string with keys
// in sorted order.
func EncodeTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	values := url.Values{}
	for k, v := range tags {
		values.Set(k, v)
	}
	return values.Encode()
}

// DecodeTags is the inverse of EncodeTags.
func DecodeTags(encoded string) (map[string]string, error) {
	values, err := url.ParseQuery(encoded)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]string, len(values))
	for k := range values {
		tags[k] = values.Get(k)
	}
	return tags, nil
}

// NewAWSSession builds the shared session. When endpoint is set every client
// built from the session talks to that mock endpoint instead of AWS.
func NewAWSSession(region, endpoint string) (*session.Session, error) {
	cfg := &aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	return session.NewSession(cfg)
}

type S3Store struct {
	bucket     string
	svc        *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

func NewS3Store(sess *session.Session, bucket string) *S3Store {
	return &S3Store{
		bucket:     bucket,
		svc:        s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
	}
}

func (s *S3Store) Bucket() string { return s.bucket }

func (s *S3Store) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to download s3://%s/%s", s.bucket, key)
	}
	return out.Body, nil
}

// DownloadToFile fetches key with the concurrent downloader, which needs a
// seekable destination.
func (s *S3Store) DownloadToFile(ctx context.Context, key string, file *os.File) error {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if _, err := s.downloader.DownloadWithContext(ctx, file, input); err != nil {
		return errors.Wrapf(err, "unable to download s3://%s/%s", s.bucket, key)
	}
	return nil
}

func (s *S3Store) Upload(ctx context.Context, key string, body io.Reader, tags map[string]string) error {
	input := &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if encoded := EncodeTags(tags); encoded != "" {
		input.Tagging = aws.String(encoded)
	}
	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return errors.Wrapf(err, "unable to upload s3://%s/%s", s.bucket, key)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	out := make([]ObjectMeta, 0)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	err := s.svc.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, obj := range page.Contents {
			out = append(out, ObjectMeta{
				Key:          aws.StringValue(obj.Key),
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to list s3://%s/%s", s.bucket, prefix)
	}
	return out, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return errors.Wrapf(err, "unable to delete s3://%s/%s", s.bucket, key)
}

// DeletePrefix removes every object under prefix, a page at a time.
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" || prefix == "/" {
		return 0, errors.New("refusing to delete the whole bucket")
	}
	deleted := 0
	for {
		objects, err := s.svc.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		if err != nil {
			return deleted, errors.Wrapf(err, "unable to list s3://%s/%s", s.bucket, prefix)
		}
		if len(objects.Contents) == 0 {
			return deleted, nil
		}

		toDelete := make([]*s3.ObjectIdentifier, 0, len(objects.Contents))
		for _, object := range objects.Contents {
			toDelete = append(toDelete, &s3.ObjectIdentifier{Key: object.Key})
		}
		if _, err := s.svc.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3.Delete{Objects: toDelete},
		}); err != nil {
			return deleted, errors.Wrapf(err, "unable to delete under s3://%s/%s", s.bucket, prefix)
		}
		deleted += len(toDelete)

		if !aws.BoolValue(objects.IsTruncated) {
			return deleted, nil
		}
	}
}

// AFSStore keeps objects under a viant/afs base URL such as
// "file:///var/bods/bucket" or "mem://localhost/bucket". It backs the
// standalone environment and tests. Prefixes are treated as directories.
type AFSStore struct {
	fs      afs.Service
	baseURL string

	mu   sync.Mutex
	tags map[string]map[string]string
}

func NewAFSStore(baseURL string) *AFSStore {
	return &AFSStore{
		fs:      afs.New(),
		baseURL: strings.TrimRight(baseURL, "/"),
		tags:    make(map[string]map[string]string),
	}
}

// NewMemStore returns an empty in-memory store rooted at a unique bucket.
func NewMemStore(bucket string) *AFSStore {
	return NewAFSStore("mem://localhost/" + bucket)
}

func (s *AFSStore) url(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

func (s *AFSStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.fs.OpenURL(ctx, s.url(key))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", s.url(key))
	}
	return reader, nil
}

func (s *AFSStore) Upload(ctx context.Context, key string, body io.Reader, tags map[string]string) error {
	if err := s.fs.Upload(ctx, s.url(key), 0644, body); err != nil {
		return errors.Wrapf(err, "unable to upload %s", s.url(key))
	}
	if len(tags) > 0 {
		s.mu.Lock()
		s.tags[key] = tags
		s.mu.Unlock()
	}
	return nil
}

// Tags returns the tags recorded for key by Upload.
func (s *AFSStore) Tags(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tags[key]
}

func (s *AFSStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	root := s.url(strings.TrimRight(prefix, "/"))
	exists, err := s.fs.Exists(ctx, root)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to stat %s", root)
	}
	out := make([]ObjectMeta, 0)
	if !exists {
		return out, nil
	}
	if err := s.walk(ctx, root, &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *AFSStore) walk(ctx context.Context, dirURL string, out *[]ObjectMeta) error {
	objects, err := s.fs.List(ctx, dirURL)
	if err != nil {
		return errors.Wrapf(err, "unable to list %s", dirURL)
	}
	for _, obj := range objects {
		objURL := strings.TrimRight(obj.URL(), "/")
		if objURL == strings.TrimRight(dirURL, "/") {
			continue
		}
		if obj.IsDir() {
			if err := s.walk(ctx, objURL, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, ObjectMeta{
			Key:          strings.TrimPrefix(objURL, s.baseURL+"/"),
			Size:         obj.Size(),
			LastModified: obj.ModTime(),
		})
	}
	return nil
}

func (s *AFSStore) Delete(ctx context.Context, key string) error {
	if err := s.fs.Delete(ctx, s.url(key)); err != nil {
		return errors.Wrapf(err, "unable to delete %s", s.url(key))
	}
	s.mu.Lock()
	delete(s.tags, key)
	s.mu.Unlock()
	return nil
}

// CreateFile creates path and any missing parent directories on fs.
func CreateFile(fs afero.Fs, path string) (afero.File, error) {
	if err := fs.MkdirAll(filepath.Dir(path), os.FileMode(0755)); err != nil {
		return nil, err
	}
	return fs.Create(path)
}
