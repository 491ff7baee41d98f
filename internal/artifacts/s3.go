package artifacts

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/fentz26/mlflow-exim/internal/config"
	"github.com/fentz26/mlflow-exim/internal/errs"
)

// S3API is the part of the S3 client the store uses.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Store struct {
	api    S3API
	uri    string
	bucket string
	prefix string
}

// NewS3Client builds an S3 client from the default AWS credential chain and
// the overrides in cfg.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	var loaders []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loaders = append(loaders, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, errs.E(errs.KindInvalid, "s3 config", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

func newS3Store(api S3API, uri string) (*s3Store, error) {
	bucket, prefix, err := parseS3URI(uri)
	if err != nil {
		return nil, err
	}
	return &s3Store{api: api, uri: uri, bucket: bucket, prefix: prefix}, nil
}

// parseS3URI splits s3://bucket/prefix.
func parseS3URI(uri string) (bucket, prefix string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", invalidURI(uri, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", invalidURI(uri, errors.New("want s3://<bucket>/<prefix>"))
	}
	return u.Host, cleanRel(u.Path), nil
}

func (s *s3Store) URI() string { return s.uri }

func (s *s3Store) key(rel string) string {
	return joinRel(s.prefix, rel)
}

func (s *s3Store) List(ctx context.Context, dir string) ([]Entry, error) {
	dir = cleanRel(dir)
	prefix := s.key(dir)
	if prefix != "" {
		prefix += "/"
	}
	p := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	var out []Entry
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, s3Err("list artifacts", err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			out = append(out, Entry{Path: joinRel(dir, name), IsDir: true, Size: -1})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			out = append(out, Entry{Path: joinRel(dir, name), Size: aws.ToInt64(obj.Size)})
		}
	}
	return out, nil
}

func (s *s3Store) Open(ctx context.Context, rel string) (*Object, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(rel)),
	})
	if err != nil {
		return nil, s3Err("open artifact", err)
	}
	obj := &Object{Body: out.Body, Size: -1}
	if out.ContentLength != nil {
		obj.Size = *out.ContentLength
	}
	obj.MD5 = etagMD5(aws.ToString(out.ETag))
	return obj, nil
}

func (s *s3Store) Put(ctx context.Context, rel string, r io.Reader, size int64) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(rel)),
		Body:   r,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := s.api.PutObject(ctx, in); err != nil {
		return s3Err("put artifact", err)
	}
	return nil
}

// etagMD5 returns the MD5 carried by a single-part upload's ETag, or "" for
// multipart ETags, which are not content digests.
func etagMD5(etag string) string {
	etag = strings.Trim(etag, `"`)
	if len(etag) != 32 || strings.Contains(etag, "-") {
		return ""
	}
	return strings.ToLower(etag)
}

func s3Err(op string, err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return errs.E(errs.KindNotFound, op, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return errs.E(errs.KindNotFound, op, err)
		case "AccessDenied", "Forbidden":
			return errs.E(errs.KindPermissionDenied, op, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return errs.E(errs.KindTransient, op, err)
		}
		return errs.E(errs.KindPermanent, op, err)
	}
	return errs.E(errs.KindOf(err), op, err)
}
