package gtiff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/osio"
	osiogcs "github.com/airbusgeo/osio/gcs"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/valyala/fasthttp"
	"golang.org/x/exp/mmap"
)

// source gives random access to the bytes of a file
type source interface {
	io.ReaderAt
	Size() int64
	Close() error
}

var remotePrefixes = []string{"http://", "https://", "gs://", "s3://"}

func isRemote(location string) bool {
	for _, p := range remotePrefixes {
		if strings.HasPrefix(location, p) {
			return true
		}
	}
	return false
}

// openSource maps local files in memory and reads remote objects with range requests
func openSource(ctx context.Context, location string) (source, error) {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return newHTTPSource(location)
	case strings.HasPrefix(location, "gs://"):
		return newGCSSource(ctx, strings.TrimPrefix(location, "gs://"))
	case strings.HasPrefix(location, "s3://"):
		return newS3Source(ctx, strings.TrimPrefix(location, "s3://"))
	}
	r, err := mmap.Open(location)
	if err != nil {
		return nil, err
	}
	return mmapSource{r}, nil
}

type mmapSource struct {
	*mmap.ReaderAt
}

func (m mmapSource) Size() int64 { return int64(m.Len()) }

// HTTPClient is used for http and https locations
var HTTPClient = &fasthttp.Client{
	MaxConnsPerHost:     64,
	MaxIdleConnDuration: 30 * time.Second,
}

type httpSource struct {
	url  string
	size int64
}

func newHTTPSource(url string) (*httpSource, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod("HEAD")
	if err := HTTPClient.Do(req, resp); err != nil {
		return nil, fmt.Errorf("head %s: %w", url, err)
	}
	if sc := resp.StatusCode(); sc != fasthttp.StatusOK {
		return nil, fmt.Errorf("head %s: status %d", url, sc)
	}
	size := resp.Header.ContentLength()
	if size <= 0 {
		return nil, fmt.Errorf("head %s: unknown content length", url)
	}
	return &httpSource{url: url, size: int64(size)}, nil
}

func (h *httpSource) Size() int64  { return h.size }
func (h *httpSource) Close() error { return nil }

func (h *httpSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= h.size {
		return 0, io.EOF
	}
	end := min(off+int64(len(p)), h.size) - 1

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.url)
	req.Header.SetMethod("GET")
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	if err := HTTPClient.Do(req, resp); err != nil {
		return 0, fmt.Errorf("get %s: %w", h.url, err)
	}
	body := resp.Body()
	switch resp.StatusCode() {
	case fasthttp.StatusPartialContent:
	case fasthttp.StatusOK:
		// server ignored the range
		if int64(len(body)) <= off {
			return 0, io.EOF
		}
		body = body[off:]
	default:
		return 0, fmt.Errorf("get %s: status %d", h.url, resp.StatusCode())
	}
	n := copy(p, body)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

var (
	gcsOnce    sync.Once
	gcsAdapter *osio.Adapter
	gcsErr     error
)

// gcs returns the adapter shared by every gs:// location
func gcs(ctx context.Context) (*osio.Adapter, error) {
	gcsOnce.Do(func() {
		client, err := storage.NewClient(ctx)
		if err != nil {
			gcsErr = fmt.Errorf("storage.newclient: %w", err)
			return
		}
		handle, err := osiogcs.Handle(ctx, osiogcs.GCSClient(client))
		if err != nil {
			gcsErr = fmt.Errorf("osio.gcshandle: %w", err)
			return
		}
		gcsAdapter, gcsErr = osio.NewAdapter(handle)
	})
	return gcsAdapter, gcsErr
}

type gcsSource struct {
	adapter *osio.Adapter
	key     string
	size    int64
}

func newGCSSource(ctx context.Context, key string) (*gcsSource, error) {
	adapter, err := gcs(ctx)
	if err != nil {
		return nil, err
	}
	size, err := adapter.Size(key)
	if err != nil {
		return nil, fmt.Errorf("stat gs://%s: %w", key, err)
	}
	return &gcsSource{adapter: adapter, key: key, size: size}, nil
}

func (g *gcsSource) Size() int64  { return g.size }
func (g *gcsSource) Close() error { return nil }

func (g *gcsSource) ReadAt(p []byte, off int64) (int, error) {
	return g.adapter.ReadAt(g.key, p, off)
}

var (
	s3Once   sync.Once
	s3Client *s3.Client
	s3Err    error
)

type s3Source struct {
	ctx    context.Context
	bucket string
	key    string
	size   int64
}

func newS3Source(ctx context.Context, path string) (*s3Source, error) {
	bucket, key, ok := strings.Cut(path, "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid s3 location s3://%s", path)
	}
	s3Once.Do(func() {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			s3Err = fmt.Errorf("load aws config: %w", err)
			return
		}
		s3Client = s3.NewFromConfig(cfg)
	})
	if s3Err != nil {
		return nil, s3Err
	}
	out, err := s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("head s3://%s: %w", path, err)
	}
	return &s3Source{ctx: context.WithoutCancel(ctx), bucket: bucket, key: key, size: aws.ToInt64(out.ContentLength)}, nil
}

func (s *s3Source) Size() int64  { return s.size }
func (s *s3Source) Close() error { return nil }

func (s *s3Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	out, err := s3Client.GetObject(s.ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}
