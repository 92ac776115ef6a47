package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink stores records. Implementations are safe for concurrent use.
type Sink interface {
	WriteRecord(r Record) error
	Close() error
}

type teeSink []Sink

// Tee returns a Sink that writes every record to each of sinks. Write and
// Close reach every sink and return the first error.
func Tee(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return teeSink(sinks)
}

func (t teeSink) WriteRecord(r Record) error {
	var first error
	for _, s := range t {
		if err := s.WriteRecord(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t teeSink) Close() error {
	var first error
	for _, s := range t {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FileSink writes a capture file.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// CreateFile creates (or truncates) path and writes the magic.
func CreateFile(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	if _, err := w.WriteString(Magic); err != nil {
		f.Close()
		return nil, err
	}
	return &FileSink{f: f, w: w}, nil
}

func (s *FileSink) WriteRecord(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return os.ErrClosed
	}
	_, err := s.w.Write(AppendRecord(nil, r))
	return err
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	err := s.w.Flush()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.w = nil
	return err
}

// PutObjectAPI is the part of *s3.Client S3Sink uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink buffers a capture in memory and uploads it as one object per
// segment. A segment is uploaded when it reaches MaxSegment bytes and on
// Close.
//
// Example usage:
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	sink := capture.NewS3Sink(s3.NewFromConfig(cfg), "my-bucket", "captures/conn-42")
type S3Sink struct {
	client     PutObjectAPI
	bucket     string
	key        string
	maxSegment int
	timeout    time.Duration

	mu      sync.Mutex
	buf     bytes.Buffer
	segment int
	closed  bool
}

// NewS3Sink creates a sink uploading to bucket under key, with a segment
// number and ".h2cap" appended to each object key.
func NewS3Sink(client PutObjectAPI, bucket, key string) *S3Sink {
	s := &S3Sink{
		client:     client,
		bucket:     bucket,
		key:        key,
		maxSegment: 8 << 20,
		timeout:    30 * time.Second,
	}
	s.buf.WriteString(Magic)
	return s
}

// WithMaxSegment sets the segment size.
func (s *S3Sink) WithMaxSegment(n int) *S3Sink {
	s.maxSegment = n
	return s
}

// WithTimeout bounds each upload.
func (s *S3Sink) WithTimeout(d time.Duration) *S3Sink {
	s.timeout = d
	return s
}

func (s *S3Sink) WriteRecord(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	s.buf.Write(AppendRecord(nil, r))
	if s.buf.Len() >= s.maxSegment {
		return s.upload()
	}
	return nil
}

// Close uploads the last segment.
func (s *S3Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.buf.Len() == len(Magic) && s.segment > 0 {
		return nil
	}
	return s.upload()
}

// upload sends the current segment and starts the next. Each segment is a
// complete capture file.
func (s *S3Sink) upload() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	key := fmt.Sprintf("%s-%04d.h2cap", s.key, s.segment)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(s.buf.Bytes()),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"segment":     fmt.Sprint(s.segment),
			"upload-time": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("capture: upload %s: %w", key, err)
	}
	s.segment++
	s.buf.Reset()
	s.buf.WriteString(Magic)
	return nil
}
