// Package s3store archives sessions to Amazon S3 or any S3-compatible object
// store (MinIO, R2, etc.).
//
// Objects are written under <prefix>/<session id>/: session.json on Start,
// every chunk WAV, chunks.json rewritten after each record, and summary.json
// on Finish. The complete session audio is not uploaded; it stays with the
// file store.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/MrWong99/whisperflow/internal/session"
	"github.com/MrWong99/whisperflow/pkg/audio"
)

// Client abstracts the S3 API operations used by [Store].
// The [s3.Client] type satisfies this interface.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds the connection settings for [NewClient].
type Config struct {
	Region string

	// Endpoint overrides the AWS endpoint, for S3-compatible stores.
	Endpoint string

	AccessKeyID     string
	SecretAccessKey string

	// PathStyle addresses buckets as <endpoint>/<bucket>, as MinIO expects.
	PathStyle bool
}

// NewClient builds an [s3.Client] from static credentials.
func NewClient(cfg Config) *s3.Client {
	creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Source:          "whisperflow",
		}, nil
	})
	return s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  aws.NewCredentialsCache(creds),
		UsePathStyle: cfg.PathStyle,
		BaseEndpoint: nonEmpty(cfg.Endpoint),
	})
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// Store implements [session.Store] on top of an S3 bucket.
type Store struct {
	client Client
	bucket string
	prefix string

	mu       sync.Mutex
	dir      string
	records  []session.ChunkRecord
	finished bool
}

var _ session.Store = (*Store)(nil)

// New creates a Store writing to bucket under prefix. Pass "" for no prefix.
func New(client Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

// key builds the full object key for name inside the current session.
func (s *Store) key(name string) string {
	return path.Join(s.prefix, s.dir, name)
}

func (s *Store) put(ctx context.Context, name, contentType string, body []byte) (string, error) {
	key := s.key(name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3store: put %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *Store) putJSON(ctx context.Context, name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("s3store: encode %s: %w", name, err)
	}
	_, err = s.put(ctx, name, "application/json", b)
	return err
}

// check must be called with mu held.
func (s *Store) check() error {
	if s.dir == "" {
		return session.ErrNotStarted
	}
	if s.finished {
		return session.ErrFinished
	}
	return nil
}

func (s *Store) Start(ctx context.Context, info session.Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir != "" {
		return fmt.Errorf("s3store: session %s already started", s.dir)
	}
	s.dir = info.ID
	if s.dir == "" {
		s.dir = session.NewID(info.StartedAt)
	}
	if err := s.putJSON(ctx, "session.json", info); err != nil {
		s.dir = ""
		return err
	}
	return nil
}

func (s *Store) SaveChunkAudio(ctx context.Context, name string, wav []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	return s.put(ctx, name, "audio/wav", wav)
}

// AppendChunk uploads the full record list so chunks.json is always
// complete. A failed upload keeps the record for the next attempt.
func (s *Store) AppendChunk(ctx context.Context, rec session.ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.records = append(s.records, rec)
	return s.putJSON(ctx, "chunks.json", s.records)
}

// PersistFullAudio is a no-op.
func (s *Store) PersistFullAudio(context.Context, []audio.Frame) error {
	return nil
}

func (s *Store) Finish(ctx context.Context, sum session.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.finished = true
	return s.putJSON(ctx, "summary.json", sum)
}

func (s *Store) Close() error { return nil }
