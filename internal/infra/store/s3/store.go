// Package s3 stores keyed documents as JSON objects in an S3-compatible bucket
// (AWS S3 or MinIO). Objects live at {prefix}/{table}/{hash}/{range}.json.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"datacontext/pkg/domain"
)

const (
	defaultRegion      = "us-east-1"
	defaultConcurrency = 8
	// noRange names the object of a hash-only key.
	noRange = "_"
)

var (
	_ domain.TableProvider = (*Provider)(nil)
	_ domain.Table         = (*table)(nil)
)

// Config holds explicit construction parameters. OpenFromEnv fills it from
// the process environment.
type Config struct {
	Region    string
	Bucket    string
	Endpoint  string // optional; enables a custom endpoint such as MinIO
	Prefix    string // optional object key prefix
	PathStyle bool
	// Concurrency bounds parallel object requests per batch.
	Concurrency int
}

// Environment variables:
//   DATACONTEXT_STORE_S3_BUCKET=<bucket> (required)
//   DATACONTEXT_STORE_S3_REGION=<region> (default us-east-1)
//   DATACONTEXT_STORE_S3_ENDPOINT=<url> (optional, for MinIO)
//   DATACONTEXT_STORE_S3_PREFIX=<prefix> (optional)
//   DATACONTEXT_STORE_S3_PATH_STYLE=true|false (default false)
//   DATACONTEXT_STORE_S3_CONCURRENCY=<n> (default 8)
//   AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// Provider opens tables inside one bucket.
type Provider struct {
	client      *s3.Client
	bucket      string
	prefix      string
	concurrency int
}

// New creates a provider from cfg using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newProvider(client, cfg), nil
}

func newProvider(client *s3.Client, cfg Config) *Provider {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Provider{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		concurrency: concurrency,
	}
}

// OpenFromEnv constructs a provider from DATACONTEXT_STORE_S3_* variables.
func OpenFromEnv(ctx context.Context) (*Provider, error) {
	bucket := os.Getenv("DATACONTEXT_STORE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("DATACONTEXT_STORE_S3_BUCKET required for s3 driver")
	}
	cfg := Config{
		Bucket:    bucket,
		Region:    os.Getenv("DATACONTEXT_STORE_S3_REGION"),
		Endpoint:  os.Getenv("DATACONTEXT_STORE_S3_ENDPOINT"),
		Prefix:    os.Getenv("DATACONTEXT_STORE_S3_PREFIX"),
		PathStyle: strings.EqualFold(os.Getenv("DATACONTEXT_STORE_S3_PATH_STYLE"), "true"),
	}
	if raw := os.Getenv("DATACONTEXT_STORE_S3_CONCURRENCY"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("DATACONTEXT_STORE_S3_CONCURRENCY: %w", err)
		}
		cfg.Concurrency = n
	}
	return New(ctx, cfg)
}

// OpenTable returns a handle for table name. Buckets need no per-table setup.
func (p *Provider) OpenTable(_ context.Context, name string, schema domain.KeySchema) (domain.Table, error) {
	if name == "" || schema.HashKey == "" {
		return nil, fmt.Errorf("s3: table name and hash key required")
	}
	if strings.Contains(name, "/") {
		return nil, fmt.Errorf("s3: table name %q must not contain '/'", name)
	}
	return &table{provider: p, name: name, schema: schema}, nil
}

type table struct {
	provider *Provider
	name     string
	schema   domain.KeySchema
}

func (t *table) Name() string                        { return t.name }
func (t *table) Schema() domain.KeySchema            { return t.schema }
func (t *table) CreateBatchWrite() domain.BatchWrite { return &batch{table: t} }

func (t *table) tablePrefix() string {
	return path.Join(t.provider.prefix, t.name) + "/"
}

func (t *table) partitionPrefix(hash domain.KeyValue) string {
	return t.tablePrefix() + url.PathEscape(hash.String()) + "/"
}

func (t *table) objectKey(key domain.EntityKey) string {
	rng := noRange
	if key.HasRange() {
		rng = url.PathEscape(key.Range().String())
	}
	return t.partitionPrefix(key.Hash()) + rng + ".json"
}

// Query lists the table (or one partition when the hash key is fixed by an
// equality) and fetches objects lazily as the stream is consumed.
func (t *table) Query(ctx context.Context, q domain.Query) domain.RecordStream {
	if err := q.Validate(); err != nil {
		return domain.ErrorStream(err)
	}
	prefix := t.tablePrefix()
	if hash, ok := q.EqualityValue(t.schema.HashKey); ok {
		prefix = t.partitionPrefix(hash)
	}
	return domain.OnceStream(func(yield func(domain.Document, error) bool) {
		client, bucket := t.provider.client, t.provider.bucket
		paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{Bucket: &bucket, Prefix: &prefix})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(nil, fmt.Errorf("s3: list %s: %w", t.name, err))
				return
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if !strings.HasSuffix(key, ".json") {
					continue
				}
				doc, err := t.fetch(ctx, key)
				if err != nil {
					yield(nil, err)
					return
				}
				if !q.Match(doc) {
					continue
				}
				if !yield(doc, nil) {
					return
				}
			}
		}
	})
}

func (t *table) fetch(ctx context.Context, key string) (domain.Document, error) {
	bucket := t.provider.bucket
	out, err := t.provider.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("s3: get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: read %s: %w", key, err)
	}
	doc, err := domain.DecodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("s3: %s: %w", key, err)
	}
	return doc, nil
}

type batch struct {
	table   *table
	puts    []domain.Document
	deletes []domain.Document
}

func (b *batch) AddDocumentToPut(doc domain.Document) { b.puts = append(b.puts, doc) }
func (b *batch) AddKeyToDelete(key domain.Document)   { b.deletes = append(b.deletes, key) }

type putItem struct {
	key  string
	body []byte
}

// Execute issues all object writes in parallel. S3 has no multi-object
// transaction, so a failure may leave part of the batch applied.
func (b *batch) Execute(ctx context.Context) error {
	t := b.table
	puts := make([]putItem, 0, len(b.puts))
	for _, doc := range b.puts {
		key, err := t.schema.KeyOf(doc)
		if err != nil {
			return fmt.Errorf("s3: put into %s: %w", t.name, err)
		}
		body, err := doc.CanonicalJSON()
		if err != nil {
			return fmt.Errorf("s3: put into %s: %w", t.name, err)
		}
		puts = append(puts, putItem{key: t.objectKey(key), body: body})
	}
	deletes := make([]string, 0, len(b.deletes))
	for _, doc := range b.deletes {
		key, err := t.schema.KeyOf(doc)
		if err != nil {
			return fmt.Errorf("s3: delete from %s: %w", t.name, err)
		}
		deletes = append(deletes, t.objectKey(key))
	}

	client, bucket := t.provider.client, t.provider.bucket
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.provider.concurrency)
	for _, item := range puts {
		g.Go(func() error {
			_, err := client.PutObject(gctx, &s3.PutObjectInput{
				Bucket:      &bucket,
				Key:         aws.String(item.key),
				Body:        bytes.NewReader(item.body),
				ContentType: aws.String("application/json"),
			})
			if err != nil {
				return fmt.Errorf("s3: put %s: %w", item.key, err)
			}
			return nil
		})
	}
	for _, key := range deletes {
		g.Go(func() error {
			if _, err := client.DeleteObject(gctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: aws.String(key)}); err != nil {
				return fmt.Errorf("s3: delete %s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}
