package stage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	downloaderPartSize    = 16 * 1024 * 1024
	downloaderConcurrency = 4
)

// S3Source downloads {Prefix}/{table}.tbl from Bucket.
type S3Source struct {
	Bucket     string
	Prefix     string
	downloader *manager.Downloader
}

// NewS3Source builds a source on any GetObject client, usually s3.NewFromConfig.
func NewS3Source(api manager.DownloadAPIClient, bucket, prefix string) *S3Source {
	return &S3Source{
		Bucket: bucket,
		Prefix: prefix,
		downloader: manager.NewDownloader(api, func(d *manager.Downloader) {
			d.PartSize = downloaderPartSize
			d.Concurrency = downloaderConcurrency
		}),
	}
}

// NewS3SourceFromConfig uses the default client for cfg.
func NewS3SourceFromConfig(cfg aws.Config, bucket, prefix string) *S3Source {
	return NewS3Source(s3.NewFromConfig(cfg), bucket, prefix)
}

// Key is the object key for a table.
func (s *S3Source) Key(table string) string {
	return path.Join(s.Prefix, FileName(table))
}

func (s *S3Source) Fetch(ctx context.Context, table, localPath string) (int64, error) {
	key := s.Key(table)
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return 0, fmt.Errorf("create local: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := s.downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("get s3://%s/%s: %w", s.Bucket, key, err)
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return n, fmt.Errorf("rename: %w", err)
	}
	return n, nil
}
