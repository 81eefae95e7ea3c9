package archive

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds the S3 bucket settings for report archiving
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Prefix    string
	// PublicBaseURL is the URL the archived objects are served from
	PublicBaseURL string
}

// Enabled reports whether a bucket is configured
func (c *Config) Enabled() bool {
	return c != nil && c.Bucket != ""
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads report directories to S3
type Archiver struct {
	client objectPutter
	config *Config
	logger *slog.Logger
}

// New creates an Archiver backed by a real S3 client
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Archiver, error) {
	client, err := newS3Client(ctx, config)
	if err != nil {
		return nil, err
	}
	return &Archiver{client: client, config: config, logger: logger}, nil
}

func newS3Client(ctx context.Context, cfg *Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Key builds the object key for a file under {prefix}/{browser}/{id}/
func (a *Archiver) Key(browser, id, rel string) string {
	return path.Join(a.config.Prefix, browser, id, filepath.ToSlash(rel))
}

// BaseURL returns the public URL of the archived job directory
func (a *Archiver) BaseURL(browser, id string) string {
	base := strings.TrimRight(a.config.PublicBaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("https://%s.s3.amazonaws.com", a.config.Bucket)
	}
	return base + "/" + path.Join(a.config.Prefix, browser, id)
}

// UploadJob uploads the given subdirectories of workspace and returns the number of objects written
func (a *Archiver) UploadJob(ctx context.Context, browser, id, workspace string, dirs ...string) (int, error) {
	uploaded := 0

	for _, dir := range dirs {
		root := filepath.Join(workspace, dir)
		if _, err := os.Stat(root); os.IsNotExist(err) {
			continue
		}

		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			rel, err := filepath.Rel(workspace, p)
			if err != nil {
				return err
			}

			if err := a.put(ctx, p, a.Key(browser, id, rel)); err != nil {
				return err
			}
			uploaded++
			return nil
		})
		if err != nil {
			return uploaded, fmt.Errorf("archive %s: %w", dir, err)
		}
	}

	a.logger.Info("Report archived",
		slog.String("job_id", id),
		slog.String("bucket", a.config.Bucket),
		slog.Int("objects", uploaded),
	)

	return uploaded, nil
}

func (a *Archiver) put(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(file))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}
