package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	mio "github.com/you-humble/taskdispatch/core/libs/minio"

	"github.com/minio/minio-go/v7"
)

type minioSink struct {
	db       *minio.Client
	bucket   string
	basePath string
}

// NewMinIOSink archives letters as JSON objects under
// <base>/<taskId>/<unix-nanos>.json.
func NewMinIOSink(ctx context.Context, cfg mio.Config, base string) (*minioSink, error) {
	client, err := mio.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &minioSink{
		db:       client,
		bucket:   cfg.Bucket,
		basePath: basePath(base),
	}, nil
}

func (s *minioSink) Send(ctx context.Context, l Letter) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encode letter: %w", err)
	}

	_, err = s.db.PutObject(ctx, s.bucket, s.objectName(l), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("put dead letter: %w", err)
	}
	return nil
}

func (s *minioSink) objectName(l Letter) string {
	id := path.Base(path.Clean("/" + strings.TrimSpace(l.TaskID)))
	if id == "/" || id == "." {
		id = "unknown"
	}
	return fmt.Sprintf("%s%s/%d.json", s.basePath, id, l.FailedAt.UnixNano())
}

func basePath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
