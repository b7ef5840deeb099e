// Package archive uploads completed downloads to Huawei Cloud OBS.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"fetchd/internal/fetch"
	logx "fetchd/pkg/logx"

	"github.com/huaweicloud/huaweicloud-sdk-go-obs/obs"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

// Uploader is a notify sink that uploads the file of every completed task.
// Failures are logged by the hub and never change task state.
type Uploader struct {
	client *obs.ObsClient
	put    func(in *obs.PutFileInput) (string, error)
	bucket string
	prefix string
	log    logx.Logger
}

func NewUploader(opts Options, log logx.Logger) (*Uploader, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("obs bucket is required")
	}
	client, err := obs.New(opts.AccessKey, opts.SecretKey, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("create obs client: %w", err)
	}
	u := newUploader(opts, log, func(in *obs.PutFileInput) (string, error) {
		out, err := client.PutFile(in)
		if err != nil {
			return "", err
		}
		return out.ETag, nil
	})
	u.client = client
	return u, nil
}

func newUploader(opts Options, log logx.Logger, put func(in *obs.PutFileInput) (string, error)) *Uploader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Uploader{
		put:    put,
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		log:    log.With(logx.String("comp", "archive")),
	}
}

func (u *Uploader) Name() string { return "archive" }

func (u *Uploader) Close() {
	if u.client != nil {
		u.client.Close()
	}
}

// ObjectKey is "<prefix><basename>".
func (u *Uploader) ObjectKey(file string) string {
	return path.Join(strings.Trim(u.prefix, "/"), filepath.Base(file))
}

func (u *Uploader) Notify(ctx context.Context, typ string, n fetch.Notice) error {
	if typ != fetch.EventCompleted || strings.TrimSpace(n.Path) == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(n.Path); err != nil {
		// Nothing to retry.
		u.log.Warn("archive.skipped", logx.String("task_id", n.TaskID), logx.String("path", n.Path), logx.Err(err))
		return nil
	}

	in := &obs.PutFileInput{}
	in.Bucket = u.bucket
	in.Key = u.ObjectKey(n.Path)
	in.SourceFile = n.Path

	etag, err := u.put(in)
	if err != nil {
		var oe obs.ObsError
		if errors.As(err, &oe) {
			return fmt.Errorf("obs put %s: %s: %s", in.Key, oe.Code, oe.Message)
		}
		return fmt.Errorf("obs put %s: %w", in.Key, err)
	}
	u.log.Info("archive.uploaded",
		logx.String("task_id", n.TaskID),
		logx.String("bucket", u.bucket),
		logx.String("key", in.Key),
		logx.String("etag", etag),
	)
	return nil
}
