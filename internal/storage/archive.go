package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ObjectPutter uploads one object. The minio client satisfies it through
// MinioPutter; tests use an in-memory map.
type ObjectPutter interface {
	PutObject(ctx context.Context, name string, r io.Reader, size int64, contentType string) error
}

// MinioConfig addresses an S3 compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

// MinioPutter writes objects into one bucket.
type MinioPutter struct {
	client *minio.Client
	bucket string
}

// NewMinioPutter connects and makes sure the bucket exists.
func NewMinioPutter(ctx context.Context, cfg MinioConfig) (*MinioPutter, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, errors.Wrapf(err, "create bucket %s", cfg.Bucket)
		}
	}
	return &MinioPutter{client: client, bucket: cfg.Bucket}, nil
}

func (m *MinioPutter) PutObject(ctx context.Context, name string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, name, r, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// Archiver copies a finished run out of the store: the snapshot as JSON and
// every stage log compressed with zstd.
type Archiver struct {
	store *Store
	put   ObjectPutter
}

func NewArchiver(store *Store, put ObjectPutter) *Archiver {
	return &Archiver{store: store, put: put}
}

// ArchiveRun uploads <runID>/run.json, <runID>/<stage log>.zst and the
// pipeline post-action log when there is one.
func (a *Archiver) ArchiveRun(ctx context.Context, runID string) error {
	snap, err := a.store.Snapshot(runID)
	if err != nil {
		return err
	}
	if !snap.Status.Terminal() {
		return errors.Errorf("run %s is still %s", runID, snap.Status)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := a.put.PutObject(ctx, path.Join(runID, "run.json"), bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return errors.Wrap(err, "upload run snapshot")
	}

	for _, st := range snap.Stages {
		if st.OutputBytes == 0 {
			continue
		}
		if err := a.putLog(ctx, a.store.Logs().Path(runID, st.Name), path.Join(runID, logName(st.Name)+".zst")); err != nil {
			return errors.Wrapf(err, "log of stage %s", st.Name)
		}
	}
	postLog := a.store.Logs().PipelinePostPath(runID)
	if fi, err := os.Stat(postLog); err == nil && fi.Size() > 0 {
		if err := a.putLog(ctx, postLog, path.Join(runID, pipelinePostLog+".zst")); err != nil {
			return errors.Wrap(err, "pipeline post log")
		}
	}
	logrus.WithField("run", runID).Info("run archived")
	return nil
}

func (a *Archiver) putLog(ctx context.Context, src, name string) error {
	compressed, err := compressFile(src)
	if err != nil {
		return errors.Wrap(err, "compress")
	}
	if err := a.put.PutObject(ctx, name, bytes.NewReader(compressed), int64(len(compressed)), "application/zstd"); err != nil {
		return errors.Wrap(err, "upload")
	}
	return nil
}

func compressFile(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(enc, f); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
