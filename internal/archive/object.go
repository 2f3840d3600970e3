package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectArchive stores each release as <nameId>/v<version>.json in an
// S3-compatible bucket.
type ObjectArchive struct {
	client *minio.Client
	bucket string
}

type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewObjectArchive connects to the endpoint and creates the bucket when it
// does not exist yet.
func NewObjectArchive(ctx context.Context, cfg ObjectConfig) (*ObjectArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &ObjectArchive{client: client, bucket: cfg.Bucket}, nil
}

func (a *ObjectArchive) Archive(ctx context.Context, release Release) error {
	_, err := a.client.PutObject(ctx, a.bucket, objectKey(release.NameID, release.Version),
		bytes.NewReader(release.Document), int64(len(release.Document)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"survey-id": release.SurveyID,
				"version":   strconv.Itoa(release.Version),
			},
		})
	if err != nil {
		return fmt.Errorf("put release object: %w", err)
	}
	return nil
}

// Versions lists the archived versions of a family by listing its prefix.
func (a *ObjectArchive) Versions(ctx context.Context, nameID string) ([]int, error) {
	var versions []int
	for info := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: sanitizeName(nameID) + "/"}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list release objects: %w", info.Err)
		}
		tag, ok := strings.CutSuffix(path.Base(info.Key), ".json")
		if !ok {
			continue
		}
		if version, ok := parseVersionTag(tag); ok {
			versions = append(versions, version)
		}
	}
	return sortedVersions(versions), nil
}

func (a *ObjectArchive) Snapshot(ctx context.Context, nameID string, version int) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, objectKey(nameID, version), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get release object: %w", err)
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return nil, fmt.Errorf("%s %s: %w", nameID, versionTag(version), ErrNotArchived)
	}
	if err != nil {
		return nil, fmt.Errorf("read release object: %w", err)
	}
	return payload, nil
}

func objectKey(nameID string, version int) string {
	return sanitizeName(nameID) + "/" + versionTag(version) + ".json"
}
