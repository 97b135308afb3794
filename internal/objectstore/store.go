package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"dicom-gateway/internal/config"
)

// Store is the outbound object-storage transfer target. Object keys
// mirror the local anonymized file layout under
// {prefix}/{project}/{patient}/{study}/{series}/{instance}.dcm.
type Store struct {
	client  *minio.Client
	bucket  string
	prefix  string
	project string
	log     *slog.Logger
}

// New builds a client for the configured bucket.
func New(cfg *config.ObjectStore, project string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create object store client: %w", err)
	}
	return &Store{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		project: project,
		log:     logger,
	}, nil
}

func (s *Store) key(parts ...string) string {
	all := append([]string{s.prefix, s.project}, parts...)
	return path.Join(all...)
}

// ListPatient returns the set of object keys already present for one
// anonymized patient, relative to the patient's key root. Used to skip
// instances the destination already holds.
func (s *Store) ListPatient(ctx context.Context, anonPatientID string) (map[string]bool, error) {
	root := s.key(anonPatientID) + "/"
	present := make(map[string]bool)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    root,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("could not list objects under %s: %w", root, obj.Err)
		}
		present[obj.Key[len(root):]] = true
	}
	return present, nil
}

// PutFile uploads one anonymized file under the patient's key root.
// relKey is the study/series/instance path relative to the patient.
func (s *Store) PutFile(ctx context.Context, anonPatientID, relKey, filePath string) error {
	key := s.key(anonPatientID, relKey)
	_, err := s.client.FPutObject(ctx, s.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: "application/dicom",
	})
	if err != nil {
		return fmt.Errorf("could not upload %s: %w", key, err)
	}
	s.log.Debug("object uploaded", "bucket", s.bucket, "key", key)
	return nil
}
