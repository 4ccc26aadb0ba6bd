// Package output copies the documents fetched by a completed workflow to a
// local directory or an S3 prefix.
package output

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/CMSgov/bcda-export/export/checkpoint"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const s3Scheme = "s3://"

// FileWriter stores one named file and returns where it ended up.
type FileWriter interface {
	WriteFile(ctx context.Context, name string, body []byte) (string, error)
}

// LocalFileWriter writes under Dir. Meant for local runs and tests.
type LocalFileWriter struct {
	Logger logrus.FieldLogger
	Dir    string
}

func (w *LocalFileWriter) WriteFile(ctx context.Context, name string, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dest := filepath.Join(w.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return "", errors.Wrapf(err, "failed to create directory for %s", name)
	}
	/* #nosec G306 -- files are read by the operator that ran the export */
	if err := os.WriteFile(dest, body, 0640); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", dest)
	}
	w.Logger.Infof("Wrote %d bytes to %s", len(body), dest)
	return dest, nil
}

// S3FileWriter uploads under Bucket/Prefix.
type S3FileWriter struct {
	Logger   logrus.FieldLogger
	Bucket   string
	Prefix   string
	Uploader s3manageriface.UploaderAPI
}

func (w *S3FileWriter) WriteFile(ctx context.Context, name string, body []byte) (string, error) {
	key := path.Join(w.Prefix, name)
	_, err := w.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(w.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/fhir+ndjson"),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to upload bucket %s, key %s", w.Bucket, key)
	}
	location := fmt.Sprintf("%s%s/%s", s3Scheme, w.Bucket, key)
	w.Logger.Infof("Uploaded %d bytes to %s", len(body), location)
	return location, nil
}

// NewFileWriter picks a writer for dest, either an s3:// URI or a directory.
// endpoint overrides the S3 endpoint, as used with localstack.
func NewFileWriter(dest, endpoint string, newSession func() (*session.Session, error),
	logger logrus.FieldLogger) (FileWriter, error) {

	if strings.TrimSpace(dest) == "" {
		return nil, errors.New("output destination must be set")
	}
	if !strings.HasPrefix(dest, s3Scheme) {
		return &LocalFileWriter{Logger: logger, Dir: dest}, nil
	}

	bucket, prefix := ParseS3Uri(dest)
	if bucket == "" {
		return nil, errors.Errorf("invalid S3 destination %q", dest)
	}
	sess, err := newSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create S3 session")
	}
	config := &aws.Config{}
	if endpoint != "" {
		config.Endpoint = aws.String(endpoint)
		config.S3ForcePathStyle = aws.Bool(true)
	}
	return &S3FileWriter{
		Logger:   logger,
		Bucket:   bucket,
		Prefix:   prefix,
		Uploader: s3manager.NewUploaderWithClient(s3.New(sess, config)),
	}, nil
}

// ParseS3Uri splits s3://bucket/key into its bucket and key.
func ParseS3Uri(str string) (bucket string, key string) {
	parts := strings.SplitN(strings.TrimPrefix(str, s3Scheme), "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSuffix(parts[1], "/")
}

// WriteDocuments writes each fetched document of a completed workflow as
// <instance id>/<resource type>-<n>.ndjson, following the order of the job's
// output list. Outputs that were not fetched are skipped.
func WriteDocuments(ctx context.Context, w FileWriter, cp *checkpoint.Checkpoint) ([]string, error) {
	if cp.State != models.StateCompleted || cp.Job == nil {
		return nil, errors.Errorf("workflow %s is %s, only completed workflows have files", cp.InstanceID, cp.State)
	}

	var locations []string
	seen := make(map[models.ResourceType]int)
	for _, f := range cp.Job.Outputs {
		doc, ok := cp.Documents[f.URL]
		if !ok {
			continue
		}
		seen[f.Type]++
		name := fmt.Sprintf("%s/%s-%d.ndjson", cp.InstanceID, f.Type, seen[f.Type])
		location, err := w.WriteFile(ctx, name, []byte(doc.Body))
		if err != nil {
			return locations, err
		}
		locations = append(locations, location)
	}
	return locations, nil
}
