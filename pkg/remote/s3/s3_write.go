package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/drivegate/drivegate/pkg/remote"
)

// OpenWrite implements remote.Client.
//
// Small files (below one part size) are stored with a single PutObject on
// Close. Anything larger switches to a multipart upload: full parts are
// shipped as they fill, so memory use stays bounded at one part regardless
// of the file size. An abandoned writer aborts the multipart upload.
func (c *client) OpenWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &objectWriter{
		ctx:    ctx,
		client: c,
		key:    c.objectKey(p),
		path:   path.Clean("/" + strings.TrimPrefix(p, "/")),
	}, nil
}

type objectWriter struct {
	ctx    context.Context
	client *client
	key    string
	path   string

	mu       sync.Mutex
	buf      bytes.Buffer
	uploadID string
	partNum  int32
	parts    []types.CompletedPart
	closed   bool
}

func (w *objectWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("write to closed writer for %s", w.path)
	}
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}

	n, _ := w.buf.Write(p)
	for int64(w.buf.Len()) >= w.client.driver.partSize {
		if err := w.flushPart(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// flushPart uploads exactly one part from the front of the buffer.
// Caller holds w.mu.
func (w *objectWriter) flushPart() error {
	d := w.client.driver

	if w.uploadID == "" {
		out, err := d.client.CreateMultipartUpload(w.ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(w.key),
		})
		if err != nil {
			return fmt.Errorf("begin upload %s: %w", w.path, classify(err))
		}
		w.uploadID = aws.ToString(out.UploadId)
	}

	part := w.buf.Next(int(d.partSize))
	w.partNum++
	out, err := d.client.UploadPart(w.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(w.key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(w.partNum),
		Body:       bytes.NewReader(part),
	})
	if err != nil {
		return fmt.Errorf("upload part %d of %s: %w", w.partNum, w.path, classify(err))
	}
	w.parts = append(w.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(w.partNum),
	})
	return nil
}

func (w *objectWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	d := w.client.driver

	if w.uploadID == "" {
		// Whole file fits in one part.
		_, err := d.client.PutObject(w.ctx, &s3.PutObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(w.key),
			Body:   bytes.NewReader(w.buf.Bytes()),
		})
		if err != nil {
			return fmt.Errorf("upload %s: %w", w.path, classify(err))
		}
		return nil
	}

	if w.buf.Len() > 0 {
		if err := w.flushPart(); err != nil {
			w.abort()
			return err
		}
	}
	_, err := d.client.CompleteMultipartUpload(w.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	if err != nil {
		w.abort()
		return fmt.Errorf("complete upload %s: %w", w.path, classify(err))
	}
	return nil
}

// abort releases multipart state. Caller holds w.mu.
func (w *objectWriter) abort() {
	if w.uploadID == "" {
		return
	}
	// Best effort with a background context: the request context may already
	// be cancelled, and a leaked multipart upload costs storage until then.
	_, _ = w.client.driver.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.client.driver.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
}

// Delete implements remote.Client. Directories are removed recursively by
// deleting every key below the prefix in batches.
func (c *client) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := c.Stat(ctx, p)
	if err != nil {
		return err
	}

	if !info.IsDir {
		_, err := c.driver.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.driver.bucket),
			Key:    aws.String(c.objectKey(p)),
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", p, classify(err))
		}
		return nil
	}

	paginator := s3.NewListObjectsV2Paginator(c.driver.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.driver.bucket),
		Prefix: aws.String(c.dirKey(p)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("delete %s: %w", p, classify(err))
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = c.driver.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.driver.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", p, classify(err))
		}
	}
	return nil
}

// Mkdir implements remote.Client by writing a zero-byte directory marker.
func (c *client) Mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := c.Stat(ctx, p); err == nil {
		return fmt.Errorf("mkdir %s: %w", p, remote.ErrExists)
	}

	parent := path.Dir(path.Clean("/" + strings.TrimPrefix(p, "/")))
	if parent != "/" {
		info, err := c.Stat(ctx, parent)
		if err != nil {
			return err
		}
		if !info.IsDir {
			return fmt.Errorf("mkdir %s: %w", p, remote.ErrNotDir)
		}
	}

	_, err := c.driver.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.driver.bucket),
		Key:    aws.String(c.dirKey(p)),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", p, classify(err))
	}
	return nil
}

// Rename implements remote.Client as copy-then-delete; S3 has no native
// rename. Directory renames rewrite every key below the prefix.
func (c *client) Rename(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := c.Stat(ctx, from)
	if err != nil {
		return err
	}

	if !info.IsDir {
		if err := c.copyObject(ctx, c.objectKey(from), c.objectKey(to)); err != nil {
			return fmt.Errorf("rename %s: %w", from, err)
		}
		return c.Delete(ctx, from)
	}

	fromPrefix := c.dirKey(from)
	toPrefix := c.dirKey(to)
	paginator := s3.NewListObjectsV2Paginator(c.driver.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.driver.bucket),
		Prefix: aws.String(fromPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("rename %s: %w", from, classify(err))
		}
		for _, obj := range page.Contents {
			oldKey := aws.ToString(obj.Key)
			newKey := toPrefix + strings.TrimPrefix(oldKey, fromPrefix)
			if err := c.copyObject(ctx, oldKey, newKey); err != nil {
				return fmt.Errorf("rename %s: %w", from, err)
			}
		}
	}
	return c.Delete(ctx, from)
}

func (c *client) copyObject(ctx context.Context, fromKey, toKey string) error {
	_, err := c.driver.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.driver.bucket),
		CopySource: aws.String(c.driver.bucket + "/" + fromKey),
		Key:        aws.String(toKey),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}
