package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/drivegate/drivegate/pkg/remote"
)

// Stat implements remote.Client.
//
// Order of resolution: exact object (file), directory marker, then implicit
// directory (any key below the path). Implicit directories appear when
// objects were created by other tools without markers.
func (c *client) Stat(ctx context.Context, p string) (remote.Info, error) {
	if err := ctx.Err(); err != nil {
		return remote.Info{}, err
	}

	cleaned := path.Clean("/" + strings.TrimPrefix(p, "/"))
	if cleaned == "/" {
		return remote.Info{Name: "/", Path: "/", IsDir: true}, nil
	}

	head, err := c.driver.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.driver.bucket),
		Key:    aws.String(c.objectKey(cleaned)),
	})
	if err == nil {
		info := remote.Info{
			Name: path.Base(cleaned),
			Path: cleaned,
			Size: aws.ToInt64(head.ContentLength),
		}
		if head.LastModified != nil {
			info.ModTime = *head.LastModified
		}
		return info, nil
	}
	if cerr := classify(err); !errors.Is(cerr, remote.ErrNotFound) {
		return remote.Info{}, fmt.Errorf("stat %s: %w", cleaned, cerr)
	}

	// Not a file: directory marker or implicit directory?
	list, err := c.driver.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.driver.bucket),
		Prefix:  aws.String(c.dirKey(cleaned)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return remote.Info{}, fmt.Errorf("stat %s: %w", cleaned, classify(err))
	}
	if aws.ToInt32(list.KeyCount) > 0 {
		return remote.Info{Name: path.Base(cleaned), Path: cleaned, IsDir: true}, nil
	}
	return remote.Info{}, fmt.Errorf("stat %s: %w", cleaned, remote.ErrNotFound)
}

// List implements remote.Client using delimiter listing: common prefixes
// become directories, object keys become files. The directory's own marker
// and the account record are filtered out.
func (c *client) List(ctx context.Context, p string) ([]remote.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cleaned := path.Clean("/" + strings.TrimPrefix(p, "/"))
	if cleaned != "/" {
		info, err := c.Stat(ctx, cleaned)
		if err != nil {
			return nil, err
		}
		if !info.IsDir {
			return nil, fmt.Errorf("list %s: %w", cleaned, remote.ErrNotDir)
		}
	}

	prefix := c.root
	if cleaned != "/" {
		prefix = c.dirKey(cleaned)
	}

	var infos []remote.Info
	paginator := s3.NewListObjectsV2Paginator(c.driver.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.driver.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", cleaned, classify(err))
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			infos = append(infos, remote.Info{
				Name:  name,
				Path:  path.Join(cleaned, name),
				IsDir: true,
			})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || name == ".account" {
				continue
			}
			info := remote.Info{
				Name: name,
				Path: path.Join(cleaned, name),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.ModTime = *obj.LastModified
			}
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// OpenRead implements remote.Client with an S3 byte-range request, so large
// files stream without being buffered by the gateway.
func (c *client) OpenRead(ctx context.Context, p string, offset, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(c.driver.bucket),
		Key:    aws.String(c.objectKey(p)),
	}
	switch {
	case offset > 0 && length >= 0:
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	case offset > 0:
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	case length >= 0:
		input.Range = aws.String(fmt.Sprintf("bytes=0-%d", length-1))
	}

	out, err := c.driver.client.GetObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, classify(err))
	}
	return out.Body, nil
}
