// Package targets loads the static list of object identifiers to fetch.
//
// The list is newline-delimited text; each non-empty line is one identifier
// and file order is preserved. It can be read from a local file or from an
// object in any gocloud.dev/blob bucket:
//
//	ids, err := targets.Load(ctx, "blobs.txt")
//	ids, err := targets.Load(ctx, "gs://my-config-bucket#bench/blobs.txt")
//
// file:// and mem:// buckets are always available; other schemes need the
// matching gocloud.dev driver imported by the binary.
package targets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// ErrMissingKey is returned for bucket sources without a "#key" suffix.
var ErrMissingKey = errors.New("bucket source requires #<key>")

// maxLineSize bounds a single identifier line.
const maxLineSize = 1 << 20

// Parse reads identifiers from r, one per non-empty line.
func Parse(r io.Reader) ([]string, error) {
	ids := []string{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan targets: %w", err)
	}

	return ids, nil
}

// LoadFile reads identifiers from a local file.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open targets file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// LoadBucket reads identifiers from object key in the bucket at bucketURL.
func LoadBucket(ctx context.Context, bucketURL, key string) ([]string, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	defer bucket.Close()

	return ReadBucket(ctx, bucket, key)
}

// ReadBucket reads identifiers from object key in an open bucket.
func ReadBucket(ctx context.Context, bucket *blob.Bucket, key string) ([]string, error) {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open targets object %s: %w", key, err)
	}
	defer r.Close()

	return Parse(r)
}

// Load dispatches on the source form: "<bucketURL>#<key>" is read from a
// bucket, anything else is a local file path.
func Load(ctx context.Context, source string) ([]string, error) {
	if !strings.Contains(source, "://") {
		return LoadFile(source)
	}

	bucketURL, key, found := strings.Cut(source, "#")
	if !found || key == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, source)
	}
	return LoadBucket(ctx, bucketURL, key)
}
