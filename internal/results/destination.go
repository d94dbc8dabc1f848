package results

import (
	"fmt"
	"strings"
)

const s3Scheme = "s3://"

// Destination is either a local filesystem path or an object in a bucket.
type Destination struct {
	Path   string
	Bucket string
	Key    string
}

func (d Destination) Remote() bool {
	return d.Bucket != ""
}

func (d Destination) String() string {
	if d.Remote() {
		return s3Scheme + d.Bucket + "/" + d.Key
	}
	return d.Path
}

// ParseDestination accepts a filesystem path or an s3://bucket/key URI.
func ParseDestination(raw string) (Destination, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Destination{}, fmt.Errorf("destination is required")
	}
	if !strings.HasPrefix(raw, s3Scheme) {
		return Destination{Path: raw}, nil
	}
	rest := strings.TrimPrefix(raw, s3Scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || strings.TrimSpace(bucket) == "" || strings.TrimSpace(strings.Trim(key, "/")) == "" {
		return Destination{}, fmt.Errorf("invalid object destination %q: want s3://bucket/key", raw)
	}
	return Destination{Bucket: bucket, Key: key}, nil
}
