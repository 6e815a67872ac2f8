package cache

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// keySeparator joins file fingerprints inside a cache key.
const keySeparator = "|"

// File is the identity of one input file as far as the cache is concerned.
// Content is never hashed; name, size and modification time stand in for it.
type File struct {
	Name         string
	Size         int64
	LastModified time.Time
}

// Fingerprint renders name-size-lastModified with the modification time in epoch milliseconds.
func (f File) Fingerprint() string {
	return fmt.Sprintf("%s-%d-%d", f.Name, f.Size, f.LastModified.UnixMilli())
}

// BuildKey derives a deterministic cache key for a set of files. Fingerprints are sorted
// so argument order never changes the key. A non-empty namespace is prepended as "ns:".
func BuildKey(files []File, namespace string) string {
	prints := make([]string, 0, len(files))
	for _, f := range files {
		prints = append(prints, f.Fingerprint())
	}
	sort.Strings(prints)
	key := strings.Join(prints, keySeparator)
	if namespace != "" {
		return namespace + ":" + key
	}
	return key
}
