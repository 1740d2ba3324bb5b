//go:build !unix

// Fallback for platforms without flock. Only in-process callers are
// serialized there (by the callers' own mutexes); the lock file is still
// created so paths behave the same.

package fileutil

import (
	"fmt"
	"os"
)

func Lock(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("fileutil: open lock %s: %w", path, err)
	}
	return f.Close, nil
}
