// Package shm contains the shared-memory namespace: open/truncate/map/unlink
// of named segments and the canonical key-to-path mapping. Platform syscalls
// live in shm_linux.go.
package shm

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	// NameMaxLen bounds a segment key, including the leading slash.
	NameMaxLen = 255

	ctrlKeySuffix = ".ctrl"

	shmDir = "/dev/shm"
)

// ErrKeyInvalid is returned for keys that do not start with '/' or exceed
// NameMaxLen.
var ErrKeyInvalid = errors.New("shm key must start with '/' and be at most 255 bytes")

// NamespaceError carries the underlying OS error and the key involved.
// No retries happen at this layer.
type NamespaceError struct {
	Op  string
	Key string
	Err error
}

func (e *NamespaceError) Error() string {
	return fmt.Sprintf("shm %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *NamespaceError) Unwrap() error { return e.Err }

// ValidKey reports whether key is a well-formed segment key.
func ValidKey(key string) bool {
	return len(key) > 1 && len(key) <= NameMaxLen &&
		key[0] == '/' && !strings.ContainsRune(key[1:], '/')
}

// MapName maps a segment key to its backing path.
func MapName(key string) (string, error) {
	if !ValidKey(key) {
		return "", &NamespaceError{Op: "mapname", Key: key, Err: ErrKeyInvalid}
	}
	return shmDir + "/" + key[1:], nil
}

// MapCtrlKey derives the control-segment key for a buffer key. The transform
// is deterministic and injective on valid keys, so every buffer gets a
// distinct control segment.
func MapCtrlKey(key string) (string, error) {
	if !ValidKey(key) {
		return "", &NamespaceError{Op: "mapctrlkey", Key: key, Err: ErrKeyInvalid}
	}
	ctrl := key + ctrlKeySuffix
	if len(ctrl) > NameMaxLen {
		return "", &NamespaceError{Op: "mapctrlkey", Key: key, Err: ErrKeyInvalid}
	}
	return ctrl, nil
}

// PageSize returns the system page size.
func PageSize() int {
	return os.Getpagesize()
}
