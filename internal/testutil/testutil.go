// Package testutil holds fixtures shared by the package tests.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/INLOpen/emberstore/core"
	"github.com/INLOpen/emberstore/store"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Key returns the i-th fixed-width test key, so byte order matches i.
func Key(i int) []byte {
	return []byte(fmt.Sprintf("key-%06d", i))
}

// Value returns a deterministic value of length n derived from seed.
func Value(seed, n int) []byte {
	r := rand.New(rand.NewSource(int64(seed)))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + r.Intn(26))
	}
	return b
}

// EnvInt reads a positive integer from the environment, falling back to def
// when the variable is unset or invalid. Long-running tests use it to scale
// their workload, e.g. EMBERSTORE_STRESS_TRIALS.
func EnvInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// OpenFileStore opens a FileStore in a fresh temporary directory and closes
// it when the test ends. The path is returned so tests can reopen it.
func OpenFileStore(t *testing.T, compression core.CompressionType) (*store.FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pages.emb")
	s, err := store.OpenFileStore(store.FileStoreOptions{
		Path:        path,
		Compression: compression,
		Logger:      DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("failed to open file store at %s: %v", path, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}
