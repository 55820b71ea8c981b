// Package archive keeps mapping artifacts on local disk, one directory per
// bucket, with a cap on how many files each bucket retains.
package archive

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Archive implements sink.ArtifactUploader against the local filesystem.
type Archive struct {
	root      string
	urlPrefix string
	keep      int

	mu    sync.Mutex
	files uint64
	bytes uint64
}

// New stores artifacts under root. URLs are urlPrefix + "/" + bucket + "/" + name.
// keep <= 0 disables pruning.
func New(root, urlPrefix string, keep int) *Archive {
	return &Archive{root: root, urlPrefix: strings.TrimRight(urlPrefix, "/"), keep: keep}
}

// Root is the directory artifacts are stored in.
func (a *Archive) Root() string {
	return a.root
}

// UploadArtifact copies localPath into the bucket directory.
func (a *Archive) UploadArtifact(ctx context.Context, bucket, localPath, remoteName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !validName(bucket) || !validName(remoteName) {
		return "", fmt.Errorf("invalid artifact name %q/%q", bucket, remoteName)
	}

	dir := filepath.Join(a.root, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bucket dir: %w", err)
	}

	n, err := copyFile(localPath, filepath.Join(dir, remoteName))
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.files++
	a.bytes += uint64(n)
	a.mu.Unlock()

	if a.keep > 0 {
		if err := a.prune(dir); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s/%s/%s", a.urlPrefix, url.PathEscape(bucket), url.PathEscape(remoteName)), nil
}

// Stats reports how many files and bytes were archived since start.
func (a *Archive) Stats() (files, bytes uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.files, a.bytes
}

func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create artifact: %w", err)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("copy artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("commit artifact: %w", err)
	}
	return n, nil
}

// prune removes the oldest files beyond the retention cap. Age is the
// modification time, with the name breaking ties.
func (a *Archive) prune(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	type file struct {
		name string
		mod  time.Time
	}
	var files []file
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{e.Name(), info.ModTime()})
	}
	if len(files) <= a.keep {
		return nil
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].mod.Equal(files[j].mod) {
			return files[i].mod.Before(files[j].mod)
		}
		return files[i].name < files[j].name
	})
	for _, f := range files[:len(files)-a.keep] {
		if err := os.Remove(filepath.Join(dir, f.name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune %s: %w", f.name, err)
		}
	}
	return nil
}
