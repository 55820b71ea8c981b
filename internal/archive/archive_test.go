package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadArtifactCopiesAndPrunes(t *testing.T) {
	src := t.TempDir()
	root := t.TempDir()
	a := New(root, "/artifacts/", 2)

	for i := 0; i < 3; i++ {
		local := filepath.Join(src, fmt.Sprintf("density_plot_2026010%d.png", i))
		require.NoError(t, os.WriteFile(local, []byte("png"), 0o644))

		url, err := a.UploadArtifact(context.Background(), "plots", local, filepath.Base(local))
		require.NoError(t, err)
		assert.Equal(t, "/artifacts/plots/"+filepath.Base(local), url)
	}

	entries, err := os.ReadDir(filepath.Join(root, "plots"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "density_plot_20260101.png", entries[0].Name())

	files, bytes := a.Stats()
	assert.Equal(t, uint64(3), files)
	assert.Equal(t, uint64(9), bytes)
}

func TestPruneKeepsNewestByAge(t *testing.T) {
	src := t.TempDir()
	root := t.TempDir()
	a := New(root, "http://coop.local/artifacts", 2)

	names := []string{
		"density_plot_20260301_083000_ffffffff.png",
		"density_plot_20260301_083000_00000000.png",
		"density_plot_20260301_083000_88888888.png",
	}
	base := time.Now().Add(-time.Hour)
	for i, name := range names {
		local := filepath.Join(src, name)
		require.NoError(t, os.WriteFile(local, []byte("png"), 0o644))
		url, err := a.UploadArtifact(context.Background(), "plots", local, name)
		require.NoError(t, err)
		assert.Equal(t, "http://coop.local/artifacts/plots/"+name, url)

		stamp := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(filepath.Join(root, "plots", name), stamp, stamp))
	}

	entries, err := os.ReadDir(filepath.Join(root, "plots"))
	require.NoError(t, err)
	var kept []string
	for _, e := range entries {
		kept = append(kept, e.Name())
	}
	assert.ElementsMatch(t, names[1:], kept)
}

func TestUploadArtifactRejectsTraversal(t *testing.T) {
	a := New(t.TempDir(), "", 0)
	_, err := a.UploadArtifact(context.Background(), "..", "/etc/hosts", "x")
	assert.Error(t, err)
	_, err = a.UploadArtifact(context.Background(), "plots", "/etc/hosts", "../x")
	assert.Error(t, err)
}

func TestUploadArtifactMissingSource(t *testing.T) {
	a := New(t.TempDir(), "", 0)
	_, err := a.UploadArtifact(context.Background(), "plots", filepath.Join(t.TempDir(), "nope.png"), "nope.png")
	assert.Error(t, err)
}
