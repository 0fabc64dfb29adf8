package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorePutAndManifest(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	uri, err := store.Put(ctx, Artifact{
		Name:        "2024-05-15/stripe/report.csv",
		ContentType: "text/csv",
		Data:        []byte("transaction_id,amount\nB,20.00\n"),
	})

	require.NoError(t, err)
	assert.Contains(t, uri, "file://")

	path := uri[len("file://"):]
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "B,20.00")

	unsynced, err := store.Unsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, path, unsynced[0].Path)
	assert.Equal(t, "2024-05-15/stripe/report.csv", unsynced[0].Name)
	assert.Equal(t, "text/csv", unsynced[0].ContentType)

	require.NoError(t, store.MarkSynced(ctx, path))
	unsynced, err = store.Unsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestLocalStoreOverwriteResetsSyncFlag(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	a := Artifact{Name: "stripe/report.json", ContentType: "application/json", Data: []byte(`{}`)}

	uri, err := store.Put(ctx, a)
	require.NoError(t, err)
	path := uri[len("file://"):]
	require.NoError(t, store.MarkSynced(ctx, path))

	// A regenerated artifact must be swept again.
	a.Data = []byte(`{"missing_transactions_count":2}`)
	_, err = store.Put(ctx, a)
	require.NoError(t, err)

	unsynced, err := store.Unsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, path, unsynced[0].Path)
}

func TestLocalStoreRejectsEscapingNames(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewLocalStore(root)
	require.NoError(t, err)
	defer store.Close()

	for _, name := range []string{
		"../outside.csv",
		"../../etc/passwd",
		"reports/../../outside.csv",
		"/etc/passwd",
		"",
	} {
		_, err := store.Put(ctx, Artifact{Name: name, Data: []byte("x")})
		assert.Error(t, err, "name %q must be rejected", name)
		assert.True(t, IsPermanent(err), "name %q must fail permanently", name)
	}

	// Nothing escaped the root.
	_, statErr := os.Stat(filepath.Join(filepath.Dir(root), "outside.csv"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestLocalStoreAllowsNestedNames(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	uri, err := store.Put(ctx, Artifact{
		Name: "2024-05-15/paypal/summary.txt",
		Data: []byte("ok"),
	})

	require.NoError(t, err)
	assert.Contains(t, uri, "paypal")
}
