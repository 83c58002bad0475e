package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newOfflineClient(t *testing.T) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	_, err = New(newOfflineClient(t), Config{})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	client := newOfflineClient(t)

	plain, err := New(client, Config{Bucket: "results"})
	require.NoError(t, err)
	require.Equal(t, "batch_1.json", plain.ObjectName("batch_1.json"))

	prefixed, err := New(client, Config{Bucket: "results", Prefix: "/insta/runs/"})
	require.NoError(t, err)
	require.Equal(t, "insta/runs/batch_1.json", prefixed.ObjectName("batch_1.json"))
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(newOfflineClient(t), Config{Bucket: "results"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "", "", nil)
	require.Error(t, err)
}
