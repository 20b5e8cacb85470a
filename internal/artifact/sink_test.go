package artifact_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sidefxio/sidefx/internal/artifact"
)

func Test_Create_CreatedThenAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	sink, err := artifact.New(dir)
	require.NoError(t, err)

	res, err := sink.Create(context.Background(), "order-A", []byte(`{"ok":true}`))
	require.NoError(t, err)
	require.Equal(t, artifact.Created, res)

	res2, err := sink.Create(context.Background(), "order-A", []byte(`{"different":true}`))
	require.NoError(t, err)
	require.Equal(t, artifact.AlreadyExists, res2)

	data, err := os.ReadFile(sink.Path("order-A"))
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, string(data))
}

func Test_Exists(t *testing.T) {
	dir := t.TempDir()
	sink, err := artifact.New(dir)
	require.NoError(t, err)

	exists, err := sink.Exists("order-B")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = sink.Create(context.Background(), "order-B", []byte(`{}`))
	require.NoError(t, err)

	exists, err = sink.Exists("order-B")
	require.NoError(t, err)
	require.True(t, exists)
}

func Test_List(t *testing.T) {
	dir := t.TempDir()
	sink, err := artifact.New(dir)
	require.NoError(t, err)

	_, err = sink.Create(context.Background(), "order-A", []byte(`{}`))
	require.NoError(t, err)
	_, err = sink.Create(context.Background(), "order-B", []byte(`{}`))
	require.NoError(t, err)

	keys, err := sink.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"order-A", "order-B"}, keys)
}
