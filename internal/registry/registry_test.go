package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sidefxio/sidefx/internal/domain"
	"github.com/sidefxio/sidefx/internal/registry"
)

func TestRegister_ThenGet(t *testing.T) {
	r := registry.New()
	r.Register(domain.RunMeta{RunID: "run-1", BusinessKey: "order-A"})

	meta, err := r.Get("run-1")
	require.NoError(t, err)
	require.Equal(t, "order-A", meta.BusinessKey)
}

func TestGet_UnknownRun(t *testing.T) {
	r := registry.New()
	_, err := r.Get("nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLen(t *testing.T) {
	r := registry.New()
	require.Equal(t, 0, r.Len())
	r.Register(domain.RunMeta{RunID: "run-1"})
	r.Register(domain.RunMeta{RunID: "run-2"})
	require.Equal(t, 2, r.Len())
}
