package provider_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geocollect/geocollect/internal/provider"
)

type fakeProvider struct{ provider.Provider }

func TestRegistry(t *testing.T) {
	provider.Register("fake", func() (provider.Provider, error) {
		return &fakeProvider{}, nil
	})
	provider.Register("failing", func() (provider.Provider, error) {
		return nil, errors.New("missing credentials")
	})

	assert.Contains(t, provider.Names(), "fake")
	assert.Contains(t, provider.Names(), "failing")

	drv, err := provider.New("fake")
	require.NoError(t, err)
	assert.NotNil(t, drv)

	_, err = provider.New("failing")
	assert.Error(t, err)

	_, err = provider.New("nope")
	assert.Error(t, err)
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	provider.Register("dup", func() (provider.Provider, error) { return &fakeProvider{}, nil })

	assert.Panics(t, func() {
		provider.Register("dup", func() (provider.Provider, error) { return &fakeProvider{}, nil })
	})
}

func TestErrorClassification(t *testing.T) {
	var offline *provider.DataOfflineError

	err := error(&provider.DataOfflineError{SceneID: "S2A_MSIL2A"})
	require.ErrorAs(t, err, &offline)
	assert.Equal(t, "S2A_MSIL2A", offline.SceneID)

	wrapped := &provider.ProviderError{Operation: "search", StatusCode: 503, Message: "maintenance", Err: context.DeadlineExceeded}
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
	assert.Contains(t, wrapped.Error(), "503")
}
