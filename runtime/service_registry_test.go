package runtime

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	started bool
	stopped bool
	status  error
}

func (m *mockService) Start()        { m.started = true }
func (m *mockService) Stop() error   { m.stopped = true; return nil }
func (m *mockService) Status() error { return m.status }

type secondMockService struct {
	mockService
}

func TestRegisterService_Twice(t *testing.T) {
	registry := NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&mockService{}))
	assert.Error(t, registry.RegisterService(&mockService{}), "registering the same type twice must fail")
}

func TestRegisterService_Different(t *testing.T) {
	registry := NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&mockService{}))
	require.NoError(t, registry.RegisterService(&secondMockService{}))
}

func TestFetchService(t *testing.T) {
	registry := NewServiceRegistry()
	svc := &mockService{}
	require.NoError(t, registry.RegisterService(svc))

	assert.Error(t, registry.FetchService(*svc), "fetching by value must fail")

	var found *secondMockService
	assert.Error(t, registry.FetchService(&found))

	var fetched *mockService
	require.NoError(t, registry.FetchService(&fetched))
	assert.Same(t, svc, fetched)
}

func TestStopAll_ReverseOrder(t *testing.T) {
	registry := NewServiceRegistry()
	first := &mockService{}
	second := &secondMockService{}
	require.NoError(t, registry.RegisterService(first))
	require.NoError(t, registry.RegisterService(second))

	registry.StopAll()
	assert.True(t, first.stopped)
	assert.True(t, second.stopped)
}

func TestStatuses(t *testing.T) {
	registry := NewServiceRegistry()
	healthy := &mockService{}
	unhealthy := &secondMockService{}
	unhealthy.status = errors.New("degraded")
	require.NoError(t, registry.RegisterService(healthy))
	require.NoError(t, registry.RegisterService(unhealthy))

	statuses := registry.Statuses()
	require.Len(t, statuses, 2)
	errCount := 0
	for _, err := range statuses {
		if err != nil {
			errCount++
		}
	}
	assert.Equal(t, 1, errCount)
}
