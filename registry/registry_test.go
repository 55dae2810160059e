package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/edge-relay/domain"
	relayerrors "github.com/agentworkforce/edge-relay/errors"
	"github.com/agentworkforce/edge-relay/kv"
)

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	mem := kv.NewMemoryStore()
	t.Cleanup(mem.Stop)

	now := time.Now()
	reg := NewRegistry(mem)
	reg.now = func() time.Time { return now }
	return reg, &now
}

func TestRegisterCreates(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	stored, created, err := reg.Register(ctx, &domain.EdgeWorkerRegistration{
		WorkspaceID: "W1",
		EndpointURL: "https://edge-1.example.com/events",
		AuthToken:   "bearer-1",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, stored.RegisteredAt)
	assert.Equal(t, stored.RegisteredAt, stored.LastSeenAt)
}

func TestRegisterUpsertsSamePair(t *testing.T) {
	ctx := context.Background()
	reg, now := newTestRegistry(t)

	first, created, err := reg.Register(ctx, &domain.EdgeWorkerRegistration{
		WorkspaceID: "W1",
		EndpointURL: "https://edge-1.example.com/events",
		AuthToken:   "bearer-1",
	})
	require.NoError(t, err)
	require.True(t, created)

	*now = now.Add(time.Minute)
	second, created, err := reg.Register(ctx, &domain.EdgeWorkerRegistration{
		WorkspaceID: "W1",
		EndpointURL: "https://edge-1.example.com/events",
		AuthToken:   "bearer-2",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, "bearer-2", second.AuthToken)
	assert.Greater(t, second.LastSeenAt, first.RegisteredAt)

	regs, err := reg.ListForWorkspace(ctx, "W1")
	require.NoError(t, err)
	assert.Len(t, regs, 1, "re-registering the same pair must not duplicate")
}

func TestMultipleEndpointsPerWorkspace(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	for _, url := range []string{"https://edge-b.example.com", "https://edge-a.example.com"} {
		_, _, err := reg.Register(ctx, &domain.EdgeWorkerRegistration{
			WorkspaceID: "W1",
			EndpointURL: url,
			AuthToken:   "tok",
		})
		require.NoError(t, err)
	}

	regs, err := reg.ListForWorkspace(ctx, "W1")
	require.NoError(t, err)
	require.Len(t, regs, 2)
	assert.Equal(t, "https://edge-a.example.com", regs[0].EndpointURL)
	assert.Equal(t, "https://edge-b.example.com", regs[1].EndpointURL)
}

func TestListEmptyWorkspace(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	regs, err := reg.ListForWorkspace(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestWorkspacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	_, _, err := reg.Register(ctx, &domain.EdgeWorkerRegistration{
		WorkspaceID: "W1",
		EndpointURL: "https://edge-1.example.com",
		AuthToken:   "tok",
	})
	require.NoError(t, err)

	regs, err := reg.ListForWorkspace(ctx, "W2")
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestTouchAdvancesLastSeen(t *testing.T) {
	ctx := context.Background()
	reg, now := newTestRegistry(t)

	stored, _, err := reg.Register(ctx, &domain.EdgeWorkerRegistration{
		WorkspaceID: "W1",
		EndpointURL: "https://edge-1.example.com",
		AuthToken:   "tok",
	})
	require.NoError(t, err)

	*now = now.Add(30 * time.Second)
	require.NoError(t, reg.Touch(ctx, "W1", "https://edge-1.example.com"))

	regs, err := reg.ListForWorkspace(ctx, "W1")
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Greater(t, regs[0].LastSeenAt, stored.RegisteredAt)
}

func TestTouchUnknownRegistration(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	err := reg.Touch(ctx, "W1", "https://nobody.example.com")
	var notFound *relayerrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}
