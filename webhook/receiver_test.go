package webhook

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/edge-relay/domain"
	relayerrors "github.com/agentworkforce/edge-relay/errors"
)

const testSecret = "webhook-shared-secret"

func TestHandleVerifiedWebhook(t *testing.T) {
	var received atomic.Pointer[domain.Webhook]
	done := make(chan struct{})
	receiver := NewReceiver(testSecret, func(_ context.Context, wh *domain.Webhook) {
		received.Store(wh)
		close(done)
	})

	body := []byte(`{"type":"Issue","action":"create","organizationId":"ws-1","data":{"id":"ISS-1"}}`)
	webhook, err := receiver.Handle(context.Background(), body, Sign(testSecret, body))
	require.NoError(t, err)
	assert.Equal(t, "Issue", webhook.Type)
	assert.Equal(t, "ws-1", webhook.OrganizationID)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}
	assert.Equal(t, "Issue", received.Load().Type)
}

func TestHandleRejectsBadSignature(t *testing.T) {
	var invoked atomic.Bool
	receiver := NewReceiver(testSecret, func(context.Context, *domain.Webhook) {
		invoked.Store(true)
	})

	body := []byte(`{"type":"Issue","organizationId":"ws-1"}`)
	_, err := receiver.Handle(context.Background(), body, Sign("wrong-secret", body))
	var authErr *relayerrors.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, invoked.Load(), "unverified webhooks must not reach the callback")
}

func TestHandleRejectsMissingSignature(t *testing.T) {
	receiver := NewReceiver(testSecret, nil)

	body := []byte(`{"type":"Issue","organizationId":"ws-1"}`)
	_, err := receiver.Handle(context.Background(), body, "")
	var authErr *relayerrors.AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestHandleRejectsMalformedBody(t *testing.T) {
	receiver := NewReceiver(testSecret, nil)

	for _, body := range [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"organizationId":"ws-1"}`),
		[]byte(`{"type":"Issue"}`),
	} {
		_, err := receiver.Handle(context.Background(), body, Sign(testSecret, body))
		var validation *relayerrors.ValidationError
		assert.ErrorAs(t, err, &validation, "body %q", body)
	}
}

func TestCallbackSurvivesRequestCancellation(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan error, 1)
	receiver := NewReceiver(testSecret, func(ctx context.Context, _ *domain.Webhook) {
		close(started)
		select {
		case <-ctx.Done():
			finished <- ctx.Err()
		case <-time.After(100 * time.Millisecond):
			finished <- nil
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	body := []byte(`{"type":"Issue","organizationId":"ws-1"}`)
	_, err := receiver.Handle(ctx, body, Sign(testSecret, body))
	require.NoError(t, err)

	<-started
	cancel()

	select {
	case err := <-finished:
		assert.NoError(t, err, "callback context must not be cancelled with the request")
	case <-time.After(time.Second):
		t.Fatal("callback never finished")
	}
}
