package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/twister/internal/policy"
	"firestige.xyz/twister/internal/store"
)

func newTestClient(t *testing.T) (*Client, *store.Store) {
	t.Helper()
	srv, s := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL+"/", 5*time.Second), s
}

func TestClientPacketLossRoundTrip(t *testing.T) {
	c, s := newTestClient(t)
	ctx := context.Background()

	msg, err := c.PacketLossStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, SlugServiceNotReady, msg.Slug)

	require.NoError(t, c.PacketLossStart(ctx, PacketLossStartRequest{NetworkInterfaceName: "eth0", PacketLossRate: 20}))
	rate, ok := s.LossRatePercent()
	require.True(t, ok)
	assert.Equal(t, int32(20), rate)

	err = c.PacketLossStart(ctx, PacketLossStartRequest{PacketLossRate: 30})
	assert.True(t, IsAlreadyStarted(err))

	msg, err = c.PacketLossStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, SlugServiceReady, msg.Slug)

	require.NoError(t, c.PacketLossStop(ctx))
	assert.True(t, IsNotStarted(c.PacketLossStop(ctx)))
}

func TestClientBandwidthRoundTrip(t *testing.T) {
	c, s := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.BandwidthStart(ctx, BandwidthStartRequest{Limit: 1_000_000}))
	bps, ok := s.BandwidthLimitBps()
	require.True(t, ok)
	assert.Equal(t, uint64(1_000_000), bps)

	msg, err := c.BandwidthStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, SlugServiceReady, msg.Slug)

	err = c.BandwidthStart(ctx, BandwidthStartRequest{Limit: -5})
	require.Error(t, err)
	assert.True(t, HasSlug(err, SlugServiceSetParamFailed))
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, MetaTypeError, apiErr.Message.Type)

	require.NoError(t, c.BandwidthStop(ctx))
	_, ok = s.BandwidthLimitBps()
	assert.False(t, ok)
}

func TestClientAllServicesStatus(t *testing.T) {
	c, s := newTestClient(t)
	require.NoError(t, s.SetBandwidthLimit(8000))

	out, err := c.AllServicesStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, policy.ServicePacketLoss, out[0].Name)
	assert.False(t, out[0].Ready)
	assert.Equal(t, policy.ServiceBandwidth, out[1].Name)
	assert.True(t, out[1].Ready)
	assert.EqualValues(t, 8000, out[1].Params["limit"])
}

func TestClientNonEnvelopeError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream gone", http.StatusBadGateway)
	}))
	defer ts.Close()

	err := NewClient(ts.URL, time.Second).BandwidthStop(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream gone", apiErr.Message.Message)
	assert.Contains(t, err.Error(), "502")
}

func TestClientUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewClient(url, time.Second).AllServicesStatus(context.Background())
	require.Error(t, err)
	assert.False(t, HasSlug(err, SlugServiceNotStarted))
}
