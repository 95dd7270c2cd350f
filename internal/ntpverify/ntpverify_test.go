package ntpverify

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMedian(t *testing.T) {
	require.Equal(t, 2.0, median([]float64{1, 2, 3}))
	require.Equal(t, 2.5, median([]float64{1, 2, 3, 4}))
	require.Equal(t, 0.0, median(nil))
}

func TestParseResponse_ExtractsStratumAndOffset(t *testing.T) {
	resp := make([]byte, 48)
	resp[1] = 2 // stratum

	recvTime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	serverTime := recvTime.Add(250 * time.Millisecond)
	binary.BigEndian.PutUint32(resp[40:44], uint32(serverTime.Unix()+ntpDelta))
	binary.BigEndian.PutUint32(resp[44:48], 0)

	sendTime := recvTime.Add(-10 * time.Millisecond)
	parsed := parseResponse(resp, sendTime, recvTime)

	require.Equal(t, 2, parsed.Stratum)
	require.InDelta(t, 250, parsed.OffsetMs, 1)
	require.InDelta(t, 10, parsed.RoundTripMs, 1)
}

func TestVerify_QuorumNotMet(t *testing.T) {
	v := NewVerifier([]string{"192.0.2.1", "192.0.2.2"}) // TEST-NET-1, unroutable
	v.Timeout = 200 * time.Millisecond
	v.MinServers = 3

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := v.Verify(ctx)
	require.NoError(t, err)
	require.False(t, result.Passed)
	require.Equal(t, 0, result.ServersResponded)
	require.NotEmpty(t, result.Error)
}

func TestNewVerifier_DefaultsToStandardPanel(t *testing.T) {
	v := NewVerifier(nil)
	require.Equal(t, DefaultServers, v.Servers)
	require.Equal(t, 3, v.MinServers)
}

func TestNewVerifier_NoServers(t *testing.T) {
	v := &Verifier{}
	_, err := v.Verify(context.Background())
	require.Error(t, err)
}
