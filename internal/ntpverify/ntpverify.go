// Package ntpverify checks the local clock against a panel of public NTP
// servers before evidence bundles are signed. A compromised or drifted
// clock undermines every timestamp in the compliance trail, so this
// annotates (but never blocks) evidence emission with a pass/fail verdict.
package ntpverify

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"time"
)

// DefaultServers mirrors the original agent's NTP panel: a spread of
// public stratum-1/2 servers so no single operator's outage flips the
// verdict.
var DefaultServers = []string{
	"time.nist.gov",
	"time.google.com",
	"time.cloudflare.com",
	"pool.ntp.org",
	"time.apple.com",
}

// ntpDelta is the number of seconds between the NTP epoch (1900-01-01) and
// the Unix epoch (1970-01-01).
const ntpDelta = 2208988800

// ntpPacket is a minimal NTPv3 client request: LI=0, VN=3, Mode=3 (client)
// in the first byte, all other fields zeroed.
var ntpPacket = append([]byte{0x1b}, make([]byte, 47)...)

// ServerResult is one server's response (or failure) in a verification
// round.
type ServerResult struct {
	Server      string
	OffsetMs    float64
	RoundTripMs float64
	Stratum     int
	Success     bool
	Error       string
	Timestamp   time.Time
}

// Result is the outcome of a full verification round across the panel.
type Result struct {
	Passed           bool
	LocalTime        time.Time
	ServersQueried   int
	ServersResponded int
	MedianOffsetMs   float64
	MaxSkewMs        float64
	MinStratum       int
	ServerResults    []ServerResult
	Error            string
}

// Verifier queries a panel of NTP servers and judges the local clock
// against a median-offset / max-skew policy. The lowest responding stratum
// is reported in the Result but does not affect the verdict.
type Verifier struct {
	Servers     []string
	MinServers  int
	MaxOffsetMs float64
	MaxSkewMs   float64
	Timeout     time.Duration
}

// NewVerifier builds a Verifier with the same defaults as the original
// agent: 3 servers minimum, 5s offset/skew ceiling, 5s per-query timeout.
func NewVerifier(servers []string) *Verifier {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	return &Verifier{
		Servers:     servers,
		MinServers:  3,
		MaxOffsetMs: 5000,
		MaxSkewMs:   5000,
		Timeout:     5 * time.Second,
	}
}

// Verify queries every configured server concurrently and returns the
// aggregate verdict. It never returns an error for network failures —
// those are folded into per-server results and the quorum check; a
// non-nil error here means the verifier itself was misconfigured.
func (v *Verifier) Verify(ctx context.Context) (*Result, error) {
	if len(v.Servers) == 0 {
		return nil, fmt.Errorf("no NTP servers configured")
	}

	results := make([]ServerResult, len(v.Servers))
	var wg sync.WaitGroup
	for i, server := range v.Servers {
		wg.Add(1)
		go func(i int, server string) {
			defer wg.Done()
			results[i] = v.queryServer(ctx, server)
		}(i, server)
	}
	wg.Wait()

	localTime := time.Now().UTC()

	var offsets []float64
	responded := 0
	minStratum := math.MaxInt32
	for _, r := range results {
		if !r.Success {
			continue
		}
		responded++
		offsets = append(offsets, r.OffsetMs)
		if r.Stratum < minStratum {
			minStratum = r.Stratum
		}
	}

	res := &Result{
		LocalTime:        localTime,
		ServersQueried:   len(v.Servers),
		ServersResponded: responded,
		ServerResults:    results,
	}

	if responded < v.MinServers {
		res.Passed = false
		res.Error = fmt.Sprintf("only %d/%d servers responded, need >= %d", responded, len(v.Servers), v.MinServers)
		return res, nil
	}

	sort.Float64s(offsets)
	res.MedianOffsetMs = median(offsets)
	res.MaxSkewMs = offsets[len(offsets)-1] - offsets[0]
	res.MinStratum = minStratum

	if math.Abs(res.MedianOffsetMs) > v.MaxOffsetMs {
		res.Error = fmt.Sprintf("median offset %.1fms exceeds max %.1fms", res.MedianOffsetMs, v.MaxOffsetMs)
		return res, nil
	}
	if res.MaxSkewMs > v.MaxSkewMs {
		res.Error = fmt.Sprintf("max skew %.1fms exceeds max %.1fms", res.MaxSkewMs, v.MaxSkewMs)
		return res, nil
	}

	res.Passed = true
	return res, nil
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// queryServer sends a single NTPv3 request and parses the stratum and
// transmit timestamp from the response (RFC 5905 packet layout). The
// offset calculation is the same simplified t3-t4 approximation the
// Python original used, not the full 4-timestamp NTP algorithm — adequate
// for the pass/fail annotation this feeds, not for clock discipline.
func (v *Verifier) queryServer(ctx context.Context, server string) ServerResult {
	result := ServerResult{Server: server, Timestamp: time.Now().UTC()}

	dialer := net.Dialer{Timeout: v.Timeout}
	conn, err := dialer.DialContext(ctx, "udp", net.JoinHostPort(server, "123"))
	if err != nil {
		result.Error = fmt.Sprintf("dial: %v", err)
		return result
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(v.Timeout)); err != nil {
		result.Error = fmt.Sprintf("set deadline: %v", err)
		return result
	}

	sendTime := time.Now()
	if _, err := conn.Write(ntpPacket); err != nil {
		result.Error = fmt.Sprintf("write: %v", err)
		return result
	}

	resp := make([]byte, 48)
	if _, err := conn.Read(resp); err != nil {
		result.Error = fmt.Sprintf("read: %v", err)
		return result
	}
	recvTime := time.Now()

	parsed := parseResponse(resp, sendTime, recvTime)
	result.Success = true
	result.Stratum = parsed.Stratum
	result.OffsetMs = parsed.OffsetMs
	result.RoundTripMs = parsed.RoundTripMs
	return result
}

// parsedResponse holds the fields extracted from a raw NTP response,
// separated from queryServer so the wire-parsing math can be unit tested
// without a live UDP round trip.
type parsedResponse struct {
	Stratum     int
	OffsetMs    float64
	RoundTripMs float64
}

func parseResponse(resp []byte, sendTime, recvTime time.Time) parsedResponse {
	stratum := int(resp[1])

	transmitSeconds := binary.BigEndian.Uint32(resp[40:44])
	transmitFraction := binary.BigEndian.Uint32(resp[44:48])
	serverTime := time.Unix(int64(transmitSeconds)-ntpDelta, int64(float64(transmitFraction)/float64(1<<32)*1e9)).UTC()

	return parsedResponse{
		Stratum:     stratum,
		OffsetMs:    serverTime.Sub(recvTime).Seconds() * 1000,
		RoundTripMs: recvTime.Sub(sendTime).Seconds() * 1000,
	}
}
