package origin

import (
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"github.com/l0p7/pixgate/internal/runtime/failure"
	"github.com/l0p7/pixgate/internal/runtime/urlguard"
)

// metadataAddrs are cloud metadata endpoints outside the private ranges.
var metadataAddrs = []netip.Addr{
	netip.MustParseAddr("100.100.100.200"),
	netip.MustParseAddr("fd00:ec2::254"),
}

// guardedTransport builds a transport whose dialer re-checks the resolved
// address at connect time, so a public hostname resolving to a private
// address is still refused.
func guardedTransport(timeout time.Duration, allowPrivate bool) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	if !allowPrivate {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			return checkDialAddress(address)
		}
	}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

func checkDialAddress(address string) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return failure.Wrap(failure.KindBlockedHost, "origin address could not be verified", err)
	}
	addr := ap.Addr().Unmap()
	if urlguard.BlockedAddr(addr) {
		return failure.Newf(failure.KindBlockedHost, "origin resolved to blocked address %s", addr)
	}
	for _, meta := range metadataAddrs {
		if addr == meta {
			return failure.Newf(failure.KindBlockedHost, "origin resolved to metadata address %s", addr)
		}
	}
	return nil
}
