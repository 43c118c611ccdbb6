package admission

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/pixgate/internal/config"
	"github.com/l0p7/pixgate/internal/runtime/failure"
	"github.com/l0p7/pixgate/internal/runtime/pipeline"
)

func mustPrefix(t *testing.T, cidr string) netip.Prefix {
	t.Helper()
	prefix, err := netip.ParsePrefix(cidr)
	require.NoError(t, err)
	return prefix
}

func newRequest(target, remote string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	req.RemoteAddr = remote
	return req
}

func run(agent *Agent, req *http.Request) (*pipeline.State, pipeline.Result) {
	state := pipeline.NewState(req, "image", "corr")
	res := agent.Execute(context.Background(), req, state)
	return state, res
}

func TestAgentRejectsForwardedChainWithUntrustedProxy(t *testing.T) {
	req := newRequest("http://example.com/image", "192.0.2.10:443")
	req.Header.Set("X-Forwarded-For", "198.51.100.5, 203.0.113.7, 192.0.2.10")

	agent := New(Config{TrustedNetworks: []netip.Prefix{mustPrefix(t, "192.0.2.0/24")}})
	state, res := run(agent, req)

	require.Equal(t, "fail", res.Status)
	require.Equal(t, "forwarded chain includes untrusted proxy", state.Admission.Reason)
	require.Equal(t, "forwarded headers stripped due to untrusted proxy chain", state.Admission.ProxyNote)
	require.False(t, state.Admission.Authenticated)
	require.Equal(t, failure.KindUnauthorized, state.Failure.Kind)
}

func TestAgentAcceptsForwardedChainFromTrustedProxies(t *testing.T) {
	req := newRequest("http://example.com/image", "192.0.2.10:80")
	req.Header.Set("X-Forwarded-For", "198.51.100.5, 203.0.113.7, 192.0.2.10")

	agent := New(Config{TrustedNetworks: []netip.Prefix{
		mustPrefix(t, "192.0.2.0/24"),
		mustPrefix(t, "203.0.113.0/24"),
	}})
	state, res := run(agent, req)

	require.Equal(t, "pass", res.Status)
	require.True(t, state.Admission.TrustedProxy)
	require.Equal(t, "198.51.100.5", state.Admission.ClientIP)
	require.Equal(t, "ip:198.51.100.5", state.Admission.Identity)
	require.False(t, state.Failed())
}

func TestAgentDevelopmentModeStripsUntrustedHeaders(t *testing.T) {
	req := newRequest("http://example.com/image", "198.51.100.20:5000")
	req.Header.Set("X-Forwarded-For", "10.0.0.1")

	agent := New(Config{DevelopmentMode: true})
	state, res := run(agent, req)

	require.Equal(t, "pass", res.Status)
	require.True(t, state.Admission.ProxyStripped)
	require.Empty(t, req.Header.Get("X-Forwarded-For"))
	require.Equal(t, "ip:198.51.100.20", state.Admission.Identity)
}

func TestAgentIdentityFromClientIP(t *testing.T) {
	state, _ := run(New(Config{}), newRequest("http://example.com/image?url=x", "203.0.113.4:1234"))
	require.Equal(t, "ip:203.0.113.4", state.Admission.Identity)
	require.False(t, state.Admission.Privileged)
	require.Equal(t, "client_ip", state.Admission.Source)
}

func TestAgentValidAPIKeyIsPrivileged(t *testing.T) {
	agent := New(Config{Access: config.AccessList{APIKeys: []string{"k-123"}}})

	state, _ := run(agent, newRequest("http://example.com/image?key=k-123", "203.0.113.4:1"))
	require.True(t, state.Admission.APIKeyValid)
	require.True(t, state.Admission.Privileged)
	require.False(t, state.Admission.Admin)
	require.Regexp(t, `^key:[0-9a-f]+$`, state.Admission.Identity)
	require.NotContains(t, state.Admission.Identity, "k-123")

	req := newRequest("http://example.com/image", "203.0.113.4:1")
	req.Header.Set("X-API-Key", "k-123")
	state, _ = run(agent, req)
	require.True(t, state.Admission.APIKeyValid)
}

func TestAgentInvalidKeyFallsBackToIP(t *testing.T) {
	agent := New(Config{Access: config.AccessList{APIKeys: []string{"k-123"}}})
	state, res := run(agent, newRequest("http://example.com/image?key=wrong", "203.0.113.4:1"))
	require.Equal(t, "pass", res.Status)
	require.False(t, state.Admission.APIKeyValid)
	require.False(t, state.Admission.Privileged)
	require.Equal(t, "ip:203.0.113.4", state.Admission.Identity)
}

func TestAgentAdminTokenAndIP(t *testing.T) {
	agent := New(Config{Access: config.AccessList{AdminTokens: []string{"root"}, AdminIPs: []string{"198.51.100.0/24"}}})

	req := newRequest("http://example.com/image", "203.0.113.4:1")
	req.Header.Set("X-Admin-Token", "root")
	state, _ := run(agent, req)
	require.True(t, state.Admission.Admin)
	require.True(t, state.Admission.Privileged)
	require.Equal(t, "admin_token", state.Admission.Source)

	state, _ = run(agent, newRequest("http://example.com/image?admin_token=root", "203.0.113.4:1"))
	require.True(t, state.Admission.Admin)

	state, _ = run(agent, newRequest("http://example.com/image", "198.51.100.77:1"))
	require.True(t, state.Admission.Admin)
	require.Equal(t, "admin_ip", state.Admission.Source)
}

func TestAgentEmptyAdminListGrantsNobody(t *testing.T) {
	state, _ := run(New(Config{}), newRequest("http://example.com/image?admin_token=", "127.0.0.1:1"))
	require.False(t, state.Admission.Privileged)
	require.False(t, state.Admission.Admin)
}

func TestAgentRequireKey(t *testing.T) {
	agent := New(Config{RequireKey: true, Access: config.AccessList{APIKeys: []string{"k"}}})

	state, res := run(agent, newRequest("http://example.com/image", "203.0.113.4:1"))
	require.Equal(t, "fail", res.Status)
	require.Equal(t, failure.KindUnauthorized, state.Failure.Kind)
	require.Equal(t, http.StatusUnauthorized, state.Response.Status)

	state, res = run(agent, newRequest("http://example.com/image?key=k", "203.0.113.4:1"))
	require.Equal(t, "pass", res.Status)
	require.False(t, state.Failed())
}

func TestAgentSetAccessSwapsCredentials(t *testing.T) {
	agent := New(Config{})
	state, _ := run(agent, newRequest("http://example.com/image?key=fresh", "203.0.113.4:1"))
	require.False(t, state.Admission.APIKeyValid)

	agent.SetAccess(config.AccessList{APIKeys: []string{"fresh"}})
	state, _ = run(agent, newRequest("http://example.com/image?key=fresh", "203.0.113.4:1"))
	require.True(t, state.Admission.APIKeyValid)
}

func TestParsePrefixes(t *testing.T) {
	prefixes := ParsePrefixes([]string{"10.0.0.1", "192.168.0.0/16", "nonsense", " ::1 "})
	require.Len(t, prefixes, 3)
	require.True(t, prefixes[0].Contains(netip.MustParseAddr("10.0.0.1")))
	require.Equal(t, 32, prefixes[0].Bits())

	loopback := LoopbackNetworks()
	require.Len(t, loopback, 2)
	require.True(t, loopback[0].Contains(netip.MustParseAddr("127.0.0.53")))
	require.True(t, loopback[1].Contains(netip.IPv6Loopback()))
}

func TestParseRFC7239Forwarded(t *testing.T) {
	chain, sanitized, err := parseRFC7239Forwarded(`for=198.51.100.5;proto=https, for="[2001:db8::1]:4711"`)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, "198.51.100.5", chain[0].String())
	require.Equal(t, "2001:db8::1", chain[1].String())
	require.Contains(t, sanitized, `for="[2001:db8::1]:4711"`)

	_, _, err = parseRFC7239Forwarded("proto=https")
	require.ErrorIs(t, err, errForwardedDirectiveEmpty)
}
