package admission

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/l0p7/pixgate/internal/config"
	"github.com/l0p7/pixgate/internal/runtime/failure"
	"github.com/l0p7/pixgate/internal/runtime/pipeline"
)

const (
	apiKeyHeader     = "X-API-Key"
	apiKeyQuery      = "key"
	adminTokenHeader = "X-Admin-Token"
	adminTokenQuery  = "admin_token"
)

// Config describes who the caller is allowed to be.
type Config struct {
	TrustedNetworks []netip.Prefix
	DevelopmentMode bool
	RequireKey      bool
	Access          config.AccessList
}

// accessSet is an immutable snapshot of the credentials that grant privilege.
type accessSet struct {
	apiKeys     []string
	adminTokens []string
	adminNets   []netip.Prefix
}

type Agent struct {
	trustedNetworks []netip.Prefix
	developmentMode bool
	requireKey      bool
	access          atomic.Pointer[accessSet]
}

func New(cfg Config) *Agent {
	a := &Agent{
		trustedNetworks: cfg.TrustedNetworks,
		developmentMode: cfg.DevelopmentMode,
		requireKey:      cfg.RequireKey,
	}
	a.SetAccess(cfg.Access)
	return a
}

// SetAccess swaps the credential lists. Safe to call while requests are in
// flight.
func (a *Agent) SetAccess(list config.AccessList) {
	set := &accessSet{
		apiKeys:     sanitizeList(list.APIKeys),
		adminTokens: sanitizeList(list.AdminTokens),
		adminNets:   ParsePrefixes(list.AdminIPs),
	}
	a.access.Store(set)
}

func (a *Agent) Name() string { return "admission" }

func (a *Agent) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	adm := &state.Admission
	adm.CapturedAt = time.Now().UTC()
	adm.ForwardedFor = strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	adm.Forwarded = strings.TrimSpace(r.Header.Get("Forwarded"))
	adm.ClientIP = remoteHost(r.RemoteAddr)

	if adm.ForwardedFor != "" || adm.Forwarded != "" {
		if !a.resolveForwarded(r, state) {
			state.Fail(failure.New(failure.KindUnauthorized, adm.Reason))
			return a.finish(state)
		}
	}

	set := a.access.Load()
	key := firstNonEmpty(r.Header.Get(apiKeyHeader), queryValue(r, apiKeyQuery))
	token := firstNonEmpty(r.Header.Get(adminTokenHeader), queryValue(r, adminTokenQuery))

	adm.APIKeyValid = key != "" && containsSecret(set.apiKeys, key)
	tokenValid := token != "" && containsSecret(set.adminTokens, token)
	ipAdmin := set.isAdminIP(adm.ClientIP)
	adm.Admin = tokenValid || ipAdmin
	adm.Privileged = adm.APIKeyValid || adm.Admin

	switch {
	case adm.APIKeyValid:
		adm.Identity = "key:" + strconv.FormatUint(xxhash.Sum64String(key), 16)
		adm.Source = "api_key"
	default:
		adm.Identity = "ip:" + adm.ClientIP
		adm.Source = "client_ip"
	}
	if tokenValid {
		adm.Source = "admin_token"
	} else if ipAdmin {
		adm.Source = "admin_ip"
	}

	if a.requireKey && !adm.APIKeyValid && !adm.Admin {
		adm.Authenticated = false
		adm.Reason = annotateReason("a valid API key is required", adm.ProxyNote)
		state.Fail(failure.New(failure.KindUnauthorized, "a valid API key is required"))
		return a.finish(state)
	}

	adm.Authenticated = true
	if key != "" && !adm.APIKeyValid {
		adm.Reason = annotateReason("unrecognised API key ignored", adm.ProxyNote)
	} else {
		adm.Reason = annotateReason("identity resolved", adm.ProxyNote)
	}
	return a.finish(state)
}

// resolveForwarded trusts the forwarded chain only when the socket peer and
// every intermediate hop are trusted proxies. In development mode untrusted
// metadata is stripped instead of rejected.
func (a *Agent) resolveForwarded(r *http.Request, state *pipeline.State) bool {
	adm := &state.Admission
	peer, err := parseRemoteIP(r.RemoteAddr)
	if err != nil {
		adm.Authenticated = false
		adm.Reason = "invalid remote address"
		return false
	}

	chain, forwarded, forwardedFor, err := forwardedChain(r, adm.Forwarded, adm.ForwardedFor)
	switch {
	case err != nil:
		return a.handleUntrustedProxy(r, state, err.Error(), "forwarded headers stripped due to invalid metadata")
	case !a.chainTrusted(chain):
		return a.handleUntrustedProxy(r, state, "forwarded chain includes untrusted proxy", "forwarded headers stripped due to untrusted proxy chain")
	case !a.isTrusted(peer):
		return a.handleUntrustedProxy(r, state, "untrusted proxy rejected", "forwarded headers stripped from untrusted proxy")
	}

	adm.Forwarded = forwarded
	adm.ForwardedFor = forwardedFor
	adm.TrustedProxy = true
	adm.ClientIP = chain[0].String()
	return true
}

func (a *Agent) finish(state *pipeline.State) pipeline.Result {
	adm := &state.Admission
	decision := "fail"
	if adm.Authenticated {
		decision = "pass"
	}
	adm.Decision = decision
	return pipeline.Result{
		Name:    a.Name(),
		Status:  decision,
		Details: adm.Reason,
		Meta: map[string]any{
			"clientIp":      adm.ClientIP,
			"identity":      adm.Identity,
			"privileged":    adm.Privileged,
			"source":        adm.Source,
			"trustedProxy":  adm.TrustedProxy,
			"proxyStripped": adm.ProxyStripped,
		},
	}
}

func (a *Agent) handleUntrustedProxy(r *http.Request, state *pipeline.State, reason, note string) bool {
	adm := &state.Admission
	if a.developmentMode {
		adm.ProxyStripped = true
		adm.ProxyNote = note
		stripForwardedHeaders(r)
		adm.ForwardedFor = ""
		adm.Forwarded = ""
		return true
	}

	adm.Authenticated = false
	adm.Reason = reason
	adm.ProxyStripped = false
	adm.ProxyNote = note
	return false
}

func (a *Agent) chainTrusted(chain []netip.Addr) bool {
	if len(chain) <= 1 {
		return true
	}
	for _, hop := range chain[1:] {
		if !a.isTrusted(hop) {
			return false
		}
	}
	return true
}

func (a *Agent) isTrusted(addr netip.Addr) bool {
	for _, network := range a.trustedNetworks {
		if network.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

func (s *accessSet) isAdminIP(raw string) bool {
	if len(s.adminNets) == 0 || raw == "" {
		return false
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, network := range s.adminNets {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

// containsSecret compares in constant time per candidate.
func containsSecret(list []string, value string) bool {
	found := false
	for _, candidate := range list {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(value)) == 1 {
			found = true
		}
	}
	return found
}

func sanitizeList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func queryValue(r *http.Request, name string) string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Query().Get(name)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// ParsePrefixes converts IPs and CIDRs into prefixes, skipping invalid
// entries. Configuration validation rejects those before startup.
func ParsePrefixes(entries []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		prefix, err := config.ParseAddrOrPrefix(entry)
		if err != nil {
			continue
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes
}

// LoopbackNetworks is the trusted set used when no proxies are configured.
func LoopbackNetworks() []netip.Prefix {
	return ParsePrefixes([]string{"127.0.0.0/8", "::1/128"})
}
