package admission

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

var (
	errForwardedChainMissing   = errors.New("forwarded chain missing client hop")
	errForwardedChainInvalid   = errors.New("invalid forwarded chain")
	errForwardedMetadata       = errors.New("forwarded metadata mismatch between headers")
	errForwardedDirectiveEmpty = errors.New("forwarded metadata missing for directive")
)

func parseRFC7239Forwarded(header string) ([]netip.Addr, string, error) {
	parts := strings.Split(header, ",")
	addrs := make([]netip.Addr, 0, len(parts))
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		params := strings.Split(trimmed, ";")
		sanitized := make([]string, 0, len(params))
		var foundFor bool
		for _, param := range params {
			fragment := strings.TrimSpace(param)
			if fragment == "" {
				continue
			}
			kv := strings.SplitN(fragment, "=", 2)
			if len(kv) != 2 {
				sanitized = append(sanitized, fragment)
				continue
			}
			key := strings.ToLower(strings.TrimSpace(kv[0]))
			value := strings.TrimSpace(kv[1])
			if key != "for" {
				sanitized = append(sanitized, key+"="+value)
				continue
			}
			addr, normalized, err := parseRFC7239ForValue(value)
			if err != nil {
				return nil, "", err
			}
			addrs = append(addrs, addr)
			sanitized = append(sanitized, "for="+normalized)
			foundFor = true
		}
		if !foundFor {
			return nil, "", errForwardedDirectiveEmpty
		}
		segments = append(segments, strings.Join(sanitized, "; "))
	}
	if len(addrs) == 0 {
		return nil, "", errForwardedChainMissing
	}
	return addrs, strings.Join(segments, ", "), nil
}

func parseRFC7239ForValue(raw string) (netip.Addr, string, error) {
	trimmed := strings.TrimSpace(raw)
	quoted := false
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		trimmed = trimmed[1 : len(trimmed)-1]
		quoted = true
	}
	if trimmed == "" {
		return netip.Addr{}, "", errForwardedChainMissing
	}
	if strings.HasPrefix(trimmed, "_") || strings.EqualFold(trimmed, "unknown") {
		return netip.Addr{}, "", errForwardedDirectiveEmpty
	}
	addr, err := parseForwardedEntry(trimmed)
	if err != nil {
		return netip.Addr{}, "", err
	}
	needsQuotes := quoted || strings.ContainsAny(trimmed, ":[]; ")
	if needsQuotes {
		return addr, "\"" + trimmed + "\"", nil
	}
	return addr, trimmed, nil
}

func parseForwardedChain(header string) ([]netip.Addr, error) {
	parts := strings.Split(header, ",")
	addrs := make([]netip.Addr, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		addr, err := parseForwardedEntry(trimmed)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func parseForwardedEntry(value string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(value); err == nil {
		return addr, nil
	}
	if strings.Contains(value, ":") {
		if addrPort, err := netip.ParseAddrPort(value); err == nil {
			return addrPort.Addr(), nil
		}
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		return netip.ParseAddr(host)
	}
	return netip.Addr{}, net.InvalidAddrError("invalid forwarded entry")
}

func joinForwardedAddrs(addrs []netip.Addr) string {
	if len(addrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		parts = append(parts, addr.String())
	}
	return strings.Join(parts, ", ")
}

func forwardedChainsEqual(a, b []netip.Addr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func annotateReason(base, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return base
	}
	return base + " (" + note + ")"
}

func remoteHost(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func parseRemoteIP(addr string) (netip.Addr, error) {
	host := remoteHost(addr)
	if host == "" {
		return netip.Addr{}, net.InvalidAddrError("empty remote address")
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, err
	}
	return ip, nil
}

// forwardedChain canonicalises the Forwarded and X-Forwarded-For headers and
// returns the hop chain, client first. When both are present they must agree.
func forwardedChain(r *http.Request, forwarded, forwardedFor string) ([]netip.Addr, string, string, error) {
	var canonical []netip.Addr

	if forwarded != "" {
		chain, sanitized, err := parseRFC7239Forwarded(forwarded)
		if err != nil {
			if errors.Is(err, errForwardedChainMissing) || errors.Is(err, errForwardedDirectiveEmpty) {
				return nil, "", "", err
			}
			return nil, "", "", errForwardedChainInvalid
		}
		forwarded = sanitized
		r.Header.Set("Forwarded", sanitized)
		canonical = chain
	} else {
		r.Header.Del("Forwarded")
	}

	if forwardedFor != "" {
		chain, err := parseForwardedChain(forwardedFor)
		if err != nil {
			return nil, "", "", errForwardedChainInvalid
		}
		if len(chain) == 0 {
			return nil, "", "", errForwardedChainMissing
		}
		forwardedFor = joinForwardedAddrs(chain)
		r.Header.Set("X-Forwarded-For", forwardedFor)
		if len(canonical) == 0 {
			canonical = chain
		} else if !forwardedChainsEqual(canonical, chain) {
			return nil, "", "", errForwardedMetadata
		}
	} else {
		r.Header.Del("X-Forwarded-For")
	}

	if len(canonical) == 0 {
		return nil, "", "", errForwardedChainMissing
	}
	return canonical, forwarded, forwardedFor, nil
}

func stripForwardedHeaders(r *http.Request) {
	for name := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-forwarded-") || lower == "forwarded" {
			r.Header.Del(name)
		}
	}
}
