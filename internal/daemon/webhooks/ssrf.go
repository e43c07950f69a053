package webhooks

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
)

// cgn is the carrier-grade NAT range, 100.64.0.0/10.
var cgn = netip.MustParsePrefix("100.64.0.0/10")

// ValidateURL rejects destinations a local coordination daemon must
// never call out to: loopback, link-local, private, CGN, and multicast
// addresses, plus hostnames that resolve inside the machine or a
// private network by convention. Only http and https schemes pass.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apierr.BadRequest(apierr.ValidationError, "invalid webhook url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apierr.BadRequest(apierr.ValidationError, "webhook url must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return apierr.BadRequest(apierr.ValidationError, "webhook url has no host")
	}

	if blockedHostname(host) {
		return blocked(host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		switch {
		case addr.IsLoopback(),
			addr.IsLinkLocalUnicast(),
			addr.IsLinkLocalMulticast(),
			addr.IsMulticast(),
			addr.IsPrivate(),
			addr.IsUnspecified(),
			cgn.Contains(addr):
			return blocked(host)
		}
	}
	return nil
}

func blockedHostname(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" || h == "169.254.169.254" {
		return true
	}
	for _, suffix := range []string{".local", ".localhost", ".internal"} {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	return false
}

func blocked(host string) *apierr.Error {
	return apierr.New(apierr.SSRFBlocked, 400, "webhook host %q is not routable from this daemon", host)
}
