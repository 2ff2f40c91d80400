package security

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Hostnames that must never take broker notification traffic no matter
// what they resolve to.
var bannedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL vets a broker-supplied notification URL before a
// subscription is accepted. Deliveries are POSTed from inside our
// network, so a URL pointing at loopback, RFC 1918 space, link-local
// (cloud metadata lives there), or an internal hostname would turn the
// notifier into an SSRF proxy. Both the literal host and every DNS
// answer are vetted.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL must have a host")
	}

	for _, banned := range bannedHosts {
		if strings.EqualFold(host, banned) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return vetAddr(addr)
	}

	// Vetting happens at subscription time; the dispatcher re-checks
	// the URL before each delivery.
	resolved, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, a := range resolved {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			continue
		}
		if err := vetAddr(addr); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

func vetAddr(a netip.Addr) error {
	a = a.Unmap()
	switch {
	case a.IsLoopback():
		return errors.New("loopback addresses are not allowed")
	case a.IsPrivate():
		return errors.New("private addresses are not allowed")
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return errors.New("link-local addresses are not allowed")
	case a.IsUnspecified():
		return errors.New("unspecified addresses are not allowed")
	}
	return nil
}
