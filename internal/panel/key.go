package panel

import (
	"net"

	"gasguard/internal/config"
)

// Key derives the panel key for a device under the given policy. Unknown
// policies fall back to by_ip.
func Key(policy, sid, peer string) string {
	switch policy {
	case config.PolicySID:
		return sid
	case config.PolicyByConn:
		return sid + "#" + peer
	default:
		return sid + "@" + hostOf(peer)
	}
}

func hostOf(peer string) string {
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		return peer
	}
	return host
}
