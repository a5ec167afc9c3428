package exterrors

import (
	"net"
)

func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	dnsErr, ok := err.(*net.DNSError)
	if !ok {
		// Return non-nil in case the caller will try to 'extend' it with
		// its own values.
		return "", map[string]interface{}{}
	}

	// Neither server name nor DNS name are usually useful, so exclude them.
	return dnsErr.Err, map[string]interface{}{}
}

// IsNotFoundDNS reports whether err is a DNS NXDOMAIN or NODATA answer as
// opposed to a resolution failure (SERVFAIL, network timeout and so on).
func IsNotFoundDNS(err error) bool {
	dnsErr, ok := err.(*net.DNSError)
	if !ok {
		return false
	}
	return dnsErr.IsNotFound
}
