package dns

import (
	"context"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachingResolver wraps another Resolver with a size-bound positive answer
// cache. Negative answers and errors are never cached: the retry schedule
// of the queue already spaces out repeated lookups for dead domains.
type CachingResolver struct {
	inner Resolver

	mx *expirable.LRU[string, []*net.MX]
	ip *expirable.LRU[string, []net.IPAddr]
}

func NewCachingResolver(inner Resolver, size int, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		inner: inner,
		mx:    expirable.NewLRU[string, []*net.MX](size, nil, ttl),
		ip:    expirable.NewLRU[string, []net.IPAddr](size, nil, ttl),
	}
}

func (r *CachingResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	if cached, ok := r.mx.Get(name); ok {
		return cached, nil
	}
	records, err := r.inner.LookupMX(ctx, name)
	if err != nil {
		return nil, err
	}
	r.mx.Add(name, records)
	return records, nil
}

func (r *CachingResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if cached, ok := r.ip.Get(host); ok {
		return cached, nil
	}
	addrs, err := r.inner.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	r.ip.Add(host, addrs)
	return addrs, nil
}

func (r *CachingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		hosts = append(hosts, addr.IP.String())
	}
	return hosts, nil
}
