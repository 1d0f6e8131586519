package netclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

type resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// dnsStaleGrace is how long an expired entry may still answer when the
// resolver fails.
const dnsStaleGrace = 30 * time.Minute

type dnsEntry struct {
	addrs   []net.IPAddr
	expires time.Time
}

// dnsCache memoizes host lookups for the dialer. When a refresh fails, the
// last good answer is served until dnsStaleGrace past its expiry.
type dnsCache struct {
	resolver resolver
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]dnsEntry
}

func newDNSCache(r resolver, ttl time.Duration) *dnsCache {
	return &dnsCache{resolver: r, ttl: ttl, now: time.Now, entries: make(map[string]dnsEntry)}
}

func (d *dnsCache) lookup(ctx context.Context, host string) ([]net.IPAddr, error) {
	now := d.now()
	d.mu.Lock()
	entry, ok := d.entries[host]
	d.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.addrs, nil
	}
	addrs, err := d.resolver.LookupIPAddr(ctx, host)
	if err == nil && len(addrs) == 0 {
		err = &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	if err != nil {
		if ok && now.Before(entry.expires.Add(dnsStaleGrace)) {
			return entry.addrs, nil
		}
		return nil, err
	}
	d.mu.Lock()
	d.entries[host] = dnsEntry{addrs: addrs, expires: now.Add(d.ttl)}
	d.mu.Unlock()
	return addrs, nil
}

func (d *dnsCache) prune(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for host, entry := range d.entries {
		if !now.Before(entry.expires.Add(dnsStaleGrace)) {
			delete(d.entries, host)
		}
	}
}

func (d *dnsCache) dialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if net.ParseIP(host) != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		addrs, err := d.lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		var errs []error
		for _, ip := range addrs {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
		}
		return nil, errors.Join(errs...)
	}
}
