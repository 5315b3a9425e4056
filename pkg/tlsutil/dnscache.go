package tlsutil

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

var (
	resolver     *dnscache.Resolver
	resolverOnce sync.Once
)

const resolverRefreshInterval = 5 * time.Minute

// dnsResolver returns the process-wide caching resolver. Discovery cycles hit
// the same handful of Proxmox hosts every few seconds; caching keeps that from
// turning into a DNS query storm.
func dnsResolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		resolver = &dnscache.Resolver{}

		go func() {
			ticker := time.NewTicker(resolverRefreshInterval)
			defer ticker.Stop()

			for range ticker.C {
				resolver.Refresh(true)
				log.Debug().Msg("DNS cache refreshed")
			}
		}()
	})
	return resolver
}

// DialContextWithCache dials through the shared DNS cache.
func DialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := dnsResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}
