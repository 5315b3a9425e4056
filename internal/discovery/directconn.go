package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-collector/internal/config"
	"github.com/rcourtman/pulse-collector/pkg/proxmox"
)

const (
	directRequestTimeout = 3 * time.Second
	directProbeTimeout   = 1500 * time.Millisecond
	directRetryDelay     = 500 * time.Millisecond
)

// directConnection returns a memoized client talking straight to a node's
// IP, bypassing cluster-wide routing. The connection is probe-tested
// before caching; a broken connection is never cached. Returns nil when
// no direct connection can be established, which callers treat as "use
// the cluster-routed view".
func (e *Engine) directConnection(ctx context.Context, instance config.PVEInstance, nodeName, nodeIP string) PVEClient {
	if nodeIP == "" {
		return nil
	}

	cacheKey := fmt.Sprintf("%s|%s", instance.Name, nodeName)
	if client, ok := e.directConnCache.Get(cacheKey); ok {
		return client
	}

	host := directHost(instance.Host, nodeIP)

	var client PVEClient
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(directRetryDelay):
			case <-ctx.Done():
				return nil
			}
		}

		client, err = e.newPVEClient(proxmox.ClientConfig{
			Host:        host,
			User:        instance.User,
			Password:    instance.Password,
			TokenName:   instance.TokenName,
			TokenValue:  instance.TokenValue,
			Fingerprint: instance.Fingerprint,
			VerifySSL:   instance.VerifySSL,
			Timeout:     directRequestTimeout,
		})
		if err != nil {
			log.Debug().Err(err).Str("node", nodeName).Str("host", host).Msg("Direct connection setup failed")
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, directProbeTimeout)
		_, err = client.GetVersion(probeCtx)
		cancel()
		if err == nil {
			e.directConnCache.Set(cacheKey, client)
			log.Debug().Str("node", nodeName).Str("host", host).Msg("Direct node connection established")
			return client
		}
		log.Debug().Err(err).Str("node", nodeName).Str("host", host).Msg("Direct connection probe failed")
	}

	return nil
}

// directHost swaps the host portion of the configured endpoint URL for
// the node's IP, keeping scheme and port.
func directHost(configuredHost, nodeIP string) string {
	scheme := "https"
	rest := configuredHost
	if idx := strings.Index(rest, "://"); idx >= 0 {
		scheme = rest[:idx]
		rest = rest[idx+3:]
	}

	port := "8006"
	if idx := strings.LastIndex(rest, ":"); idx >= 0 && !strings.Contains(rest[idx:], "/") {
		port = rest[idx+1:]
	}

	return fmt.Sprintf("%s://%s:%s", scheme, nodeIP, port)
}
