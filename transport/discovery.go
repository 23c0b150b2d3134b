package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const DefaultServiceType = "_camlink._tcp"

// Peer is an advertised service found during discovery.
type Peer struct {
	Identity string
	Host     string
	Port     int
}

// Discovery is the platform's service discovery/advertisement API.
type Discovery interface {
	// Advertise publishes (identity, port) until stop is called.
	Advertise(identity string, port int) (stop func(), err error)
	// Browse reports peers to onPeer until ctx is done or discovery fails.
	// onPeer must not block.
	Browse(ctx context.Context, onPeer func(Peer)) error
}

// MDNSDiscovery implements Discovery over multicast DNS.
type MDNSDiscovery struct {
	Service      string
	Domain       string
	QueryTimeout time.Duration
	Interval     time.Duration
}

func NewMDNSDiscovery(service string) *MDNSDiscovery {
	if service == "" {
		service = DefaultServiceType
	}
	return &MDNSDiscovery{
		Service:      service,
		Domain:       "local",
		QueryTimeout: 2 * time.Second,
		Interval:     3 * time.Second,
	}
}

func (d *MDNSDiscovery) Advertise(identity string, port int) (func(), error) {
	svc, err := mdns.NewMDNSService(identity, d.Service, d.Domain, "", port, nil, []string{"id=" + identity})
	if err != nil {
		return nil, fmt.Errorf("failed to build mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("failed to start mdns responder: %w", err)
	}
	slog.Info("Advertising service", "service", d.Service, "identity", identity, "port", port)
	return func() {
		if err := server.Shutdown(); err != nil {
			slog.Warn("Failed to stop mdns responder", "error", err)
		}
	}, nil
}

func (d *MDNSDiscovery) Browse(ctx context.Context, onPeer func(Peer)) error {
	for {
		entriesCh := make(chan *mdns.ServiceEntry, 8)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for entry := range entriesCh {
				if p, ok := peerFromEntry(entry); ok {
					onPeer(p)
				}
			}
		}()

		params := mdns.DefaultParams(d.Service)
		params.Domain = d.Domain
		params.Entries = entriesCh
		params.Timeout = d.QueryTimeout
		params.DisableIPv6 = true
		err := mdns.Query(params)
		close(entriesCh)
		<-done

		if err != nil {
			return fmt.Errorf("mdns query for %s failed: %w", d.Service, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.Interval):
		}
	}
}

func peerFromEntry(entry *mdns.ServiceEntry) (Peer, bool) {
	if entry == nil {
		return Peer{}, false
	}

	var address string
	if entry.AddrV4 != nil {
		address = entry.AddrV4.String()
	} else if entry.AddrV6 != nil {
		address = entry.AddrV6.String()
	} else {
		return Peer{}, false
	}

	identity := ""
	for _, field := range entry.InfoFields {
		if v, ok := strings.CutPrefix(field, "id="); ok {
			identity = v
		}
	}
	if identity == "" {
		identity, _, _ = strings.Cut(entry.Name, ".")
	}

	return Peer{Identity: identity, Host: address, Port: entry.Port}, true
}
