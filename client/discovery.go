package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/mdns"
)

// mDNS service types announced by devlink hubs.
const (
	ServiceWebSocket = "_devlink-ws._tcp"
	ServiceTCP       = "_devlink-tcp._tcp"
)

// DiscoveredService is a hub found via mDNS.
type DiscoveredService struct {
	ServiceName string
	Address     string
	Port        int
	Transport   string // "tcp" or "websocket"
	TXTRecords  []string
}

// URL returns the address to hand to the matching Transport.
func (s *DiscoveredService) URL() string {
	if s.Transport == "websocket" {
		return fmt.Sprintf("ws://%s:%d/ws", s.Address, s.Port)
	}
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// Discover returns the first hub announcing serviceType. It gives up when
// timeout elapses or ctx is done.
func Discover(ctx context.Context, serviceType string, timeout time.Duration) (*DiscoveredService, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)
	params := mdns.DefaultParams(serviceType)
	params.Entries = entriesCh
	params.Timeout = timeout
	params.DisableIPv6 = true

	// Start discovery in background
	go func() {
		defer close(entriesCh)
		if err := mdns.Query(params); err != nil {
			slog.Warn("mDNS query failed", "service", serviceType, "error", err)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case entry, ok := <-entriesCh:
		if !ok || entry == nil {
			return nil, fmt.Errorf("no %s service found", serviceType)
		}

		var address string
		if entry.AddrV4 != nil {
			address = entry.AddrV4.String()
		} else if entry.AddrV6 != nil {
			address = fmt.Sprintf("[%s]", entry.AddrV6.String())
		} else {
			return nil, fmt.Errorf("no valid address found for service")
		}

		transport := "websocket"
		if serviceType == ServiceTCP {
			transport = "tcp"
		}

		service := &DiscoveredService{
			ServiceName: entry.Name,
			Address:     address,
			Port:        entry.Port,
			Transport:   transport,
			TXTRecords:  entry.InfoFields,
		}

		slog.Info("Discovered devlink hub",
			"service_name", service.ServiceName,
			"address", service.Address,
			"port", service.Port,
			"transport", service.Transport,
		)
		return service, nil

	case <-timer.C:
		return nil, fmt.Errorf("mDNS discovery timeout for %s", serviceType)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
