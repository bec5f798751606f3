package server

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hashicorp/mdns"
)

// Announce advertises the hub over mDNS under serviceType (for example
// "_devlink-ws._tcp") until the returned server is shut down.
func Announce(serviceType string, port int, info []string) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "devlink-hub"
	}

	service, err := mdns.NewMDNSService(host, serviceType, "", "", port, nil, info)
	if err != nil {
		return nil, fmt.Errorf("mdns service: %w", err)
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("mdns server: %w", err)
	}
	slog.Info("Announcing hub", "service", serviceType, "port", port)
	return srv, nil
}
