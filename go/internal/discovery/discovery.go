// Package discovery announces and finds canvas servers on the local
// network over mDNS, so terminal clients can connect without an address.
package discovery

import (
	"fmt"
	"os"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog/log"
)

// ServiceType is the advertised mDNS service. The SRV record carries the
// line-protocol port.
const ServiceType = "_collascii._tcp"

// Advertiser keeps an mDNS responder alive for one server instance.
type Advertiser struct {
	server *mdns.Server
}

// Advertise announces this host's line-protocol endpoint. info lands in
// the service TXT record.
func Advertise(port int, info string) (*Advertiser, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	service, err := mdns.NewMDNSService(host, ServiceType, "", "", port, nil, []string{info})
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS responder: %w", err)
	}

	log.Info().
		Str("service", ServiceType).
		Int("port", port).
		Msg("advertising over mDNS")

	return &Advertiser{server: server}, nil
}

// Shutdown stops answering queries.
func (a *Advertiser) Shutdown() error {
	return a.server.Shutdown()
}

// Endpoint is one discovered server.
type Endpoint struct {
	Host string // instance hostname
	Addr string // host:port ready for dialing
	Info string // TXT record contents
}

// Browse collects every endpoint that answers within the lookup window.
func Browse() ([]Endpoint, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	done := make(chan []Endpoint)
	go func() {
		var endpoints []Endpoint
		for e := range entries {
			if ep, ok := entryEndpoint(e); ok {
				endpoints = append(endpoints, ep)
			}
		}
		done <- endpoints
	}()

	err := mdns.Lookup(ServiceType, entries)
	close(entries)
	endpoints := <-done
	if err != nil {
		return nil, fmt.Errorf("failed to browse %s: %w", ServiceType, err)
	}

	log.Debug().Int("endpoints", len(endpoints)).Msg("mDNS browse finished")
	return endpoints, nil
}

func entryEndpoint(e *mdns.ServiceEntry) (Endpoint, bool) {
	if e.AddrV4 == nil || e.Port == 0 {
		return Endpoint{}, false
	}
	info := ""
	if len(e.InfoFields) > 0 {
		info = e.InfoFields[0]
	}
	return Endpoint{
		Host: e.Host,
		Addr: fmt.Sprintf("%s:%d", e.AddrV4.String(), e.Port),
		Info: info,
	}, true
}
