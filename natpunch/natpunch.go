// Package natpunch dispatches NAT firewall-opener mappings: UPnP via
// huin/goupnp and NAT-PMP via jackpal/go-nat-pmp (a STUN fallback is
// omitted, since STUN alone cannot open a port, only discover the
// external address). Grounded on a retrieved natupnp.go fragment ("Just
// enough UPnP to be able to forward ports"), reworked onto this dependency
// pair instead of hand-rolled SSDP. Gateway-candidate address filtering
// reuses p2p/netutil's LAN/special-range classifiers rather than
// duplicating that logic here.
package natpunch

import (
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/zerotier-go/zt-core/p2p/netutil"
)

// Mapping describes one port forward a Puncher should maintain.
type Mapping struct {
	Protocol string // "udp"
	ExtPort  int
	IntPort  int
	Name     string
	Lifetime time.Duration
}

// Puncher opens and refreshes NAT port mappings so peers behind a NAT can
// still receive direct UDP traffic: the NAT firewall-opener dispatch.
type Puncher interface {
	AddMapping(m Mapping) error
	DeleteMapping(m Mapping) error
	ExternalIP() (net.IP, error)
}

// Discover probes the LAN for an IGD (UPnP) or NAT-PMP gateway and returns a
// Puncher for whichever responds first. When no gateway is found it returns
// a noopPuncher and a nil error, never a nil Puncher — firewall-opener
// dispatch becomes a no-op rather than fatal, since plenty of networks have
// no NAT at all.
func Discover(timeout time.Duration) (Puncher, error) {
	if p, err := discoverUPnP(timeout); err == nil {
		return p, nil
	}
	if p, err := discoverNATPMP(timeout); err == nil {
		return p, nil
	}
	return noopPuncher{}, nil
}

type upnpPuncher struct {
	client *internetgateway1.WANIPConnection1
}

func discoverUPnP(timeout time.Duration) (Puncher, error) {
	clients, errs, err := internetgateway1.NewWANIPConnection1Clients()
	if err != nil {
		return nil, fmt.Errorf("natpunch: upnp discovery: %w", err)
	}
	if len(errs) > 0 && len(clients) == 0 {
		return nil, fmt.Errorf("natpunch: upnp discovery: %v", errs[0])
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("natpunch: no UPnP gateway found")
	}
	return &upnpPuncher{client: clients[0]}, nil
}

func (p *upnpPuncher) AddMapping(m Mapping) error {
	return p.client.AddPortMapping("", uint16(m.ExtPort), upperProto(m.Protocol), uint16(m.IntPort), localIP(), true, m.Name, uint32(m.Lifetime/time.Second))
}

func (p *upnpPuncher) DeleteMapping(m Mapping) error {
	return p.client.DeletePortMapping("", uint16(m.ExtPort), upperProto(m.Protocol))
}

func (p *upnpPuncher) ExternalIP() (net.IP, error) {
	ipStr, err := p.client.GetExternalIPAddress()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("natpunch: upnp returned unparseable IP %q", ipStr)
	}
	return ip, nil
}

type natpmpPuncher struct {
	client *natpmp.Client
}

func discoverNATPMP(timeout time.Duration) (Puncher, error) {
	gw, err := defaultGateway()
	if err != nil {
		return nil, err
	}
	c := natpmp.NewClientWithTimeout(gw, timeout)
	if _, err := c.GetExternalAddress(); err != nil {
		return nil, fmt.Errorf("natpunch: nat-pmp probe: %w", err)
	}
	return &natpmpPuncher{client: c}, nil
}

func (p *natpmpPuncher) AddMapping(m Mapping) error {
	_, err := p.client.AddPortMapping(m.Protocol, m.IntPort, m.ExtPort, int(m.Lifetime/time.Second))
	return err
}

func (p *natpmpPuncher) DeleteMapping(m Mapping) error {
	_, err := p.client.AddPortMapping(m.Protocol, m.IntPort, 0, 0)
	return err
}

func (p *natpmpPuncher) ExternalIP() (net.IP, error) {
	resp, err := p.client.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	ip := resp.ExternalIPAddress
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]), nil
}

// noopPuncher is returned when no gateway answers; all operations succeed
// trivially so node's periodic mapping refresh never treats "no NAT found"
// as an error.
type noopPuncher struct{}

func (noopPuncher) AddMapping(Mapping) error       { return nil }
func (noopPuncher) DeleteMapping(Mapping) error    { return nil }
func (noopPuncher) ExternalIP() (net.IP, error)    { return nil, fmt.Errorf("natpunch: no gateway") }

func upperProto(p string) string {
	if p == "" {
		return "UDP"
	}
	b := []byte(p)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func localIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func defaultGateway() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			if ipnet.IP.IsLoopback() || !netutil.IsLAN(ipnet.IP) || netutil.IsSpecialNetwork(ipnet.IP) {
				continue
			}
			gw := ipnet.IP.Mask(ipnet.Mask)
			gw[len(gw)-1]++
			return gw, nil
		}
	}
	return nil, fmt.Errorf("natpunch: no usable interface found")
}
