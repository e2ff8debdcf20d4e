// Package discovery finds a camera's HTTP endpoint on a wired USB network
// link via mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

// Service is the mDNS service type cameras advertise.
const (
	Service = "_gopro-web._tcp"
	Domain  = "local."
)

var ErrNotFound = errors.New("no camera advertisement found")

// Entry is a resolved service advertisement.
type Entry struct {
	Instance string
	Addrs    []net.IP
	Port     int
}

// BaseURL returns http://addr:port for the first usable address.
func (e Entry) BaseURL() (string, bool) {
	for _, ip := range e.Addrs {
		if ip == nil || ip.IsUnspecified() {
			continue
		}
		return "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)), true
	}
	return "", false
}

// Browser streams advertisements for a service until ctx ends.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- Entry) error
}

type zeroconfBrowser struct {
	resolve func(ctx context.Context, service, domain string, raw chan *zeroconf.ServiceEntry) error
}

// NewBrowser returns a Browser backed by multicast DNS.
func NewBrowser() Browser { return zeroconfBrowser{resolve: mdnsResolve} }

func mdnsResolve(ctx context.Context, service, domain string, raw chan *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, raw)
}

// Browse forwards resolved entries to out. out is closed when browsing
// ends, including when it fails to start.
func (b zeroconfBrowser) Browse(ctx context.Context, service, domain string, out chan<- Entry) error {
	raw := make(chan *zeroconf.ServiceEntry)
	if err := b.resolve(ctx, service, domain, raw); err != nil {
		close(out)
		return fmt.Errorf("mdns browse %s: %w", service, err)
	}
	go forwardEntries(ctx, raw, out)
	return nil
}

// forwardEntries converts resolver entries until the resolver closes raw.
func forwardEntries(ctx context.Context, raw <-chan *zeroconf.ServiceEntry, out chan<- Entry) {
	defer close(out)
	for se := range raw {
		addrs := make([]net.IP, 0, len(se.AddrIPv4)+len(se.AddrIPv6))
		addrs = append(addrs, se.AddrIPv4...)
		addrs = append(addrs, se.AddrIPv6...)
		select {
		case out <- Entry{Instance: se.Instance, Addrs: addrs, Port: se.Port}:
		case <-ctx.Done():
		}
	}
}

// FindCamera browses until a camera with a usable address answers and
// returns its HTTP base URL. The caller bounds the search with ctx.
func FindCamera(ctx context.Context, b Browser, logger *slog.Logger) (string, error) {
	logger = logger.With("component", "discovery")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan Entry)
	if err := b.Browse(ctx, Service, Domain, entries); err != nil {
		return "", err
	}
	logger.Info("browsing for camera", "service", Service)

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			base, ok := e.BaseURL()
			if !ok {
				logger.Debug("advertisement without address", "instance", e.Instance)
				continue
			}
			logger.Info("camera found", "instance", e.Instance, "base", base)
			return base, nil
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrNotFound, ctx.Err())
		}
	}
}
