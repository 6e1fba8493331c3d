// Package selector translates a validated config.Profile into a wired
// proxyadapter.InputAdapter and proxyadapter.OutputConnector pair, the last
// step before the command entrypoint calls Start.
package selector

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/postalsys/nerite/internal/aead"
	"github.com/postalsys/nerite/internal/config"
	"github.com/postalsys/nerite/internal/metrics"
	"github.com/postalsys/nerite/internal/proxyadapter"
	"github.com/postalsys/nerite/internal/rawproxy"
	"github.com/postalsys/nerite/internal/resolver"
	"github.com/postalsys/nerite/internal/socks5"
	"github.com/postalsys/nerite/internal/ssproxy"
)

// dnsPort is the standard port appended to a bare DNS server IP before
// dialing it; config.Profile.DNS and RawActiveConfig.DNS are host-only.
const dnsPort = "53"

// Options carries the cross-cutting collaborators every adapter may need,
// independent of which protocol the profile picked.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// aeadKindFor maps a config.Name to the aead.Kind it wire-encodes as.
// Callers must only pass one of the three Shadowsocks names; anything else
// is a programmer error since config.Validate already rejected the rest.
func aeadKindFor(name config.Name) aead.Kind {
	switch name {
	case config.SSAes128GCM:
		return aead.AES128GCM
	case config.SSAes256GCM:
		return aead.AES256GCM
	case config.ChaCha20Poly1305:
		return aead.ChaCha20Poly1305
	default:
		panic(fmt.Sprintf("selector: %q is not a shadowsocks protocol name", name))
	}
}

func isShadowsocks(name config.Name) bool {
	switch name {
	case config.SSAes128GCM, config.SSAes256GCM, config.ChaCha20Poly1305:
		return true
	default:
		return false
	}
}

// BuildInput turns profile.Input into a concrete, not-yet-started
// InputAdapter. profile must already have passed config.Validate, so every
// combination this function doesn't explicitly handle is unreachable.
func BuildInput(profile *config.Profile, opts Options) (proxyadapter.InputAdapter, error) {
	conf := profile.Input

	switch {
	case conf.Name == config.Socks5:
		pc, err := conf.Passive()
		if err != nil {
			return nil, err
		}
		cfg := socks5.DefaultServerConfig()
		cfg.Address = net.JoinHostPort(pc.LocalHost, portString(pc.LocalPort))
		cfg.Logger = opts.Logger
		cfg.Metrics = opts.Metrics
		return socks5.NewServer(cfg), nil

	case isShadowsocks(conf.Name):
		pc, err := conf.Passive()
		if err != nil {
			return nil, err
		}
		cfg := ssproxy.DefaultServerConfig()
		cfg.Address = net.JoinHostPort(pc.LocalHost, portString(pc.LocalPort))
		cfg.Kind = aeadKindFor(conf.Name)
		cfg.Password = pc.Password
		cfg.Logger = opts.Logger
		cfg.Metrics = opts.Metrics
		return ssproxy.NewServer(cfg), nil

	default:
		return nil, fmt.Errorf("selector: %q cannot be used as an input adapter", conf.Name)
	}
}

// BuildOutput turns profile.Output into a concrete OutputConnector, wiring
// in a custom resolver.UDPResolver for a raw-active connector when either
// its own sub-record or the profile's top-level DNS names an upstream.
func BuildOutput(profile *config.Profile, opts Options) (proxyadapter.OutputConnector, error) {
	conf := profile.Output

	switch {
	case conf.Name == config.Raw:
		rc, err := conf.RawActive()
		if err != nil {
			return nil, err
		}
		dnsHost := rc.DNS
		if dnsHost == "" {
			dnsHost = profile.DNS
		}
		if dnsHost == "" {
			return rawproxy.NewActiveConnector(), nil
		}
		return rawproxy.NewActiveConnectorWithResolver(resolver.NewUDPResolver(net.JoinHostPort(dnsHost, dnsPort))), nil

	case conf.Name == config.Socks5:
		ac, err := conf.Active()
		if err != nil {
			return nil, err
		}
		return socks5.NewActiveConnector(net.JoinHostPort(ac.RemoteHost, portString(ac.RemotePort))), nil

	case isShadowsocks(conf.Name):
		ac, err := conf.Active()
		if err != nil {
			return nil, err
		}
		return ssproxy.NewActiveConnector(net.JoinHostPort(ac.RemoteHost, portString(ac.RemotePort)), aeadKindFor(conf.Name), ac.Password), nil

	default:
		return nil, fmt.Errorf("selector: %q cannot be used as an output adapter", conf.Name)
	}
}

func portString(p uint16) string {
	return fmt.Sprintf("%d", p)
}
