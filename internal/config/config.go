// Package config loads and validates the proxy's JSON profile: which input
// adapter accepts connections, which output adapter forwards them, and the
// optional DNS server used by a raw-active output adapter for Domain
// destinations.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/postalsys/nerite/internal/proxyerr"
)

// MaxConfigSize is the largest config file this loader will read; larger
// files are rejected without being parsed.
const MaxConfigSize = 1 << 20 // 1 MiB

// Name identifies a protocol adapter.
type Name string

const (
	Original         Name = "original"
	Socks5           Name = "socks5"
	SSAes128GCM      Name = "ss-aes-128-gcm"
	SSAes256GCM      Name = "ss-aes-256-gcm"
	ChaCha20Poly1305 Name = "chacha20poly1305"
	Raw              Name = "raw"
)

// Mode distinguishes a server-side (passive) adapter from a client-side
// (active) one.
type Mode string

const (
	Active  Mode = "active"
	Passive Mode = "passive"
)

// ProtocolConf is one side (input or output) of a Profile: which protocol,
// which mode, and an opaque config sub-record parsed lazily by the
// selector once the (name, mode) pair is known to be valid.
type ProtocolConf struct {
	Name   Name            `json:"name"`
	Mode   Mode            `json:"mode,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// PassiveConfig is the sub-record shape for every passive adapter.
type PassiveConfig struct {
	LocalHost string `json:"local_host"`
	LocalPort uint16 `json:"local_port"`
	Password  string `json:"password,omitempty"`
}

// ActiveConfig is the sub-record shape for every active adapter except raw.
type ActiveConfig struct {
	RemoteHost string `json:"remote_host"`
	RemotePort uint16 `json:"remote_port"`
	Password   string `json:"password,omitempty"`
}

// RawActiveConfig is the sub-record shape for a raw-active output adapter.
type RawActiveConfig struct {
	DNS string `json:"dns,omitempty"`
}

// Profile is the root configuration record: a single input adapter paired
// with a single output adapter, plus an optional default DNS server used
// by a raw-active output if its own sub-record doesn't set one.
type Profile struct {
	DNS    string       `json:"dns,omitempty"`
	Input  ProtocolConf `json:"input"`
	Output ProtocolConf `json:"output"`
}

// Load reads and validates a Profile from path, rejecting files larger than
// MaxConfigSize before parsing.
func Load(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, proxyerr.New(proxyerr.Config, "config: open", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, proxyerr.New(proxyerr.Config, "config: stat", err)
	}
	if info.Size() > MaxConfigSize {
		return nil, proxyerr.New(proxyerr.Config, "config: read", fmt.Errorf("file size %d exceeds max %d bytes", info.Size(), MaxConfigSize))
	}

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigSize+1))
	if err != nil {
		return nil, proxyerr.New(proxyerr.Config, "config: read", err)
	}
	if len(data) > MaxConfigSize {
		return nil, proxyerr.New(proxyerr.Config, "config: read", fmt.Errorf("file size exceeds max %d bytes", MaxConfigSize))
	}

	return Parse(data)
}

// Parse decodes and validates a Profile from raw JSON bytes.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	dec := json.NewDecoder(bytesReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, proxyerr.New(proxyerr.Config, "config: unmarshal", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func bytesReader(b []byte) io.Reader { return &byteSliceReader{b: b} }

// byteSliceReader is a minimal io.Reader over a byte slice, avoiding a
// bytes.Reader import for a single use site.
type byteSliceReader struct{ b []byte }

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

// Validate checks the Profile for structurally and semantically valid
// protocol names, modes, and sub-records, and rejects the disallowed
// (input, output) combinations the selector must never wire.
func (p *Profile) Validate() error {
	if p.DNS != "" {
		if net.ParseIP(p.DNS) == nil {
			return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("dns %q is not a valid IPv4/IPv6 address", p.DNS))
		}
	}

	if err := p.Input.validateName(); err != nil {
		return err
	}
	if err := p.Output.validateName(); err != nil {
		return err
	}

	if p.Input.Mode == "" {
		p.Input.Mode = Passive
	}
	if p.Output.Mode == "" {
		p.Output.Mode = Active
	}

	if p.Input.Name == Original {
		return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("input protocol %q cannot be used as an input adapter", Original))
	}
	if p.Output.Name == Original {
		return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("output protocol %q cannot be used as an output adapter", Original))
	}
	if p.Input.Name == Raw {
		return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("raw cannot be used as an input adapter"))
	}
	if p.Input.Name == Socks5 && p.Input.Mode == Active {
		return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("socks5 input adapter must be passive"))
	}
	if p.Output.Mode == Passive {
		return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("%q output adapter must be active", p.Output.Name))
	}
	if p.Input.Mode == Active && p.Input.Name != Socks5 {
		// Every other protocol's input side is only meaningful passive;
		// socks5-active-as-input is rejected explicitly above with a
		// clearer message.
		return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("%q input adapter must be passive", p.Input.Name))
	}

	if err := p.Input.validateSubrecord(p.Input.Mode); err != nil {
		return err
	}
	if err := p.Output.validateSubrecord(p.Output.Mode); err != nil {
		return err
	}

	return nil
}

func (c *ProtocolConf) validateName() error {
	switch c.Name {
	case Original, Socks5, SSAes128GCM, SSAes256GCM, ChaCha20Poly1305, Raw:
		return nil
	case "":
		return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("protocol name is required"))
	default:
		return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("unknown protocol name %q", c.Name))
	}
}

func (c *ProtocolConf) validateSubrecord(mode Mode) error {
	switch mode {
	case Passive:
		pc, err := c.Passive()
		if err != nil {
			return err
		}
		if pc.LocalHost == "" {
			return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("%s: local_host is required", c.Name))
		}
		if pc.LocalPort == 0 {
			return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("%s: local_port is required", c.Name))
		}
		if requiresPassword(c.Name) && pc.Password == "" {
			return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("%s: password is required", c.Name))
		}
	case Active:
		if c.Name == Raw {
			if _, err := c.RawActive(); err != nil {
				return err
			}
			return nil
		}
		ac, err := c.Active()
		if err != nil {
			return err
		}
		if ac.RemoteHost == "" {
			return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("%s: remote_host is required", c.Name))
		}
		if ac.RemotePort == 0 {
			return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("%s: remote_port is required", c.Name))
		}
		if requiresPassword(c.Name) && ac.Password == "" {
			return proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("%s: password is required", c.Name))
		}
	}
	return nil
}

func requiresPassword(n Name) bool {
	return n == SSAes128GCM || n == SSAes256GCM || n == ChaCha20Poly1305
}

// Passive unmarshals the config sub-record as a PassiveConfig.
func (c *ProtocolConf) Passive() (PassiveConfig, error) {
	var pc PassiveConfig
	if len(c.Config) == 0 {
		return pc, proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("%s: config sub-record is required", c.Name))
	}
	if err := json.Unmarshal(c.Config, &pc); err != nil {
		return pc, proxyerr.New(proxyerr.Config, "config: unmarshal passive config", err)
	}
	return pc, nil
}

// Active unmarshals the config sub-record as an ActiveConfig.
func (c *ProtocolConf) Active() (ActiveConfig, error) {
	var ac ActiveConfig
	if len(c.Config) == 0 {
		return ac, proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("%s: config sub-record is required", c.Name))
	}
	if err := json.Unmarshal(c.Config, &ac); err != nil {
		return ac, proxyerr.New(proxyerr.Config, "config: unmarshal active config", err)
	}
	return ac, nil
}

// RawActive unmarshals the config sub-record as a RawActiveConfig. An
// entirely absent sub-record is valid (raw active with no custom DNS).
func (c *ProtocolConf) RawActive() (RawActiveConfig, error) {
	var rc RawActiveConfig
	if len(c.Config) == 0 {
		return rc, nil
	}
	if err := json.Unmarshal(c.Config, &rc); err != nil {
		return rc, proxyerr.New(proxyerr.Config, "config: unmarshal raw config", err)
	}
	if rc.DNS != "" && net.ParseIP(rc.DNS) == nil {
		return rc, proxyerr.New(proxyerr.Config, "config: validate", fmt.Errorf("raw: dns %q is not a valid IPv4/IPv6 address", rc.DNS))
	}
	return rc, nil
}
