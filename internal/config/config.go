// Package config loads the bridge preference file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/etherbridge/internal/backend"
)

// Prefs holds everything the bridge reads from its preference file. All
// fields are optional; the zero value selects the raw packet device with no
// interface name, which Open rejects.
type Prefs struct {
	// Ether selects the transport: "tap<N>", "tun", "slirp", an "amqp://"
	// URL, or the name of a host interface attached to the raw packet
	// device.
	Ether string `yaml:"ether,omitempty"`

	// EtherConfig is the TUN/TAP up/down script path. Empty means the
	// installation default.
	EtherConfig string `yaml:"etherconfig,omitempty"`

	// Redirects lists NAT redirect rules, one per entry, in the
	// [udp:|tcp:]hostport:[guestaddr]:guestport form.
	Redirects []string `yaml:"redir,omitempty"`

	// NoNet disables networking entirely; the bridge refuses to open.
	NoNet bool `yaml:"nonet,omitempty"`

	// PCAP names a capture file for received frames. Empty disables capture.
	PCAP string `yaml:"pcap,omitempty"`
}

// Load reads a preference file from disk.
func Load(path string) (Prefs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Prefs{}, fmt.Errorf("read preferences: %w", err)
	}
	var p Prefs
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Prefs{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

// BackendConfig extracts the transport selection input.
func (p Prefs) BackendConfig() backend.Config {
	return backend.Config{
		Ether:      p.Ether,
		ScriptPath: p.EtherConfig,
		Redirects:  p.Redirects,
	}
}
