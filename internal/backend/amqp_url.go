package backend

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Broker connection defaults. The port default is the AMQPS port regardless
// of scheme, matching the historical behavior of this transport.
const (
	defaultBrokerUser     = "guest"
	defaultBrokerPassword = "guest"
	defaultBrokerHost     = "localhost"
	defaultBrokerPort     = 5671
	defaultBrokerVHost    = "/"
	defaultExchange       = "appleshare"
)

// brokerConfig is the parsed form of the message-bus connection URL:
//
//	amqp[s]://[user[:password]@]host[:port][/vhost][?exchange]
type brokerConfig struct {
	TLS      bool
	User     string
	Password string
	Host     string
	Port     int
	VHost    string
	Exchange string
}

// parseBrokerURL decodes the connection URL, applying defaults for every
// omitted component.
func parseBrokerURL(raw string) (brokerConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return brokerConfig{}, fmt.Errorf("broker url %q: %w", raw, err)
	}

	cfg := brokerConfig{
		User:     defaultBrokerUser,
		Password: defaultBrokerPassword,
		Host:     defaultBrokerHost,
		Port:     defaultBrokerPort,
		VHost:    defaultBrokerVHost,
		Exchange: defaultExchange,
	}

	switch u.Scheme {
	case "amqp":
	case "amqps":
		cfg.TLS = true
	default:
		return brokerConfig{}, fmt.Errorf("broker url %q: scheme must be amqp or amqps", raw)
	}

	if user := u.User; user != nil {
		if name := user.Username(); name != "" {
			cfg.User = name
		}
		if pw, ok := user.Password(); ok && pw != "" {
			cfg.Password = pw
		}
	}

	if host := u.Hostname(); host != "" {
		cfg.Host = host
	}
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return brokerConfig{}, fmt.Errorf("broker url %q: bad port %q", raw, portStr)
		}
		cfg.Port = port
	}

	if vhost := strings.TrimPrefix(u.Path, "/"); vhost != "" {
		cfg.VHost = vhost
	}

	// The exchange rides in the query string as a bare word.
	if u.RawQuery != "" {
		cfg.Exchange = u.RawQuery
	}

	return cfg, nil
}

// dialURL renders the config back into a canonical AMQP URI for the client
// library, without the exchange component.
func (c brokerConfig) dialURL() string {
	scheme := "amqp"
	if c.TLS {
		scheme = "amqps"
	}
	vhost := c.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		scheme,
		url.QueryEscape(c.User), url.QueryEscape(c.Password),
		c.Host, c.Port,
		url.PathEscape(vhost),
	)
}
