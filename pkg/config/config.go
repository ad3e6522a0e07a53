// Package config loads the relay's YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"snirelay.dev/snirelay/pkg/router"
	"snirelay.dev/snirelay/pkg/upstream"
)

const Version = 1

// Config is a validated configuration. Servers are sorted by name and
// Upstreams always contains the builtin targets.
type Config struct {
	Log       LogLevel
	Servers   []Server
	Upstreams map[string]upstream.Target
}

// Server is one named listener group.
type Server struct {
	Name   string
	Listen []string
	// TLS enables the sniff phase. Without it every connection goes to
	// Default and Rules are ignored.
	TLS     bool
	Rules   []router.Rule
	Default string

	// MaxClients bounds concurrent connections; 0 is unbounded.
	MaxClients int

	SendProxyProtocol   bool
	AcceptProxyProtocol bool

	Via *upstream.ProxyDescriptor
}

type fileConfig struct {
	Version  int                   `yaml:"version"`
	Log      string                `yaml:"log"`
	Servers  map[string]fileServer `yaml:"servers"`
	Upstream map[string]string     `yaml:"upstream"`
}

type fileServer struct {
	Listen              stringList `yaml:"listen"`
	TLS                 bool       `yaml:"tls"`
	SNI                 pairs      `yaml:"sni"`
	Default             string     `yaml:"default"`
	MaxClients          int        `yaml:"maxclients"`
	SendProxyProtocol   bool       `yaml:"send_proxy_protocol"`
	AcceptProxyProtocol bool       `yaml:"accept_proxy_protocol"`
	Via                 *fileVia   `yaml:"via"`
}

type fileVia struct {
	Addr    string `yaml:"addr"`
	Headers pairs  `yaml:"headers"`
}

// Load reads and validates the configuration at path. ${VAR} references
// are resolved from the process environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration document. lookupEnv
// resolves ${VAR} references.
func Parse(data []byte, lookupEnv func(string) (string, bool)) (*Config, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty document")
		}
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}

	if fc.Version != Version {
		return nil, fmt.Errorf("unsupported version %d, expected %d", fc.Version, Version)
	}
	level, err := ParseLogLevel(fc.Log)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Log:       level,
		Upstreams: upstream.Builtin(),
	}
	for name, raw := range fc.Upstream {
		if _, ok := cfg.Upstreams[name]; ok {
			return nil, fmt.Errorf("upstream %q: name is reserved for a builtin", name)
		}
		target, err := upstream.Parse(name, raw)
		if err != nil {
			return nil, err
		}
		cfg.Upstreams[name] = target
	}

	names := make([]string, 0, len(fc.Servers))
	for name := range fc.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	listenedBy := map[string]string{}
	used := map[string]bool{}
	for _, name := range names {
		srv, err := buildServer(name, fc.Servers[name], cfg.Upstreams, lookupEnv)
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		for _, addr := range srv.Listen {
			if other, ok := listenedBy[addr]; ok {
				return nil, fmt.Errorf("server %q: listen address %s is already used by server %q", name, addr, other)
			}
			listenedBy[addr] = name
		}
		used[srv.Default] = true
		for _, rule := range srv.Rules {
			used[rule.Target] = true
		}
		cfg.Servers = append(cfg.Servers, srv)
	}
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no servers configured")
	}

	for name := range fc.Upstream {
		if !used[name] {
			klog.Warningf("upstream %q is not used by any server", name)
		}
	}
	return cfg, nil
}

func buildServer(name string, fs fileServer, upstreams map[string]upstream.Target, lookupEnv func(string) (string, bool)) (Server, error) {
	srv := Server{
		Name:                name,
		Listen:              fs.Listen,
		TLS:                 fs.TLS,
		Default:             fs.Default,
		MaxClients:          fs.MaxClients,
		SendProxyProtocol:   fs.SendProxyProtocol,
		AcceptProxyProtocol: fs.AcceptProxyProtocol,
	}
	if len(srv.Listen) == 0 {
		return srv, errors.New("no listen address")
	}
	if srv.MaxClients < 0 {
		return srv, fmt.Errorf("maxclients must not be negative, got %d", srv.MaxClients)
	}
	if srv.Default == "" {
		srv.Default = upstream.BanName
	}
	if _, ok := upstreams[srv.Default]; !ok {
		return srv, fmt.Errorf("default upstream %q is not defined", srv.Default)
	}

	if fs.TLS {
		for _, p := range fs.SNI {
			if _, ok := upstreams[p.Value]; !ok {
				return srv, fmt.Errorf("sni %q: upstream %q is not defined", p.Key, p.Value)
			}
			srv.Rules = append(srv.Rules, router.Rule{Pattern: p.Key, Target: p.Value})
		}
		// surfaces bad patterns at load time
		if _, err := router.New(srv.Rules, srv.Default); err != nil {
			return srv, err
		}
	} else if len(fs.SNI) > 0 {
		klog.Warningf("server %q: sni rules are ignored because tls is not enabled", name)
	}

	if fs.Via != nil {
		via, err := buildVia(fs.Via, lookupEnv)
		if err != nil {
			return srv, fmt.Errorf("via: %w", err)
		}
		srv.Via = via
	}
	return srv, nil
}

func buildVia(fv *fileVia, lookupEnv func(string) (string, bool)) (*upstream.ProxyDescriptor, error) {
	addr, err := expand(fv.Addr, lookupEnv)
	if err != nil {
		return nil, err
	}
	if addr == "" {
		return nil, errors.New("addr is required")
	}
	via := &upstream.ProxyDescriptor{Addr: addr}
	for _, p := range fv.Headers {
		value, err := expand(p.Value, lookupEnv)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", p.Key, err)
		}
		if p.Key == "" || strings.ContainsAny(p.Key, " :\r\n") || strings.ContainsAny(value, "\r\n") {
			return nil, fmt.Errorf("invalid header %q", p.Key)
		}
		via.Headers = append(via.Headers, upstream.Header{Name: p.Key, Value: value})
	}
	return via, nil
}

// expand replaces ${VAR} and $VAR references. Unset variables are an error.
func expand(s string, lookupEnv func(string) (string, bool)) (string, error) {
	var missing []string
	out := os.Expand(s, func(name string) string {
		v, ok := lookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable %s is not set", strings.Join(missing, ", "))
	}
	return out, nil
}
