package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/palisade/palisade/internal/rulelog"
)

type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("%d validation error(s)", len(v.Problems))
}

func (c *Config) Validate() error {
	v := &ValidationError{}

	if c.ConfigVersion != 1 {
		v.Add("configVersion must be 1")
	}

	if err := validateListen(c.Server.Listen); err != nil {
		v.Add("server.listen invalid: %v", err)
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			v.Add("server.tls.certFile required when tls.enabled is true")
		} else if err := requireFile(c.resolvePath(c.Server.TLS.CertFile)); err != nil {
			v.Add("server.tls.certFile invalid: %v", err)
		}
		if c.Server.TLS.KeyFile == "" {
			v.Add("server.tls.keyFile required when tls.enabled is true")
		} else if err := requireFile(c.resolvePath(c.Server.TLS.KeyFile)); err != nil {
			v.Add("server.tls.keyFile invalid: %v", err)
		}
	}

	if c.Metrics.Enabled {
		if err := validateListen(c.Metrics.Listen); err != nil {
			v.Add("metrics.listen invalid: %v", err)
		}
	}

	if len(c.Upstreams) == 0 {
		v.Add("upstreams requires at least one entry")
	}
	upstreamNames := map[string]struct{}{}
	for i, upstream := range c.Upstreams {
		if upstream.Name == "" {
			v.Add("upstreams[%d].name is required", i)
		} else if _, exists := upstreamNames[upstream.Name]; exists {
			v.Add("upstreams[%d].name %q is duplicated", i, upstream.Name)
		} else {
			upstreamNames[upstream.Name] = struct{}{}
		}

		if upstream.URL == "" {
			v.Add("upstreams[%d].url is required", i)
		} else if err := validateURL(upstream.URL); err != nil {
			v.Add("upstreams[%d].url invalid: %v", i, err)
		}
	}

	switch c.Engine.Mode {
	case "", ModeEnforce, ModeDetect:
	default:
		v.Add("engine.mode must be enforce|detect")
	}
	if c.Engine.BlockStatus != 0 && (c.Engine.BlockStatus < 100 || c.Engine.BlockStatus > 599) {
		v.Add("engine.blockStatus must be an HTTP status code")
	}
	switch c.Engine.BlockMode {
	case "", BlockModeAdvisory, BlockModePhase, BlockModeImmediate:
	default:
		v.Add("engine.blockMode must be advisory|phase|immediate")
	}
	if c.Engine.MaxBodyBytes < 0 {
		v.Add("engine.maxBodyBytes must be >= 0")
	}
	if _, unknown := rulelog.ParseParts(c.Engine.ExecLog.Parts); len(unknown) > 0 {
		v.Add("engine.execLog.parts has unknown parts: %s", strings.Join(unknown, ", "))
	}
	if c.Engine.ExecLog.Filter != "" {
		if _, ok := rulelog.ParseFilter(c.Engine.ExecLog.Filter); !ok {
			v.Add("engine.execLog.filter %q is unknown", c.Engine.ExecLog.Filter)
		}
	}

	for i, rf := range c.RuleFiles {
		if err := requireFile(c.resolvePath(rf)); err != nil {
			v.Add("ruleFiles[%d] invalid: %v", i, err)
		}
	}

	siteIDs := map[string]struct{}{}
	for i, site := range c.Sites {
		if site.ID == "" {
			v.Add("sites[%d].id is required", i)
		} else if _, exists := siteIDs[site.ID]; exists {
			v.Add("sites[%d].id %q is duplicated", i, site.ID)
		} else {
			siteIDs[site.ID] = struct{}{}
		}

		if site.Match.PathPrefix == "" {
			v.Add("sites[%d].match.pathPrefix is required", i)
		}
		if site.Upstream == "" {
			v.Add("sites[%d].upstream is required", i)
		} else if _, exists := upstreamNames[site.Upstream]; !exists {
			v.Add("sites[%d].upstream %q does not exist", i, site.Upstream)
		}
		for j, rf := range site.RuleFiles {
			if err := requireFile(c.resolvePath(rf)); err != nil {
				v.Add("sites[%d].ruleFiles[%d] invalid: %v", i, j, err)
			}
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RPS <= 0 {
			v.Add("rateLimit.rps must be > 0")
		}
		if c.RateLimit.Burst <= 0 {
			v.Add("rateLimit.burst must be > 0")
		}
	}
	switch c.RateLimit.Key {
	case "", RateKeyIP, RateKeyIPPath:
	default:
		v.Add("rateLimit.key must be ip|ip_path")
	}
	if c.RateLimit.StatusCode != 0 && (c.RateLimit.StatusCode < 100 || c.RateLimit.StatusCode > 599) {
		v.Add("rateLimit.statusCode must be an HTTP status code")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		v.Add("logging.level must be debug|info|warn|error")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		v.Add("logging.format must be json|console")
	}

	if len(v.Problems) > 0 {
		sort.Strings(v.Problems)
		return v
	}
	return nil
}

func validateListen(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("address is required")
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return err
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("must include scheme and host")
	}
	return nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}
