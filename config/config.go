// Package config loads driver configuration from a .env file and
// environment variables, in the same override order the rest of the
// project's tooling uses: .env first, then environment variables take
// precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/windin101/ali3922-tft-driver/transport"
)

// Config is the full set of driver-adjustable knobs, everything else being
// a spec-defined constant (wire formats, CDB layouts).
type Config struct {
	VendorID  uint16
	ProductID uint16

	EndpointOutAddr int
	EndpointInAddr  int

	Thresholds transport.Thresholds
	Timeouts   transport.Timeouts

	KeepAliveEnabled  bool
	KeepAliveInterval time.Duration

	// AutoReconnect opts Execute into a bounded-backoff reopen of the
	// device on DeviceGone instead of poisoning the handle permanently
	// (spec.md §4.6 step 1, §6).
	AutoReconnect bool

	APIAddr string
}

var (
	loaded    *Config
	envValues map[string]string
)

// Load reads .env (if present) and environment variables, overriding in
// that order, and returns the resulting Config. Subsequent calls return
// the same cached Config.
func Load() (*Config, error) {
	if loaded != nil {
		return loaded, nil
	}

	cfg := Default()

	root := findProjectRoot()
	envPath := filepath.Join(root, ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		envValues = parseEnvFile(string(data))
	} else {
		envValues = map[string]string{}
	}

	applyString("DISPLAY_VENDOR_ID", func(v string) error { return setHexUint16(&cfg.VendorID, v) })
	applyString("DISPLAY_PRODUCT_ID", func(v string) error { return setHexUint16(&cfg.ProductID, v) })
	applyString("DISPLAY_EP_OUT", func(v string) error { return setHexInt(&cfg.EndpointOutAddr, v) })
	applyString("DISPLAY_EP_IN", func(v string) error { return setHexInt(&cfg.EndpointInAddr, v) })
	applyString("DISPLAY_KEEPALIVE_ENABLED", func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		cfg.KeepAliveEnabled = b
		return nil
	})
	applyString("DISPLAY_KEEPALIVE_INTERVAL", func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		cfg.KeepAliveInterval = d
		return nil
	})
	applyString("DISPLAY_API_ADDR", func(v string) error { cfg.APIAddr = v; return nil })
	applyString("DISPLAY_AUTO_RECONNECT", func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		cfg.AutoReconnect = b
		return nil
	})

	loaded = cfg
	return cfg, nil
}

// Default returns the built-in configuration: the known 0x0402:0x3922
// device identity and the spec's default thresholds/timeouts/policy.
func Default() *Config {
	return &Config{
		VendorID:          transport.KnownVendorID,
		ProductID:         transport.KnownProductID,
		EndpointOutAddr:   transport.DefaultEndpointOutAddr,
		EndpointInAddr:    transport.DefaultEndpointInAddr,
		Thresholds:        transport.DefaultThresholds(),
		Timeouts:          transport.DefaultTimeouts(),
		KeepAliveEnabled:  true,
		KeepAliveInterval: 2 * time.Second,
		AutoReconnect:     false,
		APIAddr:           ":8088",
	}
}

func applyString(key string, set func(string) error) {
	value := envValues[key]
	if v := os.Getenv(key); v != "" {
		value = v
	}
	if value == "" {
		return
	}
	if err := set(value); err != nil {
		fmt.Fprintf(os.Stderr, "config: ignoring invalid %s=%q: %v\n", key, value, err)
	}
}

func setHexUint16(dst *uint16, v string) error {
	n, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 16)
	if err != nil {
		return err
	}
	*dst = uint16(n)
	return nil
}

func setHexInt(dst *int, v string) error {
	n, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 8)
	if err != nil {
		return err
	}
	*dst = int(n)
	return nil
}

func parseEnvFile(content string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		values[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return values
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
