package instancecfg

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gluk-w/portdash/internal/connerr"
)

// Validate checks the structural validity of cfg for an instance of type typ.
// It never performs I/O. A failure is a connerr validation error.
func Validate(typ Type, cfg map[string]any) error {
	if err := validate(typ, cfg); err != nil {
		return connerr.New(connerr.KindValidation, "validate "+string(typ)+" config", err)
	}
	return nil
}

// IsValid is the boolean form of Validate.
func IsValid(typ Type, cfg map[string]any) bool {
	return Validate(typ, cfg) == nil
}

func validate(typ Type, cfg map[string]any) error {
	if cfg == nil {
		return fmt.Errorf("configuration is empty")
	}
	switch typ {
	case TypeDocker:
		return validateDocker(cfg)
	case TypePortainer:
		if err := validateURL(cfg); err != nil {
			return err
		}
		if String(cfg, KeyAPIKey) == "" {
			return fmt.Errorf("%s is required", KeyAPIKey)
		}
		return nil
	case TypeKomodo:
		if err := validateURL(cfg); err != nil {
			return err
		}
		if String(cfg, KeyAPIKey) == "" || String(cfg, KeyAPISecret) == "" {
			return fmt.Errorf("%s and %s are required", KeyAPIKey, KeyAPISecret)
		}
		return nil
	}
	return fmt.Errorf("unknown instance type %q", typ)
}

func validateDocker(cfg map[string]any) error {
	if ct := String(cfg, KeyConnectionType); ct != "" {
		switch Transport(strings.ToLower(ct)) {
		case TransportSocket, TransportSSH, TransportTCP:
		default:
			return fmt.Errorf("unknown %s %q", KeyConnectionType, ct)
		}
	}

	switch ResolveTransport(cfg) {
	case TransportSocket:
		_, err := ParseSocket(cfg)
		return err
	case TransportSSH:
		_, err := ParseSSH(cfg)
		return err
	case TransportTCP:
		return validateTCP(cfg)
	}
	return nil
}

func validateTCP(cfg map[string]any) error {
	host := String(cfg, KeyHost)
	if host == "" {
		return fmt.Errorf("tcp host is required")
	}
	if isURI(host) {
		u, err := url.Parse(host)
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("invalid tcp URI %q", host)
		}
		return nil
	}

	_, embedded, err := splitHostPort(host)
	if err != nil {
		return fmt.Errorf("tcp host %q: %w", host, err)
	}
	if embedded == 0 {
		port, present, err := Int(cfg, KeyPort)
		if err != nil {
			return err
		}
		if !present {
			return fmt.Errorf("%s is required when host is not a URI", KeyPort)
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("tcp port %d out of range", port)
		}
	}
	_, err = ParseTCP(cfg)
	return err
}

func validateURL(cfg map[string]any) error {
	raw := String(cfg, KeyURL)
	if raw == "" {
		return fmt.Errorf("%s is required", KeyURL)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an http(s) URL, got %q", KeyURL, raw)
	}
	return nil
}

// ValidateScanInterval enforces the minimum scan interval in seconds.
func ValidateScanInterval(seconds int) error {
	if seconds < MinScanInterval {
		return connerr.Newf(connerr.KindValidation, "validate scan interval",
			"scan interval must be at least %d seconds, got %d", MinScanInterval, seconds)
	}
	return nil
}
