package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled      bool       `toml:"enabled" mapstructure:"enabled"`
	CertFile     string     `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string     `toml:"key_file" mapstructure:"key_file"`
	Dir          string     `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool       `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string     `toml:"min_version" mapstructure:"min_version"`
	MaxVersion   string     `toml:"max_version" mapstructure:"max_version"`
	AutoGen      AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

// AutoGenTLS tunes self-signed certificate generation.
type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// resolveTLSVersions resolves minimum and maximum TLS versions from cfg
func resolveTLSVersions(cfg Config) (min uint16, max uint16, err error) {
	// Defaults: 1.2 .. 1.3
	min = tls.VersionTLS12
	max = tls.VersionTLS13
	if cfg.MinVersion != "" {
		v, ok := parseTLSVersion(cfg.MinVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unknown TLS min_version %q", cfg.MinVersion)
		}
		min = v
	}
	if cfg.MaxVersion != "" {
		v, ok := parseTLSVersion(cfg.MaxVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unknown TLS max_version %q", cfg.MaxVersion)
		}
		max = v
	}
	if min > max {
		return 0, 0, errors.New("TLS min_version is above max_version")
	}
	return min, max, nil
}

// safeReadFile reads file content safely within base directory
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// getCertificationFunc returns a function that loads certificates on every
// handshake, so renewed files are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(filepath.Dir(keyFile), keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

// SetupTLS builds the server TLS config. It returns nil, nil when TLS is off.
func SetupTLS(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	minVer, maxVer, err := resolveTLSVersions(cfg)
	if err != nil {
		return nil, err
	}

	// Priority 1: Use specific cert/key files if provided
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return createTLSConfig(cfg.CertFile, cfg.KeyFile, minVer, maxVer)
	}

	// Priority 2: Use directory-based certificates
	if cfg.Dir != "" {
		keyPath := filepath.Join(cfg.Dir, tlsKey)
		certPath := filepath.Join(cfg.Dir, tlsCrt)

		if cfg.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(cfg.AutoGen, cfg.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}

		return createTLSConfig(certPath, keyPath, minVer, maxVer)
	}

	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

func getOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func getOrDefaultSlice(value, defaultValue []string) []string {
	if len(value) == 0 {
		return defaultValue
	}
	return value
}

// createTLSConfig creates TLS configuration with certificate files
func createTLSConfig(certPath, keyPath string, minVer, maxVer uint16) (*tls.Config, error) {
	if !certificatesExist(certPath, keyPath) {
		return nil, fmt.Errorf("certificate %s or key %s not found", filepath.Base(certPath), filepath.Base(keyPath))
	}
	// #nosec G402 TLS backward compatibility considered
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

// certificatesExist checks if both certificate files exist
func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

// generateCertificate generates a self-signed certificate into destDir
func generateCertificate(autoGen AutoGenTLS, destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	validDays := autoGen.ValidDays
	if validDays <= 0 {
		validDays = 365 // Default: 1 year
	}

	return GenerateSelfSignedCert(CertConfig{
		CommonName:   getOrDefault(autoGen.CommonName, "localhost"),
		Organization: getOrDefault(autoGen.Organization, "reportsink"),
		DNSNames:     getOrDefaultSlice(autoGen.DNSNames, []string{"localhost"}),
		IPAddresses:  getOrDefaultSlice(autoGen.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}
