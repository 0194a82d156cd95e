package store

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/model"
)

const (
	ConfigFileName = "config.enc"
	CertFileName   = "cert.der"
)

// Store persists the device configuration as one encrypted record plus an optional
// CA certificate kept in the clear.
type Store struct {
	configPath string
	certPath   string
	sealer     *sealer
}

// New keys the store from hwID, normally the device MAC.
func New(dir string, hwID []byte) (*Store, error) {
	s, err := newSealer(hwID)
	if err != nil {
		return nil, err
	}
	return &Store{
		configPath: filepath.Join(dir, ConfigFileName),
		certPath:   filepath.Join(dir, CertFileName),
		sealer:     s,
	}, nil
}

// Load always returns a usable config. When the record is missing or does not decode to a
// valid config the factory defaults are returned together with an error wrapping ErrCacheMiss.
func (s *Store) Load() (model.DeviceConfig, error) {
	data, err := os.ReadFile(s.configPath)
	if err != nil {
		return model.Defaults(), fmt.Errorf("%w: %w", ErrCacheMiss, err)
	}

	plaintext, err := s.sealer.open(data)
	if err != nil {
		return model.Defaults(), fmt.Errorf("%w: decrypt: %w", ErrCacheMiss, err)
	}

	cfg, err := decode(plaintext)
	if err != nil {
		return model.Defaults(), fmt.Errorf("%w: %w", ErrCacheMiss, err)
	}
	return cfg, nil
}

func (s *Store) Save(cfg model.DeviceConfig) error {
	plaintext, err := encode(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	sealed, err := s.sealer.seal(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt config: %w", err)
	}
	if err := writeAtomic(s.configPath, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	log.Debug().Str("path", s.configPath).Msg("Config saved")
	return nil
}

// Reset deletes the record; the next Load yields defaults.
func (s *Store) Reset() error {
	if err := os.Remove(s.configPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove config: %w", err)
	}
	log.Info().Str("path", s.configPath).Msg("Config reset")
	return nil
}

func (s *Store) HasCert() bool {
	info, err := os.Stat(s.certPath)
	return err == nil && info.Size() > 0
}

func (s *Store) LoadCert() ([]byte, error) {
	der, err := os.ReadFile(s.certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertLoad, err)
	}
	return der, nil
}

func (s *Store) SaveCert(der []byte) error {
	if _, err := x509.ParseCertificate(der); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCert, err)
	}
	if err := writeAtomic(s.certPath, der, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	log.Info().Int("bytes", len(der)).Msg("Certificate saved")
	return nil
}

func (s *Store) DeleteCert() error {
	if err := os.Remove(s.certPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove certificate: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmpPath := path + ".tmp"

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
