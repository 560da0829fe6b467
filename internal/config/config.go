package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/NamanBalaji/swarmshare/internal/errors"
)

const (
	configDirName  = "swarmshare"
	configFileName = "config.yaml"
)

// Config holds the configuration options for a peer.
type Config struct {
	Common *CommonConfig `yaml:"common,omitempty"`
	Peers  []PeerConfig  `yaml:"peers,omitempty"`
}

// CommonConfig holds the settings every peer in the swarm shares.
type CommonConfig struct {
	PreferredNeighbors          int           `yaml:"preferredNeighbors,omitempty"`
	UnchokingInterval           time.Duration `yaml:"unchokingInterval,omitempty"`
	OptimisticUnchokingInterval time.Duration `yaml:"optimisticUnchokingInterval,omitempty"`
	PollInterval                time.Duration `yaml:"pollInterval,omitempty"`
	FileName                    string        `yaml:"fileName,omitempty"`
	FileSize                    int64         `yaml:"fileSize,omitempty"`
	PieceSize                   int64         `yaml:"pieceSize,omitempty"`
	MaxUploadRate               int64         `yaml:"maxUploadRate,omitempty"`
	RequeueOnDisconnect         bool          `yaml:"requeueOnDisconnect,omitempty"`
	RechokeOptimistic           bool          `yaml:"rechokeOptimistic,omitempty"`
	WorkDir                     string        `yaml:"workDir,omitempty"`
	Journal                     string        `yaml:"journal,omitempty"`
}

// PeerConfig is one line of the peer list.
type PeerConfig struct {
	ID      uint32 `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	HasFile bool   `yaml:"hasFile,omitempty"`
}

// Path returns the default config file location.
func Path() string {
	return filepath.Join(xdg.ConfigHome, configDirName, configFileName)
}

// GetConfig reads the configuration file at the default location.
// If the file does not exist, it returns the default configuration.
func GetConfig() (*Config, error) {
	return Load(Path())
}

// Load reads the YAML configuration at path, filling unset fields with
// defaults. A missing or empty file yields the defaults.
func Load(path string) (*Config, error) {
	defaults := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	return &Config{
		Common: withDefaults(cfg.Common),
		Peers:  cfg.Peers,
	}, nil
}

// withDefaults returns a copy of c with zero fields set to defaults.
func withDefaults(c *CommonConfig) *CommonConfig {
	def := DefaultConfig().Common
	c = zeroOr(c, def)

	return &CommonConfig{
		PreferredNeighbors:          zeroOr(c.PreferredNeighbors, def.PreferredNeighbors),
		UnchokingInterval:           zeroOr(c.UnchokingInterval, def.UnchokingInterval),
		OptimisticUnchokingInterval: zeroOr(c.OptimisticUnchokingInterval, def.OptimisticUnchokingInterval),
		PollInterval:                zeroOr(c.PollInterval, def.PollInterval),
		FileName:                    zeroOr(c.FileName, def.FileName),
		FileSize:                    c.FileSize,
		PieceSize:                   zeroOr(c.PieceSize, def.PieceSize),
		MaxUploadRate:               c.MaxUploadRate,
		RequeueOnDisconnect:         c.RequeueOnDisconnect,
		RechokeOptimistic:           c.RechokeOptimistic,
		WorkDir:                     zeroOr(c.WorkDir, def.WorkDir),
		Journal:                     zeroOr(c.Journal, def.Journal),
	}
}

func DefaultConfig() Config {
	return Config{
		Common: &CommonConfig{
			PreferredNeighbors:          preferredNeighbors,
			UnchokingInterval:           unchokingInterval,
			OptimisticUnchokingInterval: optimisticUnchokingInterval,
			PollInterval:                pollInterval,
			FileName:                    fileName,
			PieceSize:                   pieceSize,
			WorkDir:                     workDir,
			Journal:                     journalPath,
		},
	}
}

// LoadLegacy builds a Config from a Common.cfg and a PeerInfo.cfg.
func LoadLegacy(commonPath, peerInfoPath string) (*Config, error) {
	common, err := LoadCommon(commonPath)
	if err != nil {
		return nil, err
	}

	peers, err := LoadPeerInfo(peerInfoPath)
	if err != nil {
		return nil, err
	}

	return &Config{Common: common, Peers: peers}, nil
}

// LoadCommon reads a Common.cfg file of "Key Value" lines. Intervals are
// given in whole seconds.
func LoadCommon(path string) (*CommonConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseCommon(f)
}

// ParseCommon parses Common.cfg content.
func ParseCommon(r io.Reader) (*CommonConfig, error) {
	var c CommonConfig

	err := scanLines(r, func(lineNo int, fields []string) error {
		if len(fields) != 2 {
			return fmt.Errorf("line %d: expected key and value, got %q", lineNo, strings.Join(fields, " "))
		}

		key, val := fields[0], fields[1]

		switch key {
		case "NumberOfPreferredNeighbors":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("line %d: %s: %w", lineNo, key, err)
			}

			c.PreferredNeighbors = n
		case "UnchokingInterval", "OptimisticUnchokingInterval":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("line %d: %s: %w", lineNo, key, err)
			}

			if key == "UnchokingInterval" {
				c.UnchokingInterval = time.Duration(n) * time.Second
			} else {
				c.OptimisticUnchokingInterval = time.Duration(n) * time.Second
			}
		case "FileName":
			c.FileName = val
		case "FileSize", "PieceSize":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fmt.Errorf("line %d: %s: %w", lineNo, key, err)
			}

			if key == "FileSize" {
				c.FileSize = n
			} else {
				c.PieceSize = n
			}
		default:
			return fmt.Errorf("line %d: unknown key %q", lineNo, key)
		}

		return nil
	})
	if err != nil {
		return nil, errors.NewConfigError(err, "Common.cfg")
	}

	return withDefaults(&c), nil
}

// LoadPeerInfo reads a PeerInfo.cfg file of "id host port hasFile" lines.
func LoadPeerInfo(path string) ([]PeerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParsePeerInfo(f)
}

// ParsePeerInfo parses PeerInfo.cfg content.
func ParsePeerInfo(r io.Reader) ([]PeerConfig, error) {
	var peers []PeerConfig

	err := scanLines(r, func(lineNo int, fields []string) error {
		if len(fields) != 4 {
			return fmt.Errorf("line %d: expected 4 fields, got %d", lineNo, len(fields))
		}

		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return fmt.Errorf("line %d: peer id: %w", lineNo, err)
		}

		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("line %d: port: %w", lineNo, err)
		}

		peers = append(peers, PeerConfig{
			ID:      uint32(id),
			Host:    fields[1],
			Port:    port,
			HasFile: fields[3] == "1",
		})

		return nil
	})
	if err != nil {
		return nil, errors.NewConfigError(err, "PeerInfo.cfg")
	}

	return peers, nil
}

// scanLines calls fn with the fields of every non-blank line that does
// not start with '#'.
func scanLines(r io.Reader, fn func(lineNo int, fields []string) error) error {
	sc := bufio.NewScanner(r)
	lineNo := 0

	for sc.Scan() {
		lineNo++

		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if err := fn(lineNo, strings.Fields(line)); err != nil {
			return err
		}
	}

	return sc.Err()
}

// Validate checks that the configuration can drive a swarm.
func (c *Config) Validate() error {
	if c.Common == nil {
		return errors.NewConfigError(errors.New("missing common section"), "common")
	}

	checks := []struct {
		ok    bool
		field string
		msg   string
	}{
		{c.Common.FileSize > 0, "fileSize", "must be positive"},
		{c.Common.PieceSize > 0, "pieceSize", "must be positive"},
		{c.Common.PreferredNeighbors >= 1, "preferredNeighbors", "must be at least 1"},
		{c.Common.UnchokingInterval > 0, "unchokingInterval", "must be positive"},
		{c.Common.OptimisticUnchokingInterval > 0, "optimisticUnchokingInterval", "must be positive"},
		{c.Common.MaxUploadRate >= 0, "maxUploadRate", "must not be negative"},
		{c.Common.FileName != "", "fileName", "must be set"},
		{len(c.Peers) > 0, "peers", "must list at least one peer"},
	}

	for _, chk := range checks {
		if !chk.ok {
			return errors.NewConfigError(errors.New(chk.msg), chk.field)
		}
	}

	seen := make(map[uint32]bool, len(c.Peers))
	for _, p := range c.Peers {
		if seen[p.ID] {
			return errors.NewConfigError(fmt.Errorf("duplicate peer id %d", p.ID), "peers")
		}

		if p.Port <= 0 || p.Port > 65535 {
			return errors.NewConfigError(fmt.Errorf("peer %d has invalid port %d", p.ID, p.Port), "peers")
		}

		seen[p.ID] = true
	}

	return nil
}

// Peer returns the entry for id.
func (c *Config) Peer(id uint32) (PeerConfig, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p, true
		}
	}

	return PeerConfig{}, false
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
