// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/minermesh/minerpool/consensus"
	"github.com/minermesh/minerpool/lease"
	"github.com/minermesh/minerpool/ledger"
	"github.com/minermesh/minerpool/payout"
	"github.com/minermesh/minerpool/pool"
	"github.com/minermesh/minerpool/settlement"
)

const (
	defaultConfigFilename = "minerpool.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultSpoolDirname   = "spool"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultPoolPort       = 5501
	defaultMetricsPort    = 2112
)

var (
	defaultPoolDir    = appDataDir("minerpool")
	defaultConfigFile = filepath.Join(defaultPoolDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultPoolDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultPoolDir, defaultLogDirname)
	defaultSpoolDir   = filepath.Join(defaultPoolDir, defaultSpoolDirname)
)

// Config defines the configuration options for the miner pool.
//
// See loadConfig for further details regarding the
// configuration loading+parsing process.
type Config struct {
	PoolDir        string `long:"pooldir" description:"The base directory that contains the pool's data, logs, configuration file, etc."`
	ConfigFile     string `short:"c" long:"configfile" description:"Path to configuration file"`
	DataDir        string `short:"b" long:"datadir" description:"The directory to store the pool's databases within"`
	LogDir         string `long:"logdir" description:"Directory to log output."`
	SpoolDir       string `long:"spooldir" description:"Directory where uploaded gradient artifacts are spooled"`
	DebugLog       bool   `long:"debuglog" description:"Enable debug logs"`
	JSONLog        bool   `long:"jsonlog" description:"Whether to log in JSON format"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	RawPoolListener    string `short:"l" long:"poollisten" description:"The interface/port to listen for miner connections"`
	RawMetricsListener string `short:"m" long:"metricslisten" description:"The interface/port to expose prometheus metrics on (empty to disable)"`
	PoolListener       net.Addr
	MetricsListener    net.Addr

	PoolWallet   string `long:"pool-wallet" description:"Wallet address receiving upstream chain income for the pool"`
	RewardWallet string `long:"reward-wallet" description:"Wallet address credited with the pool owner's share"`
	RegistryURL  string `long:"registry-url" description:"HTTP endpoint listing active validator peers"`
	ChainAPIURL  string `long:"chain-api-url" description:"Base URL of the chain node's HTTP API"`
	ManifestURL  string `long:"manifest-url" description:"HTTP endpoint serving the shard manifest of the next job (empty to disable polling)"`
	MergeURL     string `long:"merge-url" description:"HTTP endpoint of the artifact merge service"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile    string `long:"profile" description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`

	Lease      *lease.Config      `group:"Lease" namespace:"lease"`
	Ledger     *ledger.Config     `group:"Ledger" namespace:"ledger"`
	Payout     *payout.Config     `group:"Payout" namespace:"payout"`
	Consensus  *consensus.Config  `group:"Consensus" namespace:"consensus"`
	Settlement *settlement.Config `group:"Settlement" namespace:"settlement"`
	Pool       *pool.Config       `group:"Pool" namespace:"pool"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	leaseCfg := lease.DefaultConfig()
	ledgerCfg := ledger.DefaultConfig()
	payoutCfg := payout.DefaultConfig()
	consensusCfg := consensus.DefaultConfig()
	settlementCfg := settlement.DefaultConfig()
	poolCfg := pool.DefaultConfig()
	return &Config{
		PoolDir:            defaultPoolDir,
		ConfigFile:         defaultConfigFile,
		DataDir:            defaultDataDir,
		LogDir:             defaultLogDir,
		SpoolDir:           defaultSpoolDir,
		MaxLogFiles:        defaultMaxLogFiles,
		MaxLogFileSize:     defaultMaxLogFileSize,
		RawPoolListener:    fmt.Sprintf("localhost:%d", defaultPoolPort),
		RawMetricsListener: fmt.Sprintf("localhost:%d", defaultMetricsPort),
		ChainAPIURL:        "http://127.0.0.1:3006",
		Lease:              &leaseCfg,
		Ledger:             &ledgerCfg,
		Payout:             &payoutCfg,
		Consensus:          &consensusCfg,
		Settlement:         &settlementCfg,
		Pool:               &poolCfg,
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads values from a conf file.
func ReadConfigFile(preCfg *Config) (*Config, error) {
	preCfg.PoolDir = cleanAndExpandPath(preCfg.PoolDir)
	preCfg.ConfigFile = cleanAndExpandPath(preCfg.ConfigFile)
	if preCfg.PoolDir != defaultPoolDir {
		if preCfg.ConfigFile == defaultConfigFile {
			preCfg.ConfigFile = filepath.Join(
				preCfg.PoolDir, defaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	cfg := preCfg
	if err := flags.IniParse(preCfg.ConfigFile, cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the Config
		// file doesn't exist which is OK.
		var iniError *flags.IniError
		if errors.As(err, &iniError) {
			return nil, err
		}
	}

	return cfg, nil
}

// SetupConfig initializes filesystem and network infrastructure.
func SetupConfig(cfg *Config) (*Config, error) {
	// If the provided pool directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	if cfg.PoolDir != defaultPoolDir {
		cfg.DataDir = filepath.Join(cfg.PoolDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(cfg.PoolDir, defaultLogDirname)
		cfg.SpoolDir = filepath.Join(cfg.PoolDir, defaultSpoolDirname)
	}

	// Create the pool directory if it doesn't already exist.
	if err := os.MkdirAll(cfg.PoolDir, 0o700); err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		var pathError *fs.PathError
		if errors.As(err, &pathError) && os.IsExist(err) {
			if link, lerr := os.Readlink(pathError.Path); lerr == nil {
				err = fmt.Errorf("is symlink %s -> %s mounted?", pathError.Path, link)
			}
		}
		return nil, fmt.Errorf("failed to create pool directory: %w", err)
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.SpoolDir = cleanAndExpandPath(cfg.SpoolDir)

	// Resolve the miner protocol listener.
	addr, err := net.ResolveTCPAddr("tcp", cfg.RawPoolListener)
	if err != nil {
		return nil, err
	}
	cfg.PoolListener = addr

	// Resolve the metrics listener.
	if cfg.RawMetricsListener != "" {
		addr, err = net.ResolveTCPAddr("tcp", cfg.RawMetricsListener)
		if err != nil {
			return nil, err
		}
		cfg.MetricsListener = addr
	}

	return cfg, nil
}

// appDataDir returns an OS-specific home for the pool's state, in the
// style of btcd's application data directory.
func appDataDir(appName string) string {
	homeDir := os.Getenv("HOME")
	if usr, err := user.Current(); err == nil {
		homeDir = usr.HomeDir
	}
	if homeDir == "" {
		return "."
	}
	return filepath.Join(homeDir, "."+appName)
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
