// Package commands implements the pullsend command line.
package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pullsend/config"
	"pullsend/crypto"
	"pullsend/logging"
)

var (
	home     string
	logLevel string
	env      *environment
)

// environment is the per-invocation state built before any subcommand runs.
type environment struct {
	cfg      *config.DeviceConfig
	cfgPath  string
	dataDir  string
	identity crypto.Identity
	logger   *zap.Logger
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pullsend",
		Short:         "Encrypted peer to peer file transfer",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadEnvironment(home, logLevel)
			if err != nil {
				return err
			}
			env = loaded
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if env != nil {
				_ = env.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data directory (default per-user config dir, or $"+config.DataDirEnv+")")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(receiveCmd(), sendCmd(), peersCmd(), historyCmd())
	return root
}

func loadEnvironment(dataDir, level string) (*environment, error) {
	var (
		cfg     *config.DeviceConfig
		cfgPath string
		err     error
	)
	if dataDir != "" {
		cfg, cfgPath, err = config.LoadOrCreateIn(dataDir)
	} else {
		cfg, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	identity, err := crypto.LoadOrCreateIdentity(cfg.Ed25519PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	fingerprint := crypto.Fingerprint(identity.PublicKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	if level == "" {
		level = cfg.Transfer.LogLevel
	}
	logger, err := logging.New(logging.Config{Level: level, Format: "console"})
	if err != nil {
		return nil, err
	}

	return &environment{
		cfg:      cfg,
		cfgPath:  cfgPath,
		dataDir:  filepath.Dir(cfgPath),
		identity: identity,
		logger:   logger.With(zap.String("device_id", cfg.DeviceID)),
	}, nil
}
