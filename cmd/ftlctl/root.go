package main

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/ftl"
	"github.com/outofforest/ftl/blocks"
	"github.com/outofforest/ftl/config"
	"github.com/outofforest/ftl/pkg/filedev"
)

type options struct {
	image      string
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "ftlctl",
		Short:        "Inspect and modify NAND images managed by the flash translation layer",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.image, "image", "nand.img", "path to the NAND image file")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level overriding the configuration")

	root.AddCommand(
		newFormatCommand(opts),
		newInfoCommand(opts),
		newWriteCommand(opts),
		newReadCommand(opts),
		newReleaseCommand(opts),
		newDefragCommand(opts),
		newAuditCommand(opts),
		newCheckCommand(opts),
		newMapCommand(opts),
	)
	return root
}

func (o *options) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		cfg, err = config.Load(o.configPath)
		if err != nil {
			return config.Config{}, err
		}
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

type session struct {
	dev    *filedev.FileDev
	engine *ftl.Engine
	log    *zap.Logger
}

// open opens the image and initializes the engine on top of it.
func (o *options) open(create, format bool) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}

	var dev *filedev.FileDev
	if create {
		dev, err = filedev.Create(o.image, cfg.BlockGeometry())
	} else {
		dev, err = filedev.Open(o.image, cfg.BlockGeometry())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %q failed", o.image)
	}

	engine, err := ftl.Initialize(dev, format, cfg.EngineConfig(log))
	if err != nil {
		return nil, multierr.Append(err, dev.Close())
	}

	return &session{
		dev:    dev,
		engine: engine,
		log:    log,
	}, nil
}

func (s *session) Close() error {
	err := s.dev.Close()
	_ = s.log.Sync()
	return err
}

// run opens the session, executes the function and closes the session.
func (o *options) run(fn func(s *session) error) (retErr error) {
	s, err := o.open(false, false)
	if err != nil {
		return err
	}
	defer func() {
		retErr = multierr.Append(retErr, s.Close())
	}()

	return fn(s)
}

func parseSector(arg string) (blocks.Sector, error) {
	v, err := strconv.ParseUint(arg, 0, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid sector %q", arg)
	}
	if v > uint64(blocks.MaxSector) {
		return 0, errors.Errorf("sector %d exceeds maximum %d", v, blocks.MaxSector)
	}
	return blocks.Sector(v), nil
}
