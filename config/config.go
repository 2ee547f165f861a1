package config

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/ftl"
	"github.com/outofforest/ftl/blocks"
)

// Log formats.
const (
	ConsoleFormat = "console"
	JSONFormat    = "json"
)

// Config is the configuration of the tools operating on NAND image.
type Config struct {
	Geometry Geometry `yaml:"geometry"`
	Engine   Engine   `yaml:"engine"`
	Log      Log      `yaml:"log"`
}

// Geometry describes the NAND device.
type Geometry struct {
	PageDataSize  int `yaml:"pageDataSize"`
	SpareSize     int `yaml:"spareSize"`
	PagesPerBlock int `yaml:"pagesPerBlock"`
	Blocks        int `yaml:"blocks"`
}

// Engine tunes the translation layer.
type Engine struct {
	CacheCapacity  int  `yaml:"cacheCapacity"`
	LowWaterBlocks int  `yaml:"lowWaterBlocks"`
	SectorCount    int  `yaml:"sectorCount"`
	VerifyReads    bool `yaml:"verifyReads"`
}

// Log configures the logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() Config {
	engine := ftl.DefaultConfig()
	return Config{
		Geometry: Geometry{
			PageDataSize:  blocks.DefaultGeometry.PageDataSize,
			SpareSize:     blocks.DefaultGeometry.SpareSize,
			PagesPerBlock: blocks.DefaultGeometry.PagesPerBlock,
			Blocks:        blocks.DefaultGeometry.Blocks,
		},
		Engine: Engine{
			CacheCapacity:  engine.CacheCapacity,
			LowWaterBlocks: engine.LowWaterBlocks,
		},
		Log: Log{
			Level:  zapcore.InfoLevel.String(),
			Format: ConsoleFormat,
		},
	}
}

// Load reads configuration from the YAML file. Missing keys keep their default values.
func Load(path string) (Config, error) {
	config := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.WithStack(err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrapf(err, "decoding config file %q failed", path)
	}

	if err := config.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "invalid config file %q", path)
	}
	return config, nil
}

// Validate verifies the configuration.
func (c Config) Validate() error {
	if err := c.BlockGeometry().Validate(); err != nil {
		return err
	}

	switch {
	case c.Engine.CacheCapacity <= 0 || c.Engine.CacheCapacity > int(blocks.MaxSector)+1:
		return errors.Errorf("invalid cache capacity: %d", c.Engine.CacheCapacity)
	case c.Engine.LowWaterBlocks < 0:
		return errors.Errorf("invalid low-water mark: %d", c.Engine.LowWaterBlocks)
	case c.Engine.SectorCount < 0 || c.Engine.SectorCount > int(blocks.MaxSector)+1:
		return errors.Errorf("invalid sector count: %d", c.Engine.SectorCount)
	case c.Log.Format != ConsoleFormat && c.Log.Format != JSONFormat:
		return errors.Errorf("invalid log format: %q", c.Log.Format)
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// BlockGeometry returns the geometry of the device.
func (c Config) BlockGeometry() blocks.Geometry {
	return blocks.Geometry{
		PageDataSize:  c.Geometry.PageDataSize,
		SpareSize:     c.Geometry.SpareSize,
		PagesPerBlock: c.Geometry.PagesPerBlock,
		Blocks:        c.Geometry.Blocks,
	}
}

// EngineConfig returns the configuration of the engine.
func (c Config) EngineConfig(log *zap.Logger) ftl.Config {
	return ftl.Config{
		CacheCapacity:  c.Engine.CacheCapacity,
		LowWaterBlocks: c.Engine.LowWaterBlocks,
		SectorCount:    c.Engine.SectorCount,
		VerifyReads:    c.Engine.VerifyReads,
		Logger:         log,
	}
}

// NewLogger creates logger writing to stderr.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var zapConfig zap.Config
	if c.Log.Format == JSONFormat {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.DisableStacktrace = true

	log, err := zapConfig.Build()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return log, nil
}
