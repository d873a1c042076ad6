// Package config loads and validates the adapter's process-wide settings
// from the YAML configuration file.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// SCP holds the inbound DIMSE settings.
type SCP struct {
	Port                         int
	MaximumNumberOfAssociations  int
	VerificationEnabled          bool
	VerificationTransferSyntaxes []string
	LogDimseDatasets             bool
	RejectUnknownSources         bool
}

// Export holds the export pipeline settings.
type Export struct {
	MaximumRetries   int
	FailureThreshold float64
	PollFrequency    time.Duration
}

// SCU holds the outbound DIMSE settings.
type SCU struct {
	AETitle                     string
	MaximumNumberOfAssociations int
	Export                      Export
}

// Storage holds the staging area settings.
type Storage struct {
	Temporary      string
	MinStoreBytes  uint64
	MinExportBytes uint64
}

// Config is the process-wide configuration, loaded once at startup.
type Config struct {
	SCP     SCP
	SCU     SCU
	Storage Storage
	DBURI   string
}

// Load reads the recognized options out of a viper instance, applying
// defaults for any option the file omits.
func Load(cfg *viper.Viper) (*Config, error) {
	cfg.SetDefault("scp.port", 104)
	cfg.SetDefault("scp.maximumNumberOfAssociations", 25)
	cfg.SetDefault("scp.verification.enabled", true)
	cfg.SetDefault("scp.verification.transferSyntaxes", []string{
		"1.2.840.10008.1.2.1", // Explicit VR Little Endian
		"1.2.840.10008.1.2",   // Implicit VR Little Endian
	})
	cfg.SetDefault("scu.aeTitle", "ClaraSCU")
	cfg.SetDefault("scu.maximumNumberOfAssociations", 8)
	cfg.SetDefault("scu.export.maximumRetries", 3)
	cfg.SetDefault("scu.export.failureThreshold", 0.5)
	cfg.SetDefault("scu.export.pollFrequencyMs", 1000)
	cfg.SetDefault("storage.temporary", "/payloads")
	cfg.SetDefault("storage.minimumAvailableBytes.store", 5*1024*1024*1024)
	cfg.SetDefault("storage.minimumAvailableBytes.export", 1*1024*1024*1024)

	c := &Config{
		SCP: SCP{
			Port:                         cfg.GetInt("scp.port"),
			MaximumNumberOfAssociations:  cfg.GetInt("scp.maximumNumberOfAssociations"),
			VerificationEnabled:          cfg.GetBool("scp.verification.enabled"),
			VerificationTransferSyntaxes: cfg.GetStringSlice("scp.verification.transferSyntaxes"),
			LogDimseDatasets:             cfg.GetBool("scp.logDimseDatasets"),
			RejectUnknownSources:         cfg.GetBool("scp.rejectUnknownSources"),
		},
		SCU: SCU{
			AETitle:                     cfg.GetString("scu.aeTitle"),
			MaximumNumberOfAssociations: cfg.GetInt("scu.maximumNumberOfAssociations"),
			Export: Export{
				MaximumRetries:   cfg.GetInt("scu.export.maximumRetries"),
				FailureThreshold: cfg.GetFloat64("scu.export.failureThreshold"),
				PollFrequency:    time.Duration(cfg.GetInt("scu.export.pollFrequencyMs")) * time.Millisecond,
			},
		},
		Storage: Storage{
			Temporary:      cfg.GetString("storage.temporary"),
			MinStoreBytes:  cfg.GetUint64("storage.minimumAvailableBytes.store"),
			MinExportBytes: cfg.GetUint64("storage.minimumAvailableBytes.export"),
		},
		DBURI: cfg.GetString("db.uri"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every option against its documented range.
func (c *Config) Validate() error {
	if c.SCP.Port < 1 || c.SCP.Port > 65535 {
		return errors.Errorf("scp.port %d out of range 1-65535", c.SCP.Port)
	}
	if c.SCP.MaximumNumberOfAssociations < 1 || c.SCP.MaximumNumberOfAssociations > 1000 {
		return errors.Errorf("scp.maximumNumberOfAssociations %d out of range 1-1000", c.SCP.MaximumNumberOfAssociations)
	}
	if err := ValidateAETitle(c.SCU.AETitle); err != nil {
		return errors.Wrap(err, "scu.aeTitle")
	}
	if c.SCU.MaximumNumberOfAssociations < 1 || c.SCU.MaximumNumberOfAssociations > 1000 {
		return errors.Errorf("scu.maximumNumberOfAssociations %d out of range 1-1000", c.SCU.MaximumNumberOfAssociations)
	}
	if c.SCU.Export.MaximumRetries < 0 {
		return errors.Errorf("scu.export.maximumRetries must not be negative")
	}
	if c.SCU.Export.FailureThreshold < 0.0 || c.SCU.Export.FailureThreshold > 1.0 {
		return errors.Errorf("scu.export.failureThreshold %f out of range 0.0-1.0", c.SCU.Export.FailureThreshold)
	}
	if c.SCU.Export.PollFrequency <= 0 {
		return errors.Errorf("scu.export.pollFrequencyMs must be positive")
	}
	if c.Storage.Temporary == "" {
		return errors.New("storage.temporary must be set")
	}
	return nil
}

// ValidateAETitle checks that an application entity title is 1-16 characters.
func ValidateAETitle(aeTitle string) error {
	if len(aeTitle) < 1 || len(aeTitle) > 16 {
		return errors.Errorf("AE title %q must be 1-16 characters", aeTitle)
	}
	return nil
}
