package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/schoold"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage schoold configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.schoold/config.yaml"
	if dir, err := schoold.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, schoold.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default schoold configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := schoold.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, schoold.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Print(string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string `yaml:"listen"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	Store                  string `yaml:"store"`
	S3Endpoint             string `yaml:"s3-endpoint"`
	S3Region               string `yaml:"s3-region"`
	S3Insecure             bool   `yaml:"s3-insecure"`
	S3ForcePathStyle       bool   `yaml:"s3-force-path-style"`
	Database               string `yaml:"database"`
	Migrate                bool   `yaml:"migrate"`
	ConfigLockTTL          string `yaml:"config-lock-ttl"`
	CALockTTL              string `yaml:"ca-lock-ttl"`
	ExamLockTTL            string `yaml:"exam-lock-ttl"`
	CacheTTLLong           string `yaml:"cache-ttl-long"`
	CacheTTLShort          string `yaml:"cache-ttl-short"`
	StoreRetryAttempts     int    `yaml:"store-retry-attempts"`
	StoreRetryBaseDelay    string `yaml:"store-retry-base-delay"`
	StoreRetryMaxDelay     string `yaml:"store-retry-max-delay"`
	BodyMax                string `yaml:"body-max"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	DisableHTTPTracing     bool   `yaml:"disable-http-tracing"`
	LogLevel               string `yaml:"log-level"`
	LogFormat              string `yaml:"log-format"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                 schoold.DefaultListen,
		MetricsListen:          schoold.DefaultMetricsListen,
		PprofListen:            schoold.DefaultPprofListen,
		EnableProfilingMetrics: false,
		Store:                  schoold.DefaultStore,
		S3Endpoint:             "",
		S3Region:               "",
		S3Insecure:             false,
		S3ForcePathStyle:       false,
		Database:               schoold.DefaultDatabase,
		Migrate:                false,
		ConfigLockTTL:          schoold.DefaultConfigLockTTL.String(),
		CALockTTL:              schoold.DefaultCALockTTL.String(),
		ExamLockTTL:            schoold.DefaultExamLockTTL.String(),
		CacheTTLLong:           schoold.DefaultCacheTTLLong.String(),
		CacheTTLShort:          schoold.DefaultCacheTTLShort.String(),
		StoreRetryAttempts:     schoold.DefaultStoreRetryMaxAttempts,
		StoreRetryBaseDelay:    schoold.DefaultStoreRetryBaseDelay.String(),
		StoreRetryMaxDelay:     schoold.DefaultStoreRetryMaxDelay.String(),
		BodyMax:                humanizeBytes(schoold.DefaultRequestBodyMaxBytes),
		ShutdownTimeout:        schoold.DefaultShutdownTimeout.String(),
		OTLPEndpoint:           "",
		DisableHTTPTracing:     false,
		LogLevel:               "info",
		LogFormat:              "json",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
