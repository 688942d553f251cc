// Package config holds the configuration of the offloading plugin backends.
//
// The configuration is a YAML file, located with the OMPTARGET_CONFIG_PATH environment variable
// (OMPCLOUD_CONF_PATH is also accepted). A missing file means the defaults.
package config

import (
	"os"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

const (
	// PathEnv is the environment variable with the path to the configuration file.
	PathEnv = "OMPTARGET_CONFIG_PATH"

	// CloudPathEnv is the legacy environment variable of the cloud plugin, used if PathEnv is not set.
	CloudPathEnv = "OMPCLOUD_CONF_PATH"

	// BackendEnv overrides the backend selected in the configuration file.
	BackendEnv = "OMPTARGET_BACKEND"

	// SparkHostnameEnv overrides the Spark driver host name.
	SparkHostnameEnv = "OMPCLOUD_SPARK_HOSTNAME"
)

// Verbose modes.
const (
	VerboseDebug = "debug"
	VerboseInfo  = "info"
	VerboseQuiet = "quiet"
)

// Config of the plugin.
type Config struct {
	// Backend is the name of the backend to use: "host", "cloud", "smartnic" or "opencl".
	Backend string `yaml:"backend"`

	// VerboseMode is one of "debug", "info" or "quiet".
	VerboseMode string `yaml:"verbose_mode"`

	// MaxInflightTransfers bounds the number of concurrent background transfers per device, 0 for no limit.
	MaxInflightTransfers int `yaml:"max_inflight_transfers"`

	Host     HostConfig     `yaml:"host"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Smartnic SmartnicConfig `yaml:"smartnic"`
	OpenCL   OpenCLConfig   `yaml:"opencl"`
}

// HostConfig configures the process-local backend.
type HostConfig struct {
	NumDevices   int    `yaml:"num_devices"`
	TmpDir       string `yaml:"tmp_dir"`
	KeepTmpFiles bool   `yaml:"keep_tmp_files"`
}

// SparkConfig describes the Spark cluster used by the cloud backend.
type SparkConfig struct {
	HostName       string   `yaml:"host_name"`
	Port           int      `yaml:"port"`
	Mode           string   `yaml:"mode"`
	User           string   `yaml:"user"`
	BinPath        string   `yaml:"bin_path"`
	Package        string   `yaml:"package"`
	JarPath        string   `yaml:"jar_path"`
	AdditionalArgs []string `yaml:"additional_args"`
	SchedulingSize int      `yaml:"scheduling_size"`
	SchedulingKind string   `yaml:"scheduling_kind"`
}

// CloudConfig configures the cloud backend.
type CloudConfig struct {
	Spark SparkConfig `yaml:"spark"`

	// Provider selects the storage/compute provider, its settings are in Providers[Provider].
	Provider  string               `yaml:"provider"`
	Providers map[string]yaml.Node `yaml:"providers"`

	// WorkingDir is the directory, in the provider's storage, used to exchange data.
	// A random one is created if empty.
	WorkingDir string `yaml:"working_dir"`

	// TmpDir is the local directory for temporary files.
	TmpDir string `yaml:"tmp_dir"`

	Compression       bool   `yaml:"compression"`
	CompressionFormat string `yaml:"compression_format"`
	UseThreads        bool   `yaml:"use_threads"`
	KeepTmpFiles      bool   `yaml:"keep_tmp_files"`
}

// SmartnicConfig configures the connection to the smartnic device.
type SmartnicConfig struct {
	Address     string        `yaml:"address"`
	Port        int           `yaml:"port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// OpenCLConfig configures the OpenCL backend.
type OpenCLConfig struct {
	PlatformIndex int    `yaml:"platform_index"`
	DeviceType    string `yaml:"device_type"`
	BuildOptions  string `yaml:"build_options"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Backend:     "host",
		VerboseMode: VerboseInfo,
		Host: HostConfig{
			NumDevices: 1,
		},
		Cloud: CloudConfig{
			Spark: SparkConfig{
				HostName: "localhost",
				Port:     7077,
				Mode:     "client",
				User:     "anonymous",
				BinPath:  "spark-submit",
				Package:  "org.llvm.openmp.OmpKernel",
				JarPath:  "target/scala-2.11/test-assembly-0.2.0.jar",
			},
			Provider:          "local",
			Compression:       true,
			CompressionFormat: "gzip",
			UseThreads:        true,
		},
		Smartnic: SmartnicConfig{
			Address:     "127.0.0.1",
			Port:        51717,
			DialTimeout: 5 * time.Second,
		},
		OpenCL: OpenCLConfig{
			DeviceType: "all",
		},
	}
}

// Load reads the configuration from path, on top of the defaults, and then applies the environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", path)
	}
	return Parse(data)
}

// Parse the YAML contents of a configuration file, on top of the defaults, and then applies the environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads the configuration file pointed by PathEnv (or CloudPathEnv). If none is set it returns the
// defaults with the environment overrides applied.
func FromEnv() (*Config, error) {
	for _, env := range []string{PathEnv, CloudPathEnv} {
		if path := os.Getenv(env); path != "" {
			klog.V(1).Infof("loading configuration from %s=%q", env, path)
			return Load(path)
		}
	}
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if backend := os.Getenv(BackendEnv); backend != "" {
		c.Backend = backend
	}
	if host := os.Getenv(SparkHostnameEnv); host != "" {
		c.Cloud.Spark.HostName = host
	}
}

// Validate checks the values of the configuration.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		return errors.New("configuration has no backend selected")
	}
	if !slices.Contains([]string{VerboseDebug, VerboseInfo, VerboseQuiet}, c.VerboseMode) {
		return errors.Errorf("invalid verbose_mode %q, valid values are %q, %q or %q",
			c.VerboseMode, VerboseDebug, VerboseInfo, VerboseQuiet)
	}
	if c.MaxInflightTransfers < 0 {
		return errors.Errorf("invalid max_inflight_transfers %d", c.MaxInflightTransfers)
	}
	if c.Host.NumDevices < 0 {
		return errors.Errorf("invalid host.num_devices %d", c.Host.NumDevices)
	}
	if mode := c.Cloud.Spark.Mode; mode != "client" && mode != "cluster" {
		return errors.Errorf("invalid cloud.spark.mode %q, valid values are \"client\" or \"cluster\"", mode)
	}
	if format := c.Cloud.CompressionFormat; format != "gzip" && format != "snappy" {
		return errors.Errorf("invalid cloud.compression_format %q, valid values are \"gzip\" or \"snappy\"", format)
	}
	if c.Smartnic.Port <= 0 || c.Smartnic.Port > 65535 {
		return errors.Errorf("invalid smartnic.port %d", c.Smartnic.Port)
	}
	return nil
}

// Verbosity returns the klog verbosity level that corresponds to the VerboseMode.
func (c *Config) Verbosity() int {
	switch c.VerboseMode {
	case VerboseDebug:
		return 2
	case VerboseQuiet:
		return 0
	default:
		return 1
	}
}
