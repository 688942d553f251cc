package cloud

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/omptarget/config"
	"github.com/gomlx/omptarget/offload"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Provider is the storage and compute service used by a cloud device.
//
// File names are relative to the device working directory in the provider storage.
type Provider interface {
	// Name of the provider, as used in the configuration.
	Name() string

	// ParseConfig parses the provider section of the configuration. It is called before InitDevice,
	// with a nil node if the configuration has no section for the provider.
	ParseConfig(node *yaml.Node) error

	// InitDevice prepares the working directory.
	InitDevice(ctx context.Context) error

	// CloudPath returns the address of the file in the provider storage, as seen by the jobs.
	CloudPath(name string) string

	// SendFile uploads the local file to the storage, with the given name.
	SendFile(ctx context.Context, localPath, name string) error

	// GetFile downloads the named file from the storage to the local path.
	GetFile(ctx context.Context, localPath, name string) error

	// DeleteFile removes the named file from the storage.
	DeleteFile(ctx context.Context, name string) error

	// SubmitJob runs the job and waits for its completion.
	SubmitJob(ctx context.Context, job *Job) error

	// JobArgs returns the arguments of the job for the Spark driver program.
	JobArgs(job *Job) []string

	// Close releases the provider resources.
	Close() error
}

// Job is one kernel launch.
type Job struct {
	// Name of the job, usually the program name.
	Name string

	// Entry is the name of the offload entry to run.
	Entry string

	// Image is the name, in the provider storage, of the offload image holding the entry.
	Image string

	// AddressTable is the name, in the provider storage, of the address table.
	AddressTable string

	Args  []JobArg
	Shape offload.LaunchShape

	// CompressionFormat is the format of the compressed data files, empty if compression is disabled.
	CompressionFormat string
}

// JobArg is one argument of a Job: the address table id of the buffer and a displacement into it.
// Literal arguments are passed by value.
type JobArg struct {
	ID      uint64
	Offset  int64
	Literal bool
}

// ProviderFactory creates a provider for the given Spark cluster and working directory.
type ProviderFactory func(spark config.SparkConfig, workingDir string) Provider

var (
	// providerFactories registered with RegisterProvider. Protected by muProviders.
	providerFactories = make(map[string]ProviderFactory)
	muProviders       sync.Mutex
)

// RegisterProvider makes a provider available to the cloud backend, under the given name.
func RegisterProvider(name string, factory ProviderFactory) {
	muProviders.Lock()
	defer muProviders.Unlock()
	providerFactories[name] = factory
}

// AvailableProviders returns the sorted names of the registered providers.
func AvailableProviders() []string {
	muProviders.Lock()
	defer muProviders.Unlock()
	return slices.Sorted(maps.Keys(providerFactories))
}

func newProvider(name string, spark config.SparkConfig, workingDir string) (Provider, error) {
	muProviders.Lock()
	factory, found := providerFactories[name]
	muProviders.Unlock()
	if !found {
		return nil, errors.Errorf("cloud provider %q not available, registered providers: %q", name, AvailableProviders())
	}
	return factory(spark, workingDir), nil
}
