package cloud

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/omptarget/config"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// LocalProviderName is the name of the Local provider in the configuration.
const LocalProviderName = "local"

func init() {
	RegisterProvider(LocalProviderName, func(spark config.SparkConfig, workingDir string) Provider {
		return NewLocal(spark, workingDir)
	})
}

// Local is a Provider whose storage is a local (or network mounted) directory. Jobs are run by Runner,
// by default spark-submit.
type Local struct {
	spark      config.SparkConfig
	workingDir string

	// Dir is the root of the storage. If empty, a temporary directory is created by InitDevice and
	// removed by Close.
	Dir string `yaml:"dir"`

	// Runner runs the jobs. If nil InitDevice sets it to a SparkSubmit with the cluster configuration.
	Runner JobRunner `yaml:"-"`

	ownsDir bool
}

var _ Provider = (*Local)(nil)

// NewLocal creates a Local provider for the given cluster, storing files in workingDir under its Dir.
func NewLocal(spark config.SparkConfig, workingDir string) *Local {
	return &Local{spark: spark, workingDir: workingDir}
}

// Name implements Provider.
func (l *Local) Name() string { return LocalProviderName }

// ParseConfig implements Provider.
func (l *Local) ParseConfig(node *yaml.Node) error {
	if node == nil || node.IsZero() {
		return nil
	}
	if err := node.Decode(l); err != nil {
		return errors.Wrapf(err, "failed to parse configuration of provider %q", l.Name())
	}
	return nil
}

// InitDevice implements Provider.
func (l *Local) InitDevice(_ context.Context) error {
	if l.Dir == "" {
		dir, err := os.MkdirTemp("", "ompcloud.storage.")
		if err != nil {
			return errors.Wrap(err, "failed to create local storage directory")
		}
		l.Dir = dir
		l.ownsDir = true
	}
	if err := os.MkdirAll(l.root(), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create working directory %q", l.root())
	}
	if l.Runner == nil {
		l.Runner = &SparkSubmit{Spark: l.spark}
	}
	klog.V(1).Infof("cloud: local provider storing files in %q", l.root())
	return nil
}

func (l *Local) root() string {
	return filepath.Join(l.Dir, l.workingDir)
}

func (l *Local) path(name string) string {
	return filepath.Join(l.root(), name)
}

// CloudPath implements Provider.
func (l *Local) CloudPath(name string) string {
	return "file://" + l.path(name)
}

// SendFile implements Provider.
func (l *Local) SendFile(_ context.Context, localPath, name string) error {
	return copyFile(l.path(name), localPath)
}

// GetFile implements Provider.
func (l *Local) GetFile(_ context.Context, localPath, name string) error {
	return copyFile(localPath, l.path(name))
}

// DeleteFile implements Provider.
func (l *Local) DeleteFile(_ context.Context, name string) error {
	if err := os.Remove(l.path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete %q", name)
	}
	return nil
}

// SubmitJob implements Provider.
func (l *Local) SubmitJob(ctx context.Context, job *Job) error {
	if l.Runner == nil {
		return errors.New("local provider not initialized")
	}
	return l.Runner.Run(ctx, job, l.JobArgs(job))
}

// JobArgs implements Provider. The arguments are:
//
//	<working dir url> <address table> <image> <entry> <compression format|none> <scheduling size> <scheduling kind> <args...>
//
// Each kernel argument is "<id>:<offset>", or "=<value>" for literals (the value is in JobArg.ID).
func (l *Local) JobArgs(job *Job) []string {
	compression := job.CompressionFormat
	if compression == "" {
		compression = "none"
	}
	args := []string{
		l.CloudPath(""), job.AddressTable, job.Image, job.Entry, compression,
		strconv.Itoa(l.spark.SchedulingSize), l.spark.SchedulingKind,
	}
	for _, arg := range job.Args {
		if arg.Literal {
			args = append(args, "="+strconv.FormatUint(arg.ID, 10))
			continue
		}
		args = append(args, strconv.FormatUint(arg.ID, 10)+":"+strconv.FormatInt(arg.Offset, 10))
	}
	return args
}

// Close implements Provider: the storage is removed if it was created by InitDevice.
func (l *Local) Close() error {
	if !l.ownsDir {
		return nil
	}
	l.ownsDir = false
	return errors.WithStack(os.RemoveAll(l.Dir))
}

func copyFile(dst, src string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", src)
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", dst)
	}
	defer func() {
		if closeErr := out.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close %q", dst)
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "failed to copy %q to %q", src, dst)
	}
	return nil
}
