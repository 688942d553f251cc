package cloud

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gomlx/omptarget/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// JobRunner executes jobs on the cluster, given the arguments built by the provider.
type JobRunner interface {
	Run(ctx context.Context, job *Job, args []string) error
}

// SparkSubmit runs jobs with the spark-submit command line tool.
type SparkSubmit struct {
	Spark config.SparkConfig

	// Env is added to the environment of the command.
	Env []string
}

var _ JobRunner = (*SparkSubmit)(nil)

// Binary returns the path to the spark-submit tool: BinPath can be either the tool or the directory holding it.
func (s *SparkSubmit) Binary() string {
	bin := s.Spark.BinPath
	if bin == "" {
		return "spark-submit"
	}
	if strings.HasSuffix(bin, "/") {
		return filepath.Join(bin, "spark-submit")
	}
	if info, err := os.Stat(bin); err == nil && info.IsDir() {
		return filepath.Join(bin, "spark-submit")
	}
	return bin
}

// MasterURL returns the URL of the Spark master. Host names starting with "local" (e.g. "local[4]") are
// passed as is.
func (s *SparkSubmit) MasterURL() string {
	if strings.HasPrefix(s.Spark.HostName, "local") {
		return s.Spark.HostName
	}
	return "spark://" + s.Spark.HostName + ":" + strconv.Itoa(s.Spark.Port)
}

// CommandLine returns the arguments of spark-submit (not including the binary itself) to run job.
func (s *SparkSubmit) CommandLine(job *Job, args []string) []string {
	cmd := []string{
		"--name", job.Name,
		"--master", s.MasterURL(),
		"--deploy-mode", s.Spark.Mode,
		"--class", s.Spark.Package,
	}
	cmd = append(cmd, s.Spark.AdditionalArgs...)
	cmd = append(cmd, s.Spark.JarPath)
	return append(cmd, args...)
}

// Run implements JobRunner.
func (s *SparkSubmit) Run(ctx context.Context, job *Job, args []string) error {
	bin := s.Binary()
	cmdLine := s.CommandLine(job, args)
	klog.V(1).Infof("cloud: submitting job %q: %s %s", job.Entry, bin, strings.Join(cmdLine, " "))
	cmd := exec.CommandContext(ctx, bin, cmdLine...)
	cmd.Env = append(os.Environ(), "HADOOP_USER_NAME="+s.Spark.User)
	cmd.Env = append(cmd.Env, s.Env...)
	output, err := cmd.CombinedOutput()
	if klog.V(2).Enabled() || err != nil {
		klog.Infof("cloud: spark-submit output:\n%s", output)
	}
	if err != nil {
		return errors.Wrapf(err, "spark-submit of job %q (entry %q) failed", job.Name, job.Entry)
	}
	return nil
}
