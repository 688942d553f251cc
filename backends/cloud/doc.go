// Package cloud implements the "cloud" backend: buffers are files exchanged through a cloud Provider
// storage, and kernels are jobs submitted to a Spark cluster.
//
// Target handles are indices (TableIndex) into a per-device address table, a text file with one
// "<id>;<size>;" line per allocation, shipped to the job along with the data files. Data larger than
// MinCompressionSize is compressed (gzip or snappy) before being sent.
//
// To use it, import it with:
//
//	import _ "github.com/gomlx/omptarget/backends/cloud"
package cloud

const (
	// BackendName is the name of the backend in the configuration.
	BackendName = "cloud"

	// EnvID is the environment id expected in the configuration section of cloud images.
	EnvID = 9003

	// MaxTransferSize is the largest transfer supported: the remote side keeps buffers in JVM byte
	// arrays, limited to 2^31-1 bytes.
	MaxTransferSize = 2147483647

	// MinCompressionSize is the smallest transfer that gets compressed, when compression is enabled.
	MinCompressionSize = 1000000
)
