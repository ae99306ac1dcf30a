package virtstor

import (
	"time"
)

// Config holds the knobs the coordination core needs. The library never reads
// files or the environment itself; the CLI (or the embedding agent) populates
// one of these and passes it down.
type Config struct {
	// RepoRoot is the shared-storage repository mount point for file domains.
	RepoRoot string `json:"repo_root" mapstructure:"repo_root"`

	// LeaseAddress is the host:port of the lease coordination service (Redis).
	LeaseAddress string `json:"lease_address" mapstructure:"lease_address"`

	// LeasePassword authenticates against the lease service, if required.
	LeasePassword string `json:"lease_password" mapstructure:"lease_password"`

	// LeaseTTL is the time-to-live stamped on acquired volume leases.
	LeaseTTL time.Duration `json:"lease_ttl" mapstructure:"lease_ttl"`

	// LeaseWait bounds jittered re-attempts when a volume lease is held by
	// another host. Zero fails immediately on contention.
	LeaseWait time.Duration `json:"lease_wait" mapstructure:"lease_wait"`

	// LockTimeout bounds blocking lock acquisitions. Zero waits indefinitely.
	LockTimeout time.Duration `json:"lock_timeout" mapstructure:"lock_timeout"`

	// ExtendOverheadRatio caps the merge pre-extend of a thin base volume at
	// capacity multiplied by this ratio.
	ExtendOverheadRatio float64 `json:"extend_overhead_ratio" mapstructure:"extend_overhead_ratio"`

	// ChunkSize is the allocation slack granted to a thin volume that becomes
	// a leaf after a merge, in bytes.
	ChunkSize int64 `json:"chunk_size" mapstructure:"chunk_size"`

	// QemuImgPath is the qemu-img binary invoked for measure/rebase/convert.
	QemuImgPath string `json:"qemu_img_path" mapstructure:"qemu_img_path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RepoRoot:            "/rhev/data-center/mnt",
		LeaseAddress:        "localhost:6379",
		LeaseTTL:            60 * time.Second,
		LeaseWait:           10 * time.Second,
		LockTimeout:         0,
		ExtendOverheadRatio: 1.1,
		ChunkSize:           1024 * 1024 * 1024,
		QemuImgPath:         "qemu-img",
	}
}
