package agent

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

// Environment contract of the agent process.
const (
	EnvWorkspacePath = "WORKSPACE_PATH"
	EnvBackendURL    = "BACKEND_API_URL"
	EnvBucketID      = "S3_BUCKET_ID"
	EnvContainerID   = "CONTAINER_ID"
	EnvServiceToken  = "CONTAINER_SERVICE_TOKEN"
)

// MarkerFile is written to the workspace root when initial reconciliation
// finishes, so external supervisors can detect readiness with a stat. The
// name is a contract with those supervisors; Ignored keeps it out of sync.
const MarkerFile = "initial-sync-complete"

// Config holds the agent configuration. Only the identity fields come from
// the environment; the timing knobs carry production defaults and exist as
// fields so tests can compress them.
type Config struct {
	WorkspacePath string
	BackendURL    string
	BucketID      string
	ContainerID   string
	Token         string

	// ShortDebounce delays disk writes for significant remote updates;
	// LongDebounce batches keystroke streams.
	ShortDebounce time.Duration
	LongDebounce  time.Duration

	// A remote update is significant when the gap since the previous remote
	// update for the path exceeds SignificantGap, or the document content
	// exceeds SignificantLen bytes.
	SignificantGap time.Duration
	SignificantLen int

	// QuietWindow suppresses the watcher echo of the agent's own writes.
	QuietWindow time.Duration

	// InitialSyncTimeout bounds how long the marker file waits for every
	// startup path to see its document-state.
	InitialSyncTimeout time.Duration

	// ResubscribeInterval is the cadence of the subscription repair sweep.
	ResubscribeInterval time.Duration

	// ReconnectMaxInterval caps the backoff between reconnect attempts.
	ReconnectMaxInterval time.Duration
}

func (c *Config) withDefaults() *Config {
	if c.WorkspacePath == "" {
		c.WorkspacePath = "/workspace"
	}
	if c.BackendURL == "" {
		c.BackendURL = "http://localhost:8443"
	}
	if c.ShortDebounce <= 0 {
		c.ShortDebounce = 50 * time.Millisecond
	}
	if c.LongDebounce <= 0 {
		c.LongDebounce = 500 * time.Millisecond
	}
	if c.SignificantGap <= 0 {
		c.SignificantGap = 2 * time.Second
	}
	if c.SignificantLen <= 0 {
		c.SignificantLen = 4096
	}
	if c.QuietWindow <= 0 {
		c.QuietWindow = 300 * time.Millisecond
	}
	if c.InitialSyncTimeout <= 0 {
		c.InitialSyncTimeout = 30 * time.Second
	}
	if c.ResubscribeInterval <= 0 {
		c.ResubscribeInterval = 60 * time.Second
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = 30 * time.Second
	}
	return c
}

// ConfigFromEnv reads the environment contract. A missing bucket id is a
// fatal startup error; everything else has a usable default or is checked
// later (a missing token is rejected by the server at handshake).
func ConfigFromEnv() (*Config, error) {
	bucketID := os.Getenv(EnvBucketID)
	if bucketID == "" {
		return nil, fmt.Errorf("%s is required", EnvBucketID)
	}

	cfg := &Config{
		WorkspacePath: os.Getenv(EnvWorkspacePath),
		BackendURL:    rewriteLoopback(os.Getenv(EnvBackendURL)),
		BucketID:      bucketID,
		ContainerID:   os.Getenv(EnvContainerID),
		Token:         os.Getenv(EnvServiceToken),
	}
	return cfg.withDefaults(), nil
}

// rewriteLoopback replaces a loopback backend host with the in-container
// host alias when the agent runs inside a containerized sandbox, where
// loopback points at the container itself rather than the host the server
// listens on.
func rewriteLoopback(backendURL string) string {
	if backendURL == "" || !inContainer() {
		return backendURL
	}
	u, err := url.Parse(backendURL)
	if err != nil {
		return backendURL
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
	default:
		return backendURL
	}
	host := "host.docker.internal"
	if port := u.Port(); port != "" {
		host += ":" + port
	}
	u.Host = host
	return u.String()
}

// inContainer detects a containerized sandbox by the runtime marker files
// Docker and Podman leave at the filesystem root.
func inContainer() bool {
	for _, marker := range []string{"/.dockerenv", "/run/.containerenv"} {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	return false
}
