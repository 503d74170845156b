package framework

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/studioclass/codesync/pkg/api"
	"github.com/studioclass/codesync/pkg/auth"
	"github.com/studioclass/codesync/pkg/client"
	"github.com/studioclass/codesync/pkg/config"
	"github.com/studioclass/codesync/pkg/engine"
	"github.com/studioclass/codesync/pkg/log"
	"github.com/studioclass/codesync/pkg/types"
)

// ServiceToken is the well-known admin token every harness registers.
const ServiceToken = "test-service-token"

// HarnessConfig controls the in-process server under test.
type HarnessConfig struct {
	// DataDir holds the snapshot database. Empty means a fresh temp dir
	// removed on Stop.
	DataDir string
	// Engine overrides individual engine settings; nil means defaults
	// compressed for test turnaround.
	Engine *config.Config
	// LogLevel for the whole process. Tests default to error to keep output
	// readable.
	LogLevel string
}

// DefaultHarnessConfig returns a configuration tuned for fast tests: short
// flush and sweep cadence, small handler budget.
func DefaultHarnessConfig() *HarnessConfig {
	cfg := config.DefaultConfig()
	cfg.FlushInterval = config.Duration(100 * time.Millisecond)
	cfg.SweepInterval = config.Duration(100 * time.Millisecond)
	cfg.IdleGrace = config.Duration(time.Second)
	cfg.HandlerTimeout = config.Duration(2 * time.Second)
	cfg.ShutdownTimeout = config.Duration(5 * time.Second)
	cfg.ServiceTokens = []string{ServiceToken}
	return &HarnessConfig{Engine: cfg, LogLevel: "error"}
}

// Harness runs one complete sync server in-process: engine, API server, and
// an ephemeral listener. Tests talk to it over real websockets.
type Harness struct {
	Config *HarnessConfig
	Engine *engine.Engine

	// URL is the http base address of the running server.
	URL string

	server  *api.Server
	lis     net.Listener
	served  chan error
	ownsDir bool
}

// NewHarness builds a stopped harness.
func NewHarness(cfg *HarnessConfig) (*Harness, error) {
	if cfg == nil {
		cfg = DefaultHarnessConfig()
	}
	if cfg.Engine == nil {
		cfg.Engine = DefaultHarnessConfig().Engine
	}

	ownsDir := false
	if cfg.DataDir == "" {
		dir, err := os.MkdirTemp("", "codesync-test-*")
		if err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		cfg.DataDir = dir
		ownsDir = true
	}
	cfg.Engine.DataDir = cfg.DataDir

	level := log.Level(cfg.LogLevel)
	if level == "" {
		level = log.ErrorLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: true})

	eng, err := engine.New(cfg.Engine, auth.AllowAll)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	return &Harness{
		Config:  cfg,
		Engine:  eng,
		server:  api.NewServer("127.0.0.1:0", eng.Sessions),
		served:  make(chan error, 1),
		ownsDir: ownsDir,
	}, nil
}

// Start launches the engine and serves the API on an ephemeral port.
func (h *Harness) Start() error {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	h.lis = lis
	h.URL = "http://" + lis.Addr().String()

	h.Engine.Start()
	go func() {
		h.served <- h.server.Serve(lis)
	}()
	return nil
}

// Stop shuts the server down and flushes every dirty document.
func (h *Harness) Stop() error {
	var firstErr error
	if h.lis != nil {
		if err := h.server.Stop(5 * time.Second); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := <-h.served; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := h.Engine.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	if h.ownsDir {
		os.RemoveAll(h.Config.DataDir)
	}
	return firstErr
}

// NewBucket mints a workspace bucket directly against the snapshot store.
func (h *Harness) NewBucket(ctx context.Context, name string) (*types.Bucket, error) {
	return h.Engine.Snapshots.CreateBucket(ctx, name, "test", false)
}

// BrowserToken issues a short-lived browser token for a user.
func (h *Harness) BrowserToken(userID string) (string, error) {
	return h.Engine.Tokens.IssueBrowserToken(userID, 10*time.Minute)
}

// ContainerToken issues a token scoped to one bucket, as the platform does
// when it boots a workspace container.
func (h *Harness) ContainerToken(bucketID, containerID string) (string, error) {
	return h.Engine.Tokens.IssueContainerToken(bucketID, containerID, 10*time.Minute)
}

// ServiceClient dials an admin connection with the harness service token.
func (h *Harness) ServiceClient(ctx context.Context) (*client.Client, error) {
	return client.Dial(ctx, h.URL, ServiceToken)
}
