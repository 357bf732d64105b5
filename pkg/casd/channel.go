package casd

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go"
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrStartTimeout is returned when buildbox-casd does not create its
// socket within the startup budget.
var ErrStartTimeout = errors.New("timed out waiting for buildbox-casd to become ready")

const (
	// startupBudget is measured from process spawn, not from first use
	startupBudget = 15 * time.Second

	// socketPollInterval paces the rendezvous polling
	socketPollInterval = 10 * time.Millisecond
)

// Channel is a lazy connection to the casd services. Nothing is dialed
// until the first stub is requested; the first request waits for the casd
// socket to appear.
type Channel struct {
	socketPath string
	connection string
	startTime  time.Time

	mu         sync.Mutex
	conn       *grpc.ClientConn
	cas        remoteexecution.ContentAddressableStorageClient
	byteStream bytestream.ByteStreamClient
}

// NewChannel creates an unconnected channel to the socket at socketPath
func NewChannel(socketPath, connection string, startTime time.Time) *Channel {
	return &Channel{
		socketPath: socketPath,
		connection: connection,
		startTime:  startTime,
	}
}

// GetCAS returns the ContentAddressableStorage stub, connecting first if
// necessary
func (c *Channel) GetCAS() (remoteexecution.ContentAddressableStorageClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.establishConnection(); err != nil {
		return nil, err
	}
	return c.cas, nil
}

// GetByteStream returns the ByteStream stub, connecting first if necessary
func (c *Channel) GetByteStream() (bytestream.ByteStreamClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.establishConnection(); err != nil {
		return nil, err
	}
	return c.byteStream, nil
}

// Conn returns the raw client connection, connecting first if necessary.
// The local CAS service has no published Go stubs; callers that need it
// attach their own generated stubs here.
func (c *Channel) Conn() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.establishConnection(); err != nil {
		return nil, err
	}
	return c.conn, nil
}

// IsClosed reports whether this channel has no open connection
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == nil
}

// Close tears down the stubs and the underlying connection
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return
	}
	c.cas = nil
	c.byteStream = nil
	c.conn.Close()
	c.conn = nil
}

// establishConnection waits for the casd socket and dials it. Called with
// the lock held.
func (c *Channel) establishConnection() error {
	if c.conn != nil {
		return nil
	}

	deadline := c.startTime.Add(startupBudget)
	err := retry.Do(
		func() error {
			if _, err := os.Stat(c.socketPath); err == nil {
				return nil
			}
			if time.Now().After(deadline) {
				return retry.Unrecoverable(fmt.Errorf("socket %s not created", c.socketPath))
			}
			return fmt.Errorf("socket %s not ready", c.socketPath)
		},
		retry.Attempts(uint(startupBudget/socketPollInterval)+1),
		retry.Delay(socketPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		// The only way to fail the rendezvous is running out of budget
		return ErrStartTimeout
	}

	conn, err := grpc.NewClient(c.connection,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to buildbox-casd: %w", err)
	}

	c.conn = conn
	c.cas = remoteexecution.NewContentAddressableStorageClient(conn)
	c.byteStream = bytestream.NewByteStreamClient(conn)
	return nil
}
