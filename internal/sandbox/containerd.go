package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

const containerdDialTimeout = 5 * time.Second

// Client wraps the containerd client with namespace scoping and reconnects.
type Client struct {
	socket    string
	namespace string

	mu     sync.RWMutex
	inner  *containerd.Client
	closed bool
}

func dialContainerd(ctx context.Context, socket, namespace string) (*containerd.Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(containerdDialTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd at %s: %v", ErrEngineUnavailable, socket, err)
	}
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("%w: containerd health check failed: %v", ErrEngineUnavailable, err)
	}
	return inner, nil
}

// NewClient connects to containerd and verifies the daemon answers.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := dialContainerd(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{inner: inner, socket: socket, namespace: namespace}, nil
}

// Raw returns the underlying containerd client.
func (c *Client) Raw() *containerd.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner
}

// WithNamespace scopes ctx to the sandbox namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	_, err := c.inner.Version(ctx)
	return err == nil
}

// Reconnect replaces the connection after the daemon restarted.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: client closed", ErrEngineUnavailable)
	}

	inner, err := dialContainerd(ctx, c.socket, c.namespace)
	if err != nil {
		return err
	}
	if c.inner != nil {
		_ = c.inner.Close()
	}
	c.inner = inner

	log.Info().Str("socket", c.socket).Msg("reconnected to containerd")
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// PullImage returns ref from the local store, pulling and unpacking it first
// when absent.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)
	raw := c.Raw()

	if image, err := raw.GetImage(ctx, ref); err == nil {
		return image, nil
	}

	start := time.Now()
	image, err := raw.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("%w: pulling image %s: %v", ErrBootFailure, ref, err)
	}
	log.Info().Str("ref", ref).Dur("took", time.Since(start)).Msg("image pulled")
	return image, nil
}
