package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"
)

// LaunchSpec describes one container to launch. Volumes carries the
// challenge's bind-mount JSON ({"/host": {"bind": "/ctr", "mode": "ro"}});
// a zero MemoryMB or CPUs leaves that resource unconstrained.
type LaunchSpec struct {
	Image    string
	Port     int
	Command  string
	Env      map[string]string
	Volumes  string
	MemoryMB int64
	CPUs     float64
}

// Client adapts the remote Docker daemon. All operations go through
// run, which attempts exactly one reconnect on transport failure and
// never re-issues the wrapped call, so a launch can never double-fire.
type Client struct {
	mu      sync.Mutex
	baseURL string
	docker  *client.Client
	log     logrus.FieldLogger
}

func New(baseURL string, log logrus.FieldLogger) *Client {
	return &Client{
		baseURL: baseURL,
		log:     log.WithField("component", "backend"),
	}
}

// Connect establishes the daemon connection and verifies it with a ping.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.baseURL == "" {
		return &Error{Kind: KindUnavailable, Op: "connect", Err: fmt.Errorf("no daemon endpoint configured")}
	}

	docker, err := client.NewClientWithOpts(
		client.WithHost(c.baseURL),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return &Error{Kind: KindUnavailable, Op: "connect", Err: err}
	}

	if _, err := docker.Ping(ctx); err != nil {
		_ = docker.Close()
		return &Error{Kind: KindUnavailable, Op: "connect", Err: err}
	}

	if c.docker != nil {
		_ = c.docker.Close()
	}
	c.docker = docker
	c.log.WithField("endpoint", c.baseURL).Info("connected to docker daemon")
	return nil
}

// Reconfigure swaps the daemon endpoint and reconnects.
func (c *Client) Reconfigure(ctx context.Context, baseURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = baseURL
	if c.docker != nil {
		_ = c.docker.Close()
		c.docker = nil
	}
	if baseURL == "" {
		return nil
	}
	return c.connectLocked(ctx)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docker == nil {
		return nil
	}
	err := c.docker.Close()
	c.docker = nil
	return err
}

// Ping reports whether the daemon currently answers.
func (c *Client) Ping(ctx context.Context) bool {
	c.mu.Lock()
	docker := c.docker
	c.mu.Unlock()
	if docker == nil {
		return false
	}
	_, err := docker.Ping(ctx)
	return err == nil
}

// run executes op against the connected client. A transport failure
// triggers a single reconnect attempt before surfacing Unavailable. The
// operation itself is never retried, so side-effecting calls cannot
// double-fire.
func (c *Client) run(ctx context.Context, op string, fn func(*client.Client) error) error {
	c.mu.Lock()
	docker := c.docker
	c.mu.Unlock()

	if docker == nil {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		docker = c.docker
		c.mu.Unlock()
	}

	err := fn(docker)
	if err == nil {
		return nil
	}

	if client.IsErrConnectionFailed(err) {
		c.log.WithError(err).Warn("docker connection lost, attempting reconnect")
		if cerr := c.Connect(ctx); cerr != nil {
			c.log.WithError(cerr).Warn("docker reconnect failed")
		}
		return &Error{Kind: KindUnavailable, Op: op, Err: err}
	}
	return err
}

// Launch creates and starts one container with the challenge port
// published on a random host port. It returns the backend-assigned id;
// the published port is discovered separately with PublishedPort.
func (c *Client) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	binds, err := parseVolumes(spec.Volumes)
	if err != nil {
		return "", &Error{Kind: KindInvalidConfig, Op: "launch", Err: err}
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return "", &Error{Kind: KindInvalidConfig, Op: "launch", Err: err}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	config := &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	if cmd := strings.Fields(spec.Command); len(cmd) > 0 {
		config.Cmd = cmd
	}

	hostConfig := &container.HostConfig{
		AutoRemove: true,
		Binds:      binds,
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "", HostPort: ""}},
		},
	}
	if spec.MemoryMB > 0 {
		hostConfig.Resources.Memory = spec.MemoryMB << 20
	}
	if spec.CPUs > 0 {
		hostConfig.Resources.CPUQuota = int64(spec.CPUs * 100000)
		hostConfig.Resources.CPUPeriod = 100000
	}

	var id string
	err = c.run(ctx, "launch", func(docker *client.Client) error {
		resp, err := docker.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
		if err != nil {
			if client.IsErrNotFound(err) {
				return &Error{Kind: KindImageNotFound, Op: "launch", Err: err}
			}
			return err
		}
		id = resp.ID
		if err := docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			// A created-but-never-started container has no exit to
			// trigger AutoRemove and no record for the sweep, so remove
			// it here or it leaks.
			if rmErr := docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
				c.log.WithError(rmErr).WithField("container_id", short(resp.ID)).Warn("remove unstarted container failed")
			}
			return fmt.Errorf("start container: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	c.log.WithFields(logrus.Fields{
		"container_id": short(id),
		"image":        spec.Image,
	}).Info("container launched")
	return id, nil
}

// PublishedPort discovers the host port the container's challenge port
// got published on.
func (c *Client) PublishedPort(ctx context.Context, id string) (int, error) {
	var hostPort int
	err := c.run(ctx, "port", func(docker *client.Client) error {
		info, err := docker.ContainerInspect(ctx, id)
		if err != nil {
			if client.IsErrNotFound(err) {
				return &Error{Kind: KindNotFound, Op: "port", Err: err}
			}
			return err
		}
		for _, bindings := range info.NetworkSettings.Ports {
			for _, binding := range bindings {
				p, err := strconv.Atoi(binding.HostPort)
				if err == nil && p > 0 {
					hostPort = p
					return nil
				}
			}
		}
		return fmt.Errorf("container %s has no published port", short(id))
	})
	if err != nil {
		return 0, err
	}
	return hostPort, nil
}

// Kill force-stops a container. A container that is already gone maps
// to KindNotFound so callers can treat it as success.
func (c *Client) Kill(ctx context.Context, id string) error {
	err := c.run(ctx, "kill", func(docker *client.Client) error {
		if err := docker.ContainerKill(ctx, id, "SIGKILL"); err != nil {
			if client.IsErrNotFound(err) {
				return &Error{Kind: KindNotFound, Op: "kill", Err: err}
			}
			return err
		}
		return nil
	})
	if err == nil {
		c.log.WithField("container_id", short(id)).Info("container killed")
	}
	return err
}

// IsRunning reports whether the backend knows the container and has it
// in the running state. A missing container is simply not running.
func (c *Client) IsRunning(ctx context.Context, id string) (bool, error) {
	var running bool
	err := c.run(ctx, "inspect", func(docker *client.Client) error {
		info, err := docker.ContainerInspect(ctx, id)
		if err != nil {
			if client.IsErrNotFound(err) {
				return nil
			}
			return err
		}
		running = info.State != nil && info.State.Running
		return nil
	})
	if err != nil {
		return false, err
	}
	return running, nil
}

// Images lists the tags available on the daemon, sorted.
func (c *Client) Images(ctx context.Context) ([]string, error) {
	var tags []string
	err := c.run(ctx, "images", func(docker *client.Client) error {
		images, err := docker.ImageList(ctx, image.ListOptions{})
		if err != nil {
			return err
		}
		for _, img := range images {
			if len(img.RepoTags) > 0 {
				tags = append(tags, img.RepoTags[0])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(tags)
	return tags, nil
}

// parseVolumes converts the challenge's bind-mount JSON into docker
// bind strings.
func parseVolumes(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	var mounts map[string]struct {
		Bind string `json:"bind"`
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal([]byte(trimmed), &mounts); err != nil {
		return nil, fmt.Errorf("volumes JSON is invalid: %w", err)
	}

	binds := make([]string, 0, len(mounts))
	for host, mount := range mounts {
		if mount.Bind == "" {
			return nil, fmt.Errorf("volume %q has no bind target", host)
		}
		bind := host + ":" + mount.Bind
		if mount.Mode != "" {
			bind += ":" + mount.Mode
		}
		binds = append(binds, bind)
	}
	sort.Strings(binds)
	return binds, nil
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
