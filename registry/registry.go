// Package registry builds container images and pushes them to a
// cluster's registry through the Docker Engine API.
package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"
)

// Builder builds and pushes images via a Docker daemon.
type Builder struct {
	cli client.APIClient
	log *zap.Logger

	// Output receives the daemon's build/push progress stream. Nil
	// discards it.
	Output io.Writer
}

// NewBuilder connects to the Docker daemon using the standard
// environment configuration (DOCKER_HOST etc).
func NewBuilder(log *zap.Logger) (*Builder, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}
	return NewBuilderWithClient(cli, log), nil
}

// NewBuilderWithClient wraps an existing Docker API client.
func NewBuilderWithClient(cli client.APIClient, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{cli: cli, log: log}
}

// Build builds the image at contextDir with the given dockerfile
// (path relative to the context) and tags it.
func (b *Builder) Build(ctx context.Context, contextDir, dockerfile, tag string) error {
	buildCtx, err := tarBuildContext(contextDir)
	if err != nil {
		return fmt.Errorf("packing build context: %w", err)
	}

	b.log.Info("building image", zap.String("tag", tag), zap.String("context", contextDir))
	resp, err := b.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("building %s: %w", tag, err)
	}
	defer resp.Body.Close()

	return b.drain(resp.Body, fmt.Sprintf("build %s", tag))
}

// Tag applies an additional tag to an existing image.
func (b *Builder) Tag(ctx context.Context, src, dst string) error {
	if err := b.cli.ImageTag(ctx, src, dst); err != nil {
		return fmt.Errorf("tagging %s as %s: %w", src, dst, err)
	}
	return nil
}

// Push pushes a tag to its registry. Lab registries are anonymous, so
// an empty auth config is sent.
func (b *Builder) Push(ctx context.Context, tag string) error {
	b.log.Info("pushing image", zap.String("tag", tag))
	rd, err := b.cli.ImagePush(ctx, tag, types.ImagePushOptions{
		RegistryAuth: anonymousAuth,
	})
	if err != nil {
		return fmt.Errorf("pushing %s: %w", tag, err)
	}
	defer rd.Close()

	return b.drain(rd, fmt.Sprintf("push %s", tag))
}

// BuildAndPush builds the image at contextDir, retags it onto
// registryAddr and pushes it. It returns the pushed reference.
func (b *Builder) BuildAndPush(ctx context.Context, contextDir, dockerfile, name, registryAddr string) (string, error) {
	ref := registryAddr + "/" + name
	if err := b.Build(ctx, contextDir, dockerfile, name); err != nil {
		return "", err
	}
	if err := b.Tag(ctx, name, ref); err != nil {
		return "", err
	}
	if err := b.Push(ctx, ref); err != nil {
		return "", err
	}
	return ref, nil
}

// drain consumes a daemon progress stream, surfacing embedded errors.
func (b *Builder) drain(r io.Reader, op string) error {
	out := b.Output
	if out == nil {
		out = io.Discard
	}
	if err := jsonmessage.DisplayJSONMessagesStream(r, out, 0, false, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// InClusterRef rewrites a host-side registry reference to the address
// pods use, e.g. 127.0.0.1:50003/demosvc:latest -> localhost:30000/demosvc:latest.
func InClusterRef(ref, inClusterAddr string) string {
	i := strings.Index(ref, "/")
	if i < 0 {
		return inClusterAddr + "/" + ref
	}
	return inClusterAddr + ref[i:]
}

// anonymousAuth is an empty RegistryAuth header; the engine API
// requires the header to be present even for anonymous registries.
var anonymousAuth = base64.URLEncoding.EncodeToString([]byte("{}"))
