package builder

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/dgnsrekt/requests-whaor/internal/core/ports"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

var _ ports.BuilderService = (*Adapter)(nil)

// Adapter builds circuit images from git repositories.
type Adapter struct {
	cli    *client.Client
	logger *zap.Logger
	// progress receives clone and build output; nil discards it.
	progress io.Writer
}

// NewBuilderAdapter reuses the engine connection of the runtime adapter.
func NewBuilderAdapter(cli *client.Client, logger *zap.Logger, progress io.Writer) *Adapter {
	if progress == nil {
		progress = io.Discard
	}
	return &Adapter{cli: cli, logger: logger, progress: progress}
}

// BuildImage clones a repo and builds a Docker image
func (a *Adapter) BuildImage(ctx context.Context, req ports.BuildRequest) (string, error) {
	dockerfile := req.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	// 1. Create temporary directory
	tmpDir, err := os.MkdirTemp("", "whaor-build-*")
	if err != nil {
		return "", fmt.Errorf("%w: failed to create temp dir: %w", errdefs.ErrBuildFailed, err)
	}
	defer os.RemoveAll(tmpDir) // Clean up after build

	// 2. Clone Repository
	a.logger.Info("cloning repository", zap.String("repo", req.RepoURL), zap.String("dir", tmpDir))
	cloneOpts := &git.CloneOptions{
		URL:      req.RepoURL,
		Progress: a.progress,
		Depth:    1, // Shallow clone for speed
	}
	if req.Ref != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(req.Ref)
		cloneOpts.SingleBranch = true
	}
	if _, err := git.PlainCloneContext(ctx, tmpDir, false, cloneOpts); err != nil {
		return "", fmt.Errorf("%w: failed to clone repo: %w", errdefs.ErrBuildFailed, err)
	}

	return a.build(ctx, tmpDir, req.Image, dockerfile)
}

// build sends dir as the build context and waits for the image.
func (a *Adapter) build(ctx context.Context, dir, image, dockerfile string) (string, error) {
	tar, err := archive.TarWithOptions(dir, &archive.TarOptions{ExcludePatterns: []string{".git"}})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create build context: %w", errdefs.ErrBuildFailed, err)
	}
	defer tar.Close()

	a.logger.Info("building image", zap.String("image", image), zap.String("dockerfile", dockerfile))
	resp, err := a.cli.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:       []string{image},
		Dockerfile: dockerfile,
		Remove:     true, // Remove intermediate containers
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", errdefs.ErrBuildFailed, err)
	}
	defer resp.Body.Close()

	// The build only finishes once the stream is drained; a failing step is
	// reported inside the stream, not through the HTTP status.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, a.progress, 0, false, nil); err != nil {
		return "", fmt.Errorf("%w: %w", errdefs.ErrBuildFailed, err)
	}
	return image, nil
}
