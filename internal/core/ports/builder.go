package ports

import "context"

// BuildRequest names a git repository holding a circuit image's sources.
type BuildRequest struct {
	RepoURL    string
	Ref        string // branch name; empty means the remote HEAD
	Dockerfile string
	Image      string
}

// BuilderService builds container images from source code.
type BuilderService interface {
	// BuildImage clones the repository and builds an image tagged req.Image.
	// It returns the image tag or an error wrapping errdefs.ErrBuildFailed.
	BuildImage(ctx context.Context, req BuildRequest) (string, error)
}
