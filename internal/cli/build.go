package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/dgnsrekt/requests-whaor/internal/core/ports"
)

func newBuildCmd(a *app) *cobra.Command {
	req := ports.BuildRequest{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a circuit image from a git repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runBuild(cmd.Context(), req)
		},
	}
	cmd.Flags().StringVar(&req.RepoURL, "repo", "", "git repository holding the image sources")
	cmd.Flags().StringVar(&req.Ref, "ref", "", "branch to build (default: remote HEAD)")
	cmd.Flags().StringVar(&req.Dockerfile, "dockerfile", "Dockerfile", "Dockerfile path inside the repository")
	cmd.Flags().StringVarP(&req.Image, "tag", "t", "whaor-circuit:latest", "tag of the built image")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func (a *app) runBuild(ctx context.Context, req ports.BuildRequest) (err error) {
	h, err := a.openRuntime(a)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, h.close())
	}()

	if h.builder == nil {
		return errors.New("image builds need the docker runtime")
	}
	image, err := h.builder.BuildImage(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, image)
	return nil
}
