package adapter

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"conveyor.sh/core/log"
)

// Build produces a container image from a stage workspace using the
// Docker daemon. Building the same context twice yields the same
// tagged image, so retries are safe.
type Build struct {
	docker client.APIClient
}

func NewBuild() (*Build, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Build{docker: dcli}, nil
}

func (b *Build) Run(ctx context.Context, params Params) (Result, error) {
	l := log.FromContext(ctx)

	workspace, err := params.Require("workspace")
	if err != nil {
		return Result{}, err
	}
	tag, err := params.Require("tag")
	if err != nil {
		return Result{}, err
	}

	dockerfile := params.Get("dockerfile")
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	buildCtx, err := archive.TarWithOptions(workspace, &archive.TarOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("preparing build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := b.docker.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("building image: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(os.Stdout, resp.Body)

	l.Info("built image", "tag", tag, "workspace", workspace)

	return Result{
		OK: true,
		Output: map[string]string{
			"image": tag,
		},
	}, nil
}
