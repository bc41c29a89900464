package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"conveyor.sh/core/log"
)

// Push publishes a built image to a target repository. Registries
// deduplicate layers by digest, so re-pushing after a partial failure
// is safe.
type Push struct {
	docker client.APIClient

	Username string
	Password string
}

func NewPush(username, password string) (*Push, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Push{docker: dcli, Username: username, Password: password}, nil
}

func (p *Push) Run(ctx context.Context, params Params) (Result, error) {
	l := log.FromContext(ctx)

	img, err := params.Require("image")
	if err != nil {
		return Result{}, err
	}

	auth, err := p.registryAuth(params)
	if err != nil {
		return Result{}, err
	}

	reader, err := p.docker.ImagePush(ctx, img, image.PushOptions{
		RegistryAuth: auth,
	})
	if err != nil {
		return Result{}, fmt.Errorf("pushing image: %w", err)
	}
	defer reader.Close()
	io.Copy(os.Stdout, reader)

	l.Info("pushed image", "image", img)

	return Result{
		OK: true,
		Output: map[string]string{
			"image": img,
		},
	}, nil
}

func (p *Push) registryAuth(params Params) (string, error) {
	username := params.Get("registry_user")
	password := params.Get("registry_token")
	if username == "" {
		username = p.Username
		password = p.Password
	}
	if username == "" {
		return "", nil
	}

	buf, err := json.Marshal(registry.AuthConfig{
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}
