package adapter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"conveyor.sh/core/log"
)

// Deploy rolls an image out to a cluster workload via kubectl. The
// rollout is awaited so the stage only succeeds once the new revision
// is live. Setting the same image twice is a no-op for the cluster,
// so retries are safe.
type Deploy struct {
	// Binary is the kubectl executable. Defaults to "kubectl".
	Binary string
	// Kubeconfig path, empty for ambient credentials.
	Kubeconfig string
}

func (d *Deploy) Run(ctx context.Context, params Params) (Result, error) {
	l := log.FromContext(ctx)

	img, err := params.Require("image")
	if err != nil {
		return Result{}, err
	}
	workload, err := params.Require("workload")
	if err != nil {
		return Result{}, err
	}
	container := params.Get("container")
	if container == "" {
		container = "app"
	}
	namespace := params.Get("namespace")
	if namespace == "" {
		namespace = "default"
	}

	setArgs := d.args(namespace, "set", "image", workload, container+"="+img)
	if out, err := d.kubectl(ctx, setArgs); err != nil {
		return Result{}, fmt.Errorf("setting image: %w: %s", err, out)
	}

	rolloutArgs := d.args(namespace, "rollout", "status", workload)
	out, err := d.kubectl(ctx, rolloutArgs)
	if err != nil {
		return Result{
			OK:     false,
			Detail: strings.TrimSpace(out),
		}, nil
	}

	l.Info("deployed image", "image", img, "workload", workload, "namespace", namespace)

	return Result{
		OK: true,
		Output: map[string]string{
			"workload":  workload,
			"namespace": namespace,
		},
	}, nil
}

func (d *Deploy) args(namespace string, rest ...string) []string {
	args := []string{"--namespace", namespace}
	if d.Kubeconfig != "" {
		args = append(args, "--kubeconfig", d.Kubeconfig)
	}
	return append(args, rest...)
}

func (d *Deploy) kubectl(ctx context.Context, args []string) (string, error) {
	binary := d.Binary
	if binary == "" {
		binary = "kubectl"
	}

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
