package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeployArgs(t *testing.T) {
	d := &Deploy{}
	args := d.args("staging", "rollout", "status", "deployment/app")
	assert.Equal(t, []string{"--namespace", "staging", "rollout", "status", "deployment/app"}, args)
}

func TestDeployArgs_Kubeconfig(t *testing.T) {
	d := &Deploy{Kubeconfig: "/etc/conveyor/kubeconfig"}
	args := d.args("default", "set", "image", "deployment/app", "app=img:v1")
	assert.Equal(t, []string{
		"--namespace", "default",
		"--kubeconfig", "/etc/conveyor/kubeconfig",
		"set", "image", "deployment/app", "app=img:v1",
	}, args)
}
