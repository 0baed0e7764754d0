package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wharf/api/model"
)

func TestBuildFTPSpec(t *testing.T) {
	req := ftpRequest("ftp-test-1")
	spec := buildFTPSpec(req, testConfig())

	assert.Equal(t, 21, spec.port)
	assert.Equal(t, "delfer/alpine-ftp-server:latest", spec.deployment.Image)
	assert.Equal(t, "/home/tester", spec.directory)

	require.Len(t, spec.deployment.Env, 2)
	assert.Equal(t, "tester|longenough|/home/tester", spec.deployment.Env[0].Value)

	require.Len(t, spec.service.Ports, 1)
	assert.Equal(t, 21, spec.service.Ports[0].Port)
}

func TestBuildSFTPSpec(t *testing.T) {
	req := &model.CreateServerRequest{
		Name:     "sftp-1",
		Protocol: model.ProtocolSFTP,
		SFTP:     &model.SFTPConfig{Username: "upload", Password: "longenough", Directory: "/data/in"},
	}
	spec := buildSFTPSpec(req, testConfig())

	assert.Equal(t, 22, spec.port)
	assert.Equal(t, "/data/in", spec.directory)
	require.Len(t, spec.deployment.Env, 1)
	assert.Equal(t, "upload:longenough:::upload", spec.deployment.Env[0].Value)
}

func TestBuildNASSpec(t *testing.T) {
	req := &model.CreateServerRequest{
		Name:         "nas-1",
		Protocol:     model.ProtocolNAS,
		ExternalPort: 30445,
		NAS:          &model.NASConfig{ShareName: "input", ExportOptions: "ro"},
	}
	spec := buildNASSpec(req, testConfig())

	assert.Equal(t, 445, spec.port)
	assert.Equal(t, "/share/input", spec.directory)
	assert.Contains(t, spec.deployment.Args, "input;/share/input;yes;yes")
	assert.Equal(t, 30445, spec.service.Ports[0].NodePort)
}

func TestSpecBuilderDispatch(t *testing.T) {
	for _, p := range []model.Protocol{model.ProtocolFTP, model.ProtocolSFTP, model.ProtocolNAS} {
		_, ok := specBuilders[p]
		assert.True(t, ok, "missing builder for %s", p)
	}
	_, ok := specBuilders[model.ProtocolNFS]
	assert.False(t, ok, "nfs servers come from the static templates only")
}
