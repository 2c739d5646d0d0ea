package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	resolverdomain "github.com/smallbiznis/genbroker/internal/resolver/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRunResolveJSON(t *testing.T) {
	var buf bytes.Buffer
	err := runResolve(&buf, resolveOptions{kind: "image", category: "interior", service: "renovation", creativity: 50, output: "json"})
	require.NoError(t, err)

	var req resolverdomain.GenerationRequest
	require.NoError(t, json.Unmarshal(buf.Bytes(), &req))
	assert.Equal(t, resolverdomain.KindImage, req.Kind)
	assert.NotEmpty(t, req.ResolvedBackend)
	assert.NotEmpty(t, req.Prompt)
}

func TestRunResolveYAML(t *testing.T) {
	var buf bytes.Buffer
	err := runResolve(&buf, resolveOptions{kind: "video", creativity: 200, output: "yaml"})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "video", out["kind"])
	assert.Equal(t, 100, out["creativity"])
}

func TestRunResolveRejectsUnknownOptions(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, runResolve(&buf, resolveOptions{kind: "audio", output: "json"}))
	assert.Error(t, runResolve(&buf, resolveOptions{kind: "image", output: "xml"}))
}
