// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Help(t *testing.T) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"--help"})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "backdesk")
	assert.Contains(t, buf.String(), "serve")
	assert.Contains(t, buf.String(), "tools")
	assert.Contains(t, buf.String(), "version")
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"version"})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "backdesk")
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"--help"})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "--config")
}

func TestServeCommand_MissingConfigFile(t *testing.T) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"serve", "--config", "/nonexistent/backdesk.yaml"})

	err := root.Execute()
	assert.Error(t, err)
}

func TestToolsCommand_ListsRegistry(t *testing.T) {
	dir := t.TempDir()
	registry := filepath.Join(dir, "tools.yaml")
	require.NoError(t, os.WriteFile(registry, []byte(`
tools:
  - name: crm_lookup
    description: Look up a customer record
    risk_level: read
    permissions: [crm:read]
    builtin: true
  - name: crm_update
    description: Update a customer record
    risk_level: high_write
    permissions: [crm:write]
    endpoint: https://crm.internal/update
`), 0o600))

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"tools", "--registry", registry})

	err := root.Execute()
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "crm_lookup")
	assert.Contains(t, out, "read")
	assert.Contains(t, out, "builtin")
	assert.Contains(t, out, "crm_update")
	assert.Contains(t, out, "high_write")
	assert.Contains(t, out, "crm:write")
}

func TestToolsCommand_BadRegistry(t *testing.T) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"tools", "--registry", "/nonexistent/tools.yaml"})

	err := root.Execute()
	assert.Error(t, err)
}
