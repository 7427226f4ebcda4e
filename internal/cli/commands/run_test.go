// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/pkg/value"
)

func TestGuessValue(t *testing.T) {
	assert.Equal(t, value.Int(14), guessValue("14"))
	assert.Equal(t, value.Float(1.5), guessValue("1.5"))
	assert.Equal(t, value.Bool(true), guessValue("true"))
	assert.Equal(t, value.String("hello"), guessValue("hello"))
}

func TestParseVarFlags(t *testing.T) {
	vars, err := parseVarFlags([]string{"x=3", "name=rack1"})
	require.NoError(t, err)
	assert.Equal(t, value.Int(3), vars["x"])
	assert.Equal(t, value.String("rack1"), vars["name"])

	_, err = parseVarFlags([]string{"missing-equals"})
	assert.Error(t, err)
}

func TestRunCommand_ArithmeticScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.foundry")
	require.NoError(t, os.WriteFile(path, []byte("x = ( 2 + 2 )\n"), 0o644))

	cmd := NewRunCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{path})
	cmd.SetContext(context.Background())

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "state: DONE")
	assert.Contains(t, out.String(), "x = 4")
}

func TestRunCommand_PreloadedVar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.foundry")
	require.NoError(t, os.WriteFile(path, []byte("y = ( x + 1 )\n"), 0o644))

	cmd := NewRunCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--var", "x=9", path})
	cmd.SetContext(context.Background())

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "y = 10")
}
