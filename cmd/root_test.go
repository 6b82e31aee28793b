package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"sync", "serve", "status", "gaps", "recalc", "import", "migrate"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "marketsync", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestImportCommand_RequiredFlags(t *testing.T) {
	flag := importCmd.Flags().Lookup("csv")
	require.NotNil(t, flag, "import command should have --csv flag")
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestRecalcCommand_Flags(t *testing.T) {
	flag := recalcCmd.Flags().Lookup("loop")
	require.NotNil(t, flag, "recalc command should have --loop flag")
	assert.Equal(t, "false", flag.DefValue)
}

func TestGapsCommand_Flags(t *testing.T) {
	for _, flagName := range []string{"list", "limit"} {
		flag := gapsCmd.Flags().Lookup(flagName)
		assert.NotNil(t, flag, "gaps command should have --%s flag", flagName)
	}
}
