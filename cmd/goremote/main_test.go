package main

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/goremote/internal/config"
	"github.com/chronologos/goremote/internal/inject"
	"github.com/chronologos/goremote/internal/transport"
)

func TestParseGlobalFlags(t *testing.T) {
	saved := os.Args
	t.Cleanup(func() { os.Args = saved })

	os.Args = []string{"goremote", "connect", "--tcp", "-p", "9000", "--script", "-k", "s.pub", "host"}
	g := parseGlobalFlags()
	assert.True(t, g.tcp)
	assert.True(t, g.script)
	assert.False(t, g.profile)
	assert.Equal(t, []string{"connect", "-p", "9000", "-k", "s.pub", "host"}, g.rest)
	assert.Equal(t, transport.ModeTCP, g.dialMode())

	os.Args = []string{"goremote", "connect"}
	assert.Equal(t, transport.ModeQUIC, parseGlobalFlags().dialMode())
}

func TestInjectorFactoryDefaultsToLog(t *testing.T) {
	factory := injectorFactory(&config.Injector{Kind: config.InjectorLog})
	inj, err := factory(slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer inj.Close()
	assert.IsType(t, &inject.LogInjector{}, inj)
}
