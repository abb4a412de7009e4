package connectiontests

import (
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func DoMultiplexingTests(t *T) {
	t.RunConcurrently(lo.Map(lo.Filter(Matrix(), func(p Params, _ int) bool { return SupportsMultiplexing(p) }),
		func(p Params, _ int) Case {
			return Case{Name: p.Name(), Action: func(t *T) { canOpenMultiplexingConnection(t, p) }}
		}))
}

func canOpenMultiplexingConnection(t *T, p Params) {
	devices := t.ProvisionDevices(t.harness.config.MultiplexCount)

	conn := t.NewMultiplexedConnection(p.Protocol, devices, t.harness.proxyFor(p))
	require.NoError(t, conn.Open(t.Ctx()))
	assert.True(t, conn.IsOpen())
	require.NoError(t, conn.SendFromAll(t.Ctx()))
	require.NoError(t, conn.Close(t.Ctx()))
	assert.False(t, conn.IsOpen())
}
