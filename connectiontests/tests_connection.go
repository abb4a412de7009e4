package connectiontests

import (
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/identity"
	"github.com/iothub-harness/connection-tests/session"
)

func DoConnectionTests(t *T) {
	t.RunConcurrently(lo.Map(Matrix(), func(p Params, _ int) Case {
		return Case{Name: p.Name(), Action: func(t *T) { canOpenConnection(t, p) }}
	}))
}

func DoECCCertificateTests(t *T) {
	t.RunConcurrently(lo.Map(Matrix(), func(p Params, _ int) Case {
		return Case{Name: p.Name(), Action: func(t *T) { canOpenConnectionWithECCCertificates(t, p) }}
	}))
}

func canOpenConnection(t *T, p Params) {
	id := t.ProvisionIdentity(p, certs.Unspecified)
	s := t.NewSession(id, p.Protocol, t.harness.proxyFor(p))
	openVerifyAndClose(t, s)
}

func canOpenConnectionWithECCCertificates(t *T, p Params) {
	if p.Auth != identity.SelfSigned {
		t.Skip("ECC certificates only apply to self-signed identities")
	}
	t.RequireStandardTier()
	t.RequireAlgorithm(certs.ECC)

	id := t.ProvisionIdentity(p, certs.ECC)
	require.NotNil(t, id.Certificate())
	assert.Equal(t, certs.ECC, id.Certificate().Algorithm)

	s := t.NewSession(id, p.Protocol, t.harness.authenticatedProxy(p))
	openVerifyAndClose(t, s)
}

// openVerifyAndClose opens s, sends one event if the protocol only connects on first use, and
// closes it again.
func openVerifyAndClose(t *T, s *session.Session) {
	require.NoError(t, s.Open(t.Ctx()))
	require.NoError(t, s.Verify(t.Ctx()))
	assert.True(t, s.Verified(), "connection was not verified")
	require.NoError(t, s.Close(t.Ctx()))
	assert.Equal(t, session.Closed, s.State())
}
