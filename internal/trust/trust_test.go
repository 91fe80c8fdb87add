package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnel-mesh/funnel/internal/testutil"
)

func TestNormalizeFingerprint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sha256:AB12CD", "ab12cd"},
		{"AB:12:CD", "ab12cd"},
		{"  ab12cd ", "ab12cd"},
		{"ab12cd", "ab12cd"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeFingerprint(tt.in))
	}
}

func rawChain(t *testing.T, ca *testutil.TestCA, opts testutil.IssueOptions) [][]byte {
	t.Helper()
	cert := ca.Issue(t, opts)
	return cert.Certificate
}

func TestValidator_VerifyPeer(t *testing.T) {
	pinnedCA := testutil.NewTestCA(t, "funnel-root")
	otherCA := testutil.NewTestCA(t, "rogue-root")
	v := NewValidator(pinnedCA.Fingerprint(), testutil.NewTestLogger(t))

	t.Run("accepts chain from pinned CA", func(t *testing.T) {
		leaf, err := v.VerifyPeer(rawChain(t, pinnedCA, testutil.IssueOptions{CommonName: "agent-a"}))
		require.NoError(t, err)
		assert.Equal(t, "agent-a", leaf.Subject.CommonName)
	})

	t.Run("rejects chain from another CA regardless of leaf validity", func(t *testing.T) {
		_, err := v.VerifyPeer(rawChain(t, otherCA, testutil.IssueOptions{CommonName: "agent-b"}))
		require.Error(t, err)
		var mismatch *FingerprintMismatchError
		assert.ErrorAs(t, err, &mismatch)
	})

	t.Run("rejects expired leaf from pinned CA", func(t *testing.T) {
		_, err := v.VerifyPeer(rawChain(t, pinnedCA, testutil.IssueOptions{
			CommonName: "agent-c",
			NotBefore:  time.Now().Add(-2 * time.Hour),
			NotAfter:   time.Now().Add(-time.Hour),
		}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("rejects not-yet-valid leaf", func(t *testing.T) {
		_, err := v.VerifyPeer(rawChain(t, pinnedCA, testutil.IssueOptions{
			CommonName: "agent-d",
			NotBefore:  time.Now().Add(time.Hour),
			NotAfter:   time.Now().Add(2 * time.Hour),
		}))
		assert.Error(t, err)
	})

	t.Run("rejects empty chain", func(t *testing.T) {
		_, err := v.VerifyPeer(nil)
		assert.Error(t, err)
	})

	t.Run("rejects lone leaf without issuing CA", func(t *testing.T) {
		chain := rawChain(t, pinnedCA, testutil.IssueOptions{CommonName: "agent-e"})
		_, err := v.VerifyPeer(chain[:1])
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no issuing CA")
	})

	t.Run("rejects foreign leaf stapled to the pinned CA", func(t *testing.T) {
		foreign := rawChain(t, otherCA, testutil.IssueOptions{CommonName: "agent-f"})
		forged := [][]byte{foreign[0], pinnedCA.Cert.Raw}
		_, err := v.VerifyPeer(forged)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not signed by")
	})

	t.Run("accepts the CA certificate itself as a lone peer", func(t *testing.T) {
		_, err := v.VerifyPeer([][]byte{pinnedCA.Cert.Raw})
		assert.NoError(t, err)
	})
}

func TestValidator_ServerTLSConfig(t *testing.T) {
	ca := testutil.NewTestCA(t, "funnel-root")
	serverCert := ca.Issue(t, testutil.IssueOptions{CommonName: "server"})
	v := NewValidator(ca.Fingerprint(), testutil.NewTestLogger(t))

	t.Run("secure mode requires client certs", func(t *testing.T) {
		cfg := v.ServerTLSConfig(serverCert, false)
		assert.NotNil(t, cfg.VerifyPeerCertificate)
		assert.NotEqual(t, cfg.ClientAuth.String(), "NoClientCert")
	})

	t.Run("insecure mode drops the requirement", func(t *testing.T) {
		cfg := v.ServerTLSConfig(serverCert, true)
		assert.Nil(t, cfg.VerifyPeerCertificate)
	})
}
