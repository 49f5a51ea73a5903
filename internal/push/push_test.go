package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vimo-ai/vlaude/internal/wire"
)

func TestRegister_ParsesSubscription(t *testing.T) {
	s := NewService(Config{Subject: "mailto:test@localhost"})

	err := s.Register("client-1", []byte(`{
		"endpoint": "https://push.example.com/send/abc",
		"keys": {"p256dh": "BPk", "auth": "aGVsbG8"}
	}`))
	require.NoError(t, err)
	assert.True(t, s.Subscribed("client-1"))

	s.Unregister("client-1")
	assert.False(t, s.Subscribed("client-1"))
}

func TestRegister_RejectsMalformedJSON(t *testing.T) {
	s := NewService(Config{})
	err := s.Register("client-1", []byte(`{not json`))
	require.Error(t, err)
	assert.False(t, s.Subscribed("client-1"))
}

func TestNotify_FailsWithoutSubscription(t *testing.T) {
	s := NewService(Config{})
	err := s.NotifyApprovalRequest("nobody", wire.ApprovalRequestPayload{RequestID: "r1"})
	assert.Error(t, err)
}

func TestGenerateVAPIDKeys(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	assert.NotEmpty(t, pub)
	assert.NotEmpty(t, priv)
	assert.NotEqual(t, pub, priv)
}
