package identity

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintNeverReusesTokens(t *testing.T) {
	fixed := uuid.MustParse("6f1c9a62-0b2d-4f4e-9a57-3d8f0f5c1a10")
	second := uuid.MustParse("1b8e2c3a-77a1-4c52-8d7e-2f3a4b5c6d7e")
	draws := []uuid.UUID{uuid.Nil, fixed, fixed, second}
	registry := NewRegistryWithSource(func() uuid.UUID {
		next := draws[0]
		draws = draws[1:]
		return next
	})

	first := registry.Mint()
	again := registry.Mint()

	assert.Equal(t, Token(fixed), first)
	assert.Equal(t, Token(second), again)
	assert.Equal(t, 2, registry.Len())
}

func TestAdoptAndSelf(t *testing.T) {
	registry := NewRegistry()

	assert.False(t, registry.Adopt(Nil))

	remembered := Token(uuid.New())
	require.True(t, registry.Adopt(remembered))
	assert.True(t, registry.Known(remembered))

	_, ok := registry.Self()
	assert.False(t, ok)

	local := registry.Mint()
	registry.AssociateSelf(local)
	self, ok := registry.Self()
	require.True(t, ok)
	assert.Equal(t, local, self)

	registry.AssociateSelf(Nil)
	self, _ = registry.Self()
	assert.Equal(t, local, self, "nil association must not clear the local token")
}

func TestTokenTextRoundTrip(t *testing.T) {
	token := NewRegistry().Mint()

	data, err := json.Marshal(struct {
		Token Token `json:"token"`
	}{Token: token})
	require.NoError(t, err)

	var decoded struct {
		Token Token `json:"token"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, token, decoded.Token)

	parsed, err := ParseToken("")
	require.NoError(t, err)
	assert.True(t, parsed.IsNil())

	_, err = ParseToken("not-a-token")
	assert.Error(t, err)
	assert.Len(t, token.Short(), 8)
}
