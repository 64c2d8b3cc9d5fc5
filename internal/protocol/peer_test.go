package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerVariants(t *testing.T) {
	u := UserPeer(5)
	id, ok := u.UserID()
	assert.True(t, ok)
	assert.Equal(t, int64(5), id)
	_, ok = u.ThreadID()
	assert.False(t, ok)

	th := ThreadPeer(9)
	id, ok = th.ThreadID()
	assert.True(t, ok)
	assert.Equal(t, int64(9), id)
	_, ok = th.UserID()
	assert.False(t, ok)
}

func TestPeerValidate(t *testing.T) {
	assert.NoError(t, UserPeer(1).Validate())
	assert.Error(t, Peer{}.Validate())
	assert.Error(t, UserPeer(0).Validate())
	assert.Error(t, ThreadPeer(-3).Validate())
}

func TestParsePeer(t *testing.T) {
	p, err := ParsePeer("thread:42")
	require.NoError(t, err)
	assert.Equal(t, ThreadPeer(42), p)
	assert.Equal(t, "thread:42", p.String())

	for _, bad := range []string{"", "user", "user:x", "chat:1", "user:0"} {
		_, err := ParsePeer(bad)
		assert.Error(t, err, bad)
	}
}

func TestPeerJSON(t *testing.T) {
	data, err := json.Marshal(UserPeer(7))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user","id":7}`, string(data))

	var p Peer
	require.NoError(t, json.Unmarshal([]byte(`{"type":"thread","id":3}`), &p))
	assert.Equal(t, ThreadPeer(3), p)

	assert.Error(t, json.Unmarshal([]byte(`{"type":"group","id":3}`), &p))
	assert.Error(t, json.Unmarshal([]byte(`{"type":"user"}`), &p))

	_, err = json.Marshal(Peer{})
	assert.Error(t, err)
}
