package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr(v int64) *int64 { return &v }

func TestPeerUserFor(t *testing.T) {
	chat := Chat{Type: ChatPrivate, MinUserID: ptr(3), MaxUserID: ptr(8)}

	other, ok := chat.PeerUserFor(3)
	assert.True(t, ok)
	assert.Equal(t, int64(8), other)

	other, ok = chat.PeerUserFor(8)
	assert.True(t, ok)
	assert.Equal(t, int64(3), other)

	_, ok = chat.PeerUserFor(5)
	assert.False(t, ok)

	saved := Chat{Type: ChatPrivate, MinUserID: ptr(3), MaxUserID: ptr(3)}
	other, ok = saved.PeerUserFor(3)
	assert.True(t, ok)
	assert.Equal(t, int64(3), other)
	assert.Equal(t, []int64{3}, saved.PrivateUsers())

	thread := Chat{Type: ChatThread}
	_, ok = thread.PeerUserFor(3)
	assert.False(t, ok)
	assert.Nil(t, thread.PrivateUsers())
}

func TestSameSubmission(t *testing.T) {
	hello := "hello"
	m := Message{ChatID: 1, Text: &hello}
	other := "hello"
	assert.True(t, m.SameSubmission(1, &other))
	assert.False(t, m.SameSubmission(2, &other))
	assert.False(t, m.SameSubmission(1, nil))

	bye := "bye"
	assert.False(t, m.SameSubmission(1, &bye))
}
