package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/logging"
)

func TestChannel(t *testing.T) {
	assert.Equal(t, "docsync:document:abc", Channel("abc"))
}

func TestDispatch(t *testing.T) {
	r := &RedisRelay{instanceID: "self", log: logging.Discard()}

	var got []Envelope
	handle := func(env Envelope) { got = append(got, env) }

	foreign, err := json.Marshal(Envelope{Origin: "other", Exclude: "c1", Event: "receive-changes", Data: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	own, err := json.Marshal(Envelope{Origin: "self", DocumentID: "doc", Event: "receive-changes"})
	require.NoError(t, err)

	r.dispatch(Channel("doc"), string(foreign), handle)
	r.dispatch(Channel("doc"), string(own), handle)
	r.dispatch(Channel("doc"), "{not json", handle)

	require.Len(t, got, 1)
	assert.Equal(t, "doc", got[0].DocumentID, "document id falls back to the channel name")
	assert.Equal(t, "c1", got[0].Exclude)
	assert.JSONEq(t, `{"x":1}`, string(got[0].Data))
}
