package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"syncServer/backend/internal/crdt"
)

func TestCodecRoundTrip(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarUint(0)
	enc.WriteVarUint(127)
	enc.WriteVarUint(128)
	enc.WriteVarUint(1 << 40)
	enc.WriteVarBytes([]byte("payload"))
	enc.WriteVarBytes(nil)

	dec := NewDecoder(enc.Bytes())
	for _, want := range []uint64{0, 127, 128, 1 << 40} {
		got, err := dec.ReadVarUint()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	b, err := dec.ReadVarBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), b)
	b, err = dec.ReadVarBytes()
	require.NoError(t, err)
	require.Empty(t, b)

	_, err = dec.ReadVarUint()
	require.Error(t, err, "decoder must report exhaustion")
}

func TestStep1IsAnsweredWithStep2(t *testing.T) {
	server := crdt.NewDoc()
	server.Append("items", "x", "y")

	client := crdt.NewDoc()

	// Client sends step 1 carrying its (empty) state vector.
	msg := NewEncoder()
	WriteSyncStep1(msg, client.EncodeStateVector())

	reply := NewEncoder()
	reply.WriteVarUint(MessageSync)
	evts, err := ReadSyncMessage(NewDecoder(msg.Bytes()), reply, server, nil, true)
	require.NoError(t, err)
	require.Empty(t, evts, "answering a state request applies nothing")
	require.Greater(t, reply.Len(), 1)

	// The reply is a step 2 the client can apply to converge.
	dec := NewDecoder(reply.Bytes())
	kind, err := dec.ReadVarUint()
	require.NoError(t, err)
	require.Equal(t, MessageSync, kind)

	clientReply := NewEncoder()
	clientReply.WriteVarUint(MessageSync)
	_, err = ReadSyncMessage(dec, clientReply, client, nil, true)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, client.List("items"))
}

func TestUpdateAppliesAndReportsEvents(t *testing.T) {
	writer := crdt.NewDoc()
	ev := writer.Append("items", "z")

	msg := NewEncoder()
	WriteUpdate(msg, ev.Payload)

	doc := crdt.NewDoc()
	reply := NewEncoder()
	reply.WriteVarUint(MessageSync)
	evts, err := ReadSyncMessage(NewDecoder(msg.Bytes()), reply, doc, "conn-1", true)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, "conn-1", evts[0].Origin)
	require.Equal(t, 1, reply.Len(), "incremental updates generate no reply")
}

func TestReadOnlyUpdateSilentlyDropped(t *testing.T) {
	writer := crdt.NewDoc()
	ev := writer.Append("items", "should_not_be_propagated")

	msg := NewEncoder()
	WriteUpdate(msg, ev.Payload)

	doc := crdt.NewDoc()
	reply := NewEncoder()
	reply.WriteVarUint(MessageSync)
	evts, err := ReadSyncMessage(NewDecoder(msg.Bytes()), reply, doc, nil, false)
	require.NoError(t, err, "dropping is silent, not an error")
	require.Empty(t, evts)
	require.Empty(t, doc.List("items"))
}

func TestReadOnlyStep1StillAnswered(t *testing.T) {
	server := crdt.NewDoc()
	server.Append("items", "x")

	client := crdt.NewDoc()
	msg := NewEncoder()
	WriteSyncStep1(msg, client.EncodeStateVector())

	reply := NewEncoder()
	reply.WriteVarUint(MessageSync)
	_, err := ReadSyncMessage(NewDecoder(msg.Bytes()), reply, server, nil, false)
	require.NoError(t, err)
	require.Greater(t, reply.Len(), 1, "reading state requires no write access")
}

func TestUnknownSyncSubtypeIsViolation(t *testing.T) {
	msg := NewEncoder()
	msg.WriteVarUint(9)

	reply := NewEncoder()
	_, err := ReadSyncMessage(NewDecoder(msg.Bytes()), reply, crdt.NewDoc(), nil, true)
	require.ErrorIs(t, err, ErrProtocolViolation)
}
