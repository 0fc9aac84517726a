package control

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := []Message{
		{Payload: ConnectionTagsRequest{
			ID:  "c1",
			URL: "/ws?__appName=acme",
			Headers: map[string]any{
				"x-app":  "acme",
				"accept": []any{"text/html", "application/json"},
				"nested": map[string]any{"a": []any{"b", map[string]any{"c": "d"}}},
			},
		}},
		{Payload: ConnectionTagsResponse{ConnectionID: "c1", Tags: []string{"app:acme"}}},
		{Payload: StartListen{Port: 13000}, RequestID: "r-1"},
		{Payload: ListenStarted{Address: "127.0.0.1:13000", Port: 13000}, RequestID: "r-1"},
		{Payload: NeedRefreshTags{}},
		{Payload: GatewayCreated{}},
		{Payload: AppStatusChanged{AppName: "acme", WorkingMessage: "loading plugins", Status: "initializing"}},
		{Payload: WorkerError{ErrorMessage: "boom"}},
		{Payload: WorkerRestart{}},
		{Payload: WorkerExit{}},
		{Payload: CLIArgv{Argv: []string{"steeze-gateway", "upgrade"}}, RequestID: "r-2"},
		{Payload: Success{Message: "done", Data: map[string]any{"list": []any{"x", "y"}}}, RequestID: "r-2"},
		{Payload: Success{Data: map[string]any{"id": json.Number("9007199254740993"), "ratio": json.Number("0.25")}}, RequestID: "r-3"},
		{Payload: Failure{Message: "Not handle by ipc server"}, RequestID: "r-2"},
	}
	for _, want := range cases {
		t.Run(string(want.Type()), func(t *testing.T) {
			line, err := Encode(want)
			require.NoError(t, err)
			require.Equal(t, byte('\n'), line[len(line)-1])
			assert.NotContains(t, string(line[:len(line)-1]), "\n")

			got, err := Decode(line[:len(line)-1])
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestDecode_KeepsLargeIntegersExact(t *testing.T) {
	in := Message{Payload: Success{Data: map[string]any{"id": int64(9007199254740993)}}, RequestID: "r-1"}
	line, err := Encode(in)
	require.NoError(t, err)

	got, err := Decode(line[:len(line)-1])
	require.NoError(t, err)
	data := got.Payload.(Success).Data.(map[string]any)
	id, err := data["id"].(json.Number).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), id)

	again, err := Encode(got)
	require.NoError(t, err)
	assert.Equal(t, string(line), string(again))
}

func TestDecode_MissingPayloadIsEmpty(t *testing.T) {
	m, err := Decode([]byte(`{"type":"needRefreshTags"}`))
	require.NoError(t, err)
	assert.Equal(t, NeedRefreshTags{}, m.Payload)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"rebootUniverse","payload":{}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestDecode_InvalidPayload(t *testing.T) {
	for _, line := range []string{
		`not json`,
		`{"type":"startListen","payload":{"port":"eighty"}}`,
		`{"type":"startListen","payload":{"port":70000}}`,
		`{"type":"appStatusChanged","payload":{"workingMessage":"x"}}`,
		`{"type":"workerError","payload":{"errorMessage":"x","extra":1}}`,
	} {
		_, err := Decode([]byte(line))
		assert.Truef(t, errors.Is(err, ErrInvalidPayload), "line %s: %v", line, err)
	}
}

func TestEncode_RejectsNilPayload(t *testing.T) {
	_, err := Encode(Message{})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestConnectionTagsRequest_HTTPHeader(t *testing.T) {
	req := ConnectionTagsRequest{Headers: map[string]any{
		"x-app":  "acme",
		"accept": []any{"a", "b"},
	}}
	h := req.HTTPHeader()
	assert.Equal(t, "acme", h.Get("X-App"))
	assert.Equal(t, []string{"a", "b"}, h.Values("Accept"))

	back := HeaderMap(h)
	assert.Equal(t, "acme", back["x-app"])
}
