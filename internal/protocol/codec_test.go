package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payloads := []Payload{
		&Add{TorrentKey: "t1", TorrentID: "magnet:?xt=urn:btih:08ada5a7a6183aae1e09d831df6748d566095a10"},
		&Get{TorrentKey: "t1", TorrentID: "08ada5a7a6183aae1e09d831df6748d566095a10"},
		&Remove{TorrentKey: "t1", TorrentID: "08ada5a7a6183aae1e09d831df6748d566095a10"},
		&Destroy{},
		&Heartbeat{},
		&InfoHash{TorrentKey: "t1", InfoHash: "08ada5a7a6183aae1e09d831df6748d566095a10"},
		&Metadata{TorrentKey: "t1", InfoHash: "abc", Name: "Sintel", Length: 129241752,
			Files: []File{{Path: "Sintel/Sintel.mp4", Length: 129241752}}},
		&Progress{TorrentKey: "t1", Downloaded: 1 << 40, Uploaded: 7, Length: 1 << 41, Progress: 0.5, NumPeers: 12},
		&Done{TorrentKey: "t1"},
		&Subscribed{TorrentKey: "t1", InfoHash: "abc", Name: "Sintel", Length: 10, Progress: 0.25},
		&Missing{TorrentKey: "t1", TorrentID: "abc"},
		&Removed{TorrentKey: "t1"},
		&Warning{Message: "tracker unreachable"},
		&Error{TorrentKey: "t1", Message: "invalid torrent identifier"},
	}

	for _, p := range payloads {
		t.Run(string(p.Action()), func(t *testing.T) {
			in := New("client-ü-1", p)

			data, err := Encode(in)
			require.NoError(t, err)

			out, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestEncodeFieldOrder(t *testing.T) {
	data, err := Encode(New("A", &Add{TorrentKey: "t", TorrentID: "magnet:?xt=x"}))
	require.NoError(t, err)
	assert.Equal(t, `{"clientKey":"A","action":"add","torrentKey":"t","torrentId":"magnet:?xt=x"}`, string(data))

	data, err = Encode(New("A", &Heartbeat{}))
	require.NoError(t, err)
	assert.Equal(t, `{"clientKey":"A","action":"heartbeat"}`, string(data))
}

func TestEncodeIsFlatJSON(t *testing.T) {
	data, err := Encode(New("A", &Progress{TorrentKey: "t", Downloaded: 9007199254740993, Length: 9007199254740993, Progress: 1}))
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "9007199254740993", string(m["downloaded"]))
	assert.Equal(t, `"A"`, string(m["clientKey"]))
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode(New("", &Heartbeat{}))
	assert.Error(t, err)

	_, err = Encode(Envelope{ClientKey: "A", Action: ActionAdd})
	assert.Error(t, err)

	_, err = Encode(Envelope{ClientKey: "A", Action: ActionAdd, Payload: &Remove{TorrentKey: "t", TorrentID: "x"}})
	assert.Error(t, err)
}

func TestEncodeRejectsWhatDecodeRejects(t *testing.T) {
	testCases := []struct {
		name    string
		payload Payload
	}{
		{"typed nil done", (*Done)(nil)},
		{"typed nil destroy", (*Destroy)(nil)},
		{"warning without message", &Warning{}},
		{"error without message", &Error{TorrentKey: "t"}},
		{"add without id", &Add{TorrentKey: "t"}},
		{"done without torrent key", &Done{}},
		{"progress out of range", &Progress{TorrentKey: "t", Progress: 1.5}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(New("A", tc.payload))
			assert.Error(t, err)
			assert.Nil(t, data)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	testCases := []struct {
		name  string
		input string
	}{
		{"not json", "not json"},
		{"empty", ""},
		{"array", `[1,2,3]`},
		{"null", `null`},
		{"truncated", `{"clientKey":"A","action":"add"`},
		{"missing client key", `{"action":"heartbeat"}`},
		{"empty client key", `{"clientKey":"","action":"heartbeat"}`},
		{"numeric client key", `{"clientKey":7,"action":"heartbeat"}`},
		{"missing action", `{"clientKey":"A"}`},
		{"unknown action", `{"clientKey":"A","action":"explode"}`},
		{"add without torrent id", `{"clientKey":"A","action":"add","torrentKey":"t"}`},
		{"get without torrent key", `{"clientKey":"A","action":"get","torrentId":"x"}`},
		{"wrong field type", `{"clientKey":"A","action":"progress","torrentKey":"t","downloaded":"lots"}`},
		{"progress out of range", `{"clientKey":"A","action":"progress","torrentKey":"t","progress":2}`},
		{"warning without message", `{"clientKey":"A","action":"warning"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var env Envelope
			var err error
			require.NotPanics(t, func() { env, err = Decode([]byte(tc.input)) })

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr), "got %v", err)
			assert.NotEmpty(t, decErr.Error())
			assert.Equal(t, Envelope{}, env)
		})
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	env, err := Decode([]byte(`{"clientKey":"A","action":"done","torrentKey":"t","extra":{"nested":[1]}}`))
	require.NoError(t, err)
	assert.Equal(t, New("A", &Done{TorrentKey: "t"}), env)
}

func TestTorrentKeyOf(t *testing.T) {
	assert.Equal(t, "t", TorrentKeyOf(&Progress{TorrentKey: "t"}))
	assert.Equal(t, "", TorrentKeyOf(&Heartbeat{}))
	assert.Equal(t, "", TorrentKeyOf(&Warning{Message: strings.Repeat("x", 3)}))
}
