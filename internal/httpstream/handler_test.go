// ABOUTME: Tests for the HTTP transport against a real httptest server
// ABOUTME: Streams request bodies through pipes and reads frames off the response

package httpstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/exchange"
	"github.com/2389/parley/internal/wire"
)

func echoSetup(c *conversation.Conversation) {
	_ = exchange.Serve(c, exchange.HandlerFunc(func(r *exchange.Response) {
		_ = r.Reply(r.Question().Message, nil)
	}), nil)
}

func newTestServer(t *testing.T) (*httptest.Server, *conversation.Registry) {
	t.Helper()
	reg := conversation.NewRegistry(conversation.RegistryConfig{ClosedTTL: time.Minute}, nil)
	srv := httptest.NewServer(NewHandler(reg, echoSetup, nil))
	t.Cleanup(func() {
		reg.Close()
		srv.Close()
	})
	return srv, reg
}

func encode(t *testing.T, m wire.Message) []byte {
	t.Helper()
	f, err := wire.EncodeFrame(m)
	require.NoError(t, err)
	return f
}

func readMessage(t *testing.T, r io.Reader) wire.Message {
	t.Helper()
	var hdr [wire.HeaderLen]byte
	_, err := io.ReadFull(r, hdr[:])
	require.NoError(t, err)
	body := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	var m wire.Message
	require.NoError(t, json.Unmarshal(body, &m))
	return m
}

// openConversation starts an index-0 stream whose body is fed through the
// returned pipe writer.
func openConversation(t *testing.T, ctx context.Context, url string) (*http.Response, *io.PipeWriter) {
	t.Helper()
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pw.Close()
		_ = resp.Body.Close()
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp, pw
}

func postStream(t *testing.T, url, id, index string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	if id != "" {
		req.Header.Set(HeaderConversation, id)
	}
	if index != "" {
		req.Header.Set(HeaderStream, index)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHandler_OpenAndReply(t *testing.T) {
	srv, reg := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, pw := openConversation(t, ctx, srv.URL)
	id := resp.Header.Get(HeaderConversation)
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, ContentType, resp.Header.Get("Content-Type"))

	go func() {
		_, _ = pw.Write(encode(t, wire.Message{Type: wire.TypeQuestion, ID: "q1", Message: json.RawMessage(`{"hello":"world"}`)}))
	}()

	reply := readMessage(t, resp.Body)
	assert.Equal(t, wire.TypeReply, reply.Type)
	assert.Equal(t, "q1", reply.ID)
	assert.JSONEq(t, `{"hello":"world"}`, string(reply.Message))
	assert.Equal(t, 1, reg.Len())

	cancel()
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_FollowUpStream(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, pw := openConversation(t, ctx, srv.URL)
	id := resp.Header.Get(HeaderConversation)

	// Half a frame on stream 0, the rest on stream 1.
	frame := encode(t, wire.Message{Type: wire.TypeQuestion, ID: "q1", Message: json.RawMessage(`"split"`)})
	_, err := pw.Write(frame[:5])
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	follow := postStream(t, srv.URL, id, "1", frame[5:])
	assert.Equal(t, http.StatusNoContent, follow.StatusCode)

	reply := readMessage(t, resp.Body)
	assert.Equal(t, "q1", reply.ID)
	assert.JSONEq(t, `"split"`, string(reply.Message))

	dup := postStream(t, srv.URL, id, "1", nil)
	assert.Equal(t, http.StatusConflict, dup.StatusCode)
}

func TestHandler_Rejections(t *testing.T) {
	srv, reg := newTestServer(t)

	tests := []struct {
		name   string
		id     string
		index  string
		status int
	}{
		{"malformed id", "not-a-uuid", "1", http.StatusBadRequest},
		{"malformed index", uuid.NewString(), "one", http.StatusBadRequest},
		{"index without conversation", "", "3", http.StatusBadRequest},
		{"unknown conversation", uuid.NewString(), "1", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postStream(t, srv.URL, tt.id, tt.index, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}

	t.Run("get", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("closed conversation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		resp, _ := openConversation(t, ctx, srv.URL)
		id := resp.Header.Get(HeaderConversation)
		cancel()
		require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

		late := postStream(t, srv.URL, id, "1", nil)
		assert.Equal(t, http.StatusGone, late.StatusCode)
	})
}

func TestHandler_MalformedFrameWritesError(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, pw := openConversation(t, ctx, srv.URL)
	go func() {
		_, _ = pw.Write([]byte{0, 0, 0, 3, 'n', 'o', 'p'})
	}()

	m := readMessage(t, resp.Body)
	require.Equal(t, wire.TypeError, m.Type)
	assert.Equal(t, http.StatusBadRequest, wire.DecodeError(m).HTTPStatus())

	_, err := io.ReadAll(resp.Body)
	assert.NoError(t, err, "response ends after the error frame")
}
