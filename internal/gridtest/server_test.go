package gridtest

import (
	"bufio"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridsql/internal/protocol"
)

type rawClient struct {
	nc net.Conn
	fr *protocol.FrameReader
	bw *bufio.Writer
}

func handshake(t *testing.T, s *Server, v protocol.Version) (*rawClient, *protocol.HandshakeResponse) {
	t.Helper()
	nc, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })

	c := &rawClient{nc: nc, fr: protocol.NewFrameReader(nc), bw: bufio.NewWriter(nc)}
	payload, err := (&protocol.HandshakeRequest{Version: v, ClientCode: protocol.ClientCode}).Encode()
	require.NoError(t, err)
	require.NoError(t, protocol.WriteMagic(c.bw))
	require.NoError(t, protocol.WriteFrame(c.bw, payload))
	require.NoError(t, c.bw.Flush())

	require.NoError(t, c.fr.ReadMagic())
	frame, err := c.fr.ReadFrame()
	require.NoError(t, err)
	resp, err := protocol.DecodeHandshakeResponse(frame)
	require.NoError(t, err)
	return c, resp
}

func (c *rawClient) send(t *testing.T, payload []byte) protocol.ResponseHeader {
	t.Helper()
	require.NoError(t, protocol.WriteFrame(c.bw, payload))
	require.NoError(t, c.bw.Flush())
	frame, err := c.fr.ReadFrame()
	require.NoError(t, err)
	hdr, _, err := protocol.DecodeResponse(protocol.V3_1_0, frame)
	require.NoError(t, err)
	return hdr
}

func TestServerHandshake(t *testing.T) {
	s := Start(t, WithNodeName("node-a"))

	_, resp := handshake(t, s, protocol.V3_1_0)
	require.Nil(t, resp.Err)
	assert.Equal(t, "node-a", resp.NodeName)
	assert.NotEmpty(t, resp.NodeID)
}

func TestServerVersionMismatch(t *testing.T) {
	s := Start(t, WithVersions(protocol.V3_0_0))

	_, resp := handshake(t, s, protocol.V3_1_0)
	require.NotNil(t, resp.Err)
	assert.Equal(t, protocol.CodeVersionMismatch, resp.Err.Code)
	assert.Equal(t, protocol.V3_0_0, resp.Version)
}

func TestServerRequiresAuth(t *testing.T) {
	s := Start(t, WithUser("admin", "secret"))

	_, resp := handshake(t, s, protocol.V3_1_0)
	require.NotNil(t, resp.Err)
	assert.Equal(t, protocol.CodeAuthFailed, resp.Err.Code)
}

func TestServerUnknownOp(t *testing.T) {
	s := Start(t)
	c, _ := handshake(t, s, protocol.V3_1_0)

	// op 999 with request id 5
	hdr := c.send(t, []byte{0xcd, 0x03, 0xe7, 0x05})
	assert.EqualValues(t, 5, hdr.RequestID)
	require.NotNil(t, hdr.Err)
	assert.Equal(t, protocol.CodeUnsupportedOp, hdr.Err.Code)

	// The connection is still usable.
	payload, err := protocol.EncodeRequest(6, &protocol.HeartbeatRequest{})
	require.NoError(t, err)
	hdr = c.send(t, payload)
	assert.EqualValues(t, 6, hdr.RequestID)
	assert.Nil(t, hdr.Err)
	assert.Positive(t, hdr.ObservableTs)
}

func TestServerPagesAndReleasesCursors(t *testing.T) {
	s := Start(t)
	for _, q := range []string{
		"create table t (id int)",
		"insert into t values (1), (2), (3), (4), (5)",
	} {
		_, err := s.Engine().Exec(nil, q, nil)
		require.NoError(t, err)
	}
	c, _ := handshake(t, s, protocol.V3_1_0)

	payload, err := protocol.EncodeRequest(1, &protocol.SQLExecRequest{Query: "select id from t", PageSize: 2})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(c.bw, payload))
	require.NoError(t, c.bw.Flush())
	frame, err := c.fr.ReadFrame()
	require.NoError(t, err)
	_, body, err := protocol.DecodeResponse(protocol.V3_1_0, frame)
	require.NoError(t, err)
	resp, err := protocol.DecodeSQLExecResponse(body)
	require.NoError(t, err)

	assert.True(t, resp.HasMore)
	require.NotNil(t, resp.ResourceID)
	assert.Len(t, resp.Rows, 2)
	assert.Equal(t, 1, s.OpenCursors())

	payload, err = protocol.EncodeRequest(2, &protocol.CursorCloseRequest{ResourceID: *resp.ResourceID})
	require.NoError(t, err)
	hdr := c.send(t, payload)
	assert.Nil(t, hdr.Err)
	assert.Equal(t, 0, s.OpenCursors())
	assert.EqualValues(t, 1, s.ReleasedCursors())

	payload, err = protocol.EncodeRequest(3, &protocol.NextPageRequest{ResourceID: *resp.ResourceID})
	require.NoError(t, err)
	hdr = c.send(t, payload)
	require.NotNil(t, hdr.Err)
	assert.Equal(t, protocol.CodeResourceNotFound, hdr.Err.Code)
}
