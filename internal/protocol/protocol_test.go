package protocol

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func readReq(t *testing.T, input string) (*Request, error) {
	t.Helper()
	server, client := net.Pipe()
	defer server.Close()
	go func() {
		client.Write([]byte(input))
		client.Close()
	}()
	return ReadRequest(bufio.NewReader(server), time.Second, server)
}

func requireProtoErr(t *testing.T, err error, code int) {
	t.Helper()
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, code, pe.Code)
}

func TestReadRequest_Acquire(t *testing.T) {
	req, err := readReq(t, "a\ncom.example.S\n3\n")
	require.NoError(t, err)
	require.Equal(t, "a", req.Cmd)
	require.Equal(t, "com.example.S", req.Name)
	require.Equal(t, uint64(3), req.Flags)
	require.Zero(t, req.TargetID)
}

func TestReadRequest_AcquireOnBehalf(t *testing.T) {
	req, err := readReq(t, "a\ncom.example.S\n1 42\n")
	require.NoError(t, err)
	require.Equal(t, uint64(1), req.Flags)
	require.Equal(t, uint64(42), req.TargetID)
}

func TestReadRequest_Hello(t *testing.T) {
	req, err := readReq(t, "hello\n\n\n")
	require.NoError(t, err)
	require.False(t, req.Activator)

	req, err = readReq(t, "hello\n\nactivator\n")
	require.NoError(t, err)
	require.True(t, req.Activator)

	_, err = readReq(t, "hello\n\nbogus\n")
	requireProtoErr(t, err, 8)
}

func TestReadRequest_Release(t *testing.T) {
	req, err := readReq(t, "r\na.b\n\n")
	require.NoError(t, err)
	require.Zero(t, req.TargetID)

	req, err = readReq(t, "r\na.b\n7\n")
	require.NoError(t, err)
	require.Equal(t, uint64(7), req.TargetID)
}

func TestReadRequest_List(t *testing.T) {
	req, err := readReq(t, "ls\n\n15\n")
	require.NoError(t, err)
	require.Equal(t, uint64(15), req.Flags)

	_, err = readReq(t, "ls\n\n\n")
	requireProtoErr(t, err, 8)
}

func TestReadRequest_Send(t *testing.T) {
	req, err := readReq(t, "send\na.b\ncGF5bG9hZA==\n")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), req.Payload)

	_, err = readReq(t, "send\na.b\nnot-base64!!\n")
	requireProtoErr(t, err, 13)
}

func TestReadRequest_Auth(t *testing.T) {
	req, err := readReq(t, "auth\nsecret\n\n")
	require.NoError(t, err)
	require.Equal(t, "secret", req.Token)
	require.Empty(t, req.Name)

	_, err = readReq(t, "auth\n\n\n")
	requireProtoErr(t, err, 5)
}

func TestReadRequest_Errors(t *testing.T) {
	_, err := readReq(t, "bogus\na.b\n\n")
	requireProtoErr(t, err, 3)

	_, err = readReq(t, "a\n\n0\n")
	requireProtoErr(t, err, 5)

	_, err = readReq(t, "a\na.b\nnotanumber\n")
	requireProtoErr(t, err, 4)

	_, err = readReq(t, "q\na.b\nextra\n")
	requireProtoErr(t, err, 8)

	_, err = readReq(t, "stats\nname\n\n")
	requireProtoErr(t, err, 8)
}

func TestReadRequest_Disconnect(t *testing.T) {
	_, err := readReq(t, "a\n")
	requireProtoErr(t, err, 11)
}

func TestReadRequest_LineTooLong(t *testing.T) {
	_, err := readReq(t, "a\n"+strings.Repeat("x", MaxLineBytes+10)+"\n0\n")
	requireProtoErr(t, err, 12)
}

func TestReadRequest_Timeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	_, err := ReadRequest(bufio.NewReader(server), 50*time.Millisecond, server)
	requireProtoErr(t, err, 10)
}

func TestFormatResponse(t *testing.T) {
	require.Equal(t, "ok\n", string(FormatResponse(&Ack{Status: "ok"})))
	require.Equal(t, "ok 1 2\n", string(FormatResponse(&Ack{Status: "ok", Fields: []string{"1", "2"}})))
	require.Equal(t, "error_exists\n", string(FormatResponse(&Ack{Status: "error_exists"})))
}
