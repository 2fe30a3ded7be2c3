package remote

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbd/internal/config"
)

type fakeControl struct {
	pauseCalls []PauseTarget
	rate       int64
	editAction int
	editIDs    []int
	editNames  []string
	editOK     bool
}

func (f *fakeControl) Log(fromID, count int) []LogEntry {
	return []LogEntry{{Kind: 1, Time: 1700000000, Text: "hello"}}
}

func (f *fakeControl) ListQueue() ([]QueueEntry, Summary) {
	return []QueueEntry{
			{ID: 7, Name: "release", Size: 5 << 32, Remaining: 1 << 20, Priority: -1, Paused: true, Health: 950},
		}, Summary{
			DownloadRate:  1024,
			RemainingSize: 5 << 32,
		}
}

func (f *fakeControl) PauseTarget(target PauseTarget, pause bool) bool {
	f.pauseCalls = append(f.pauseCalls, target)
	return true
}

func (f *fakeControl) SetDownloadRate(rate int64) bool {
	f.rate = rate
	return true
}

func (f *fakeControl) EditQueue(action, offset int, ids []int, names []string, matchMode int) bool {
	f.editAction = action
	f.editIDs = ids
	f.editNames = names
	return f.editOK
}

func newTestServer(control Control) (*Server, net.Conn) {
	srv := NewServer(config.RemoteConfig{Username: "admin", Password: "secret"}, control)
	client, server := net.Pipe()
	go srv.handleConn(server)
	return srv, client
}

func buildRequest(t *testing.T, reqType RequestType, username, password string, body []byte) []byte {
	t.Helper()

	hdr := requestHeader{
		Signature:  Signature,
		Type:       uint32(reqType),
		StructSize: uint32(requestHdrSize + len(body)),
	}
	copy(hdr.Username[:], username)
	copy(hdr.Password[:], password)

	var frame bytes.Buffer
	require.NoError(t, binary.Write(&frame, binary.BigEndian, hdr))
	frame.Write(body)
	return frame.Bytes()
}

func readResponse(t *testing.T, conn net.Conn) (responseHeader, []byte) {
	t.Helper()

	var hdr responseHeader
	require.NoError(t, binary.Read(conn, binary.BigEndian, &hdr))
	require.Equal(t, Signature, hdr.Signature)

	trailing := make([]byte, hdr.TrailingSize)
	if hdr.TrailingSize > 0 {
		_, err := io.ReadFull(conn, trailing)
		require.NoError(t, err)
	}
	return hdr, trailing
}

func TestPauseRequest(t *testing.T) {
	control := &fakeControl{}
	_, client := newTestServer(control)
	defer client.Close()

	var body bytes.Buffer
	require.NoError(t, binary.Write(&body, binary.BigEndian, pauseRequest{Target: uint32(PauseDownload), Pause: 1}))

	_, err := client.Write(buildRequest(t, RequestPauseUnpause, "admin", "secret", body.Bytes()))
	require.NoError(t, err)

	hdr, _ := readResponse(t, client)
	assert.Equal(t, uint32(1), hdr.Success)
	assert.Equal(t, []PauseTarget{PauseDownload}, control.pauseCalls)
}

func TestBadCredentialsRejected(t *testing.T) {
	control := &fakeControl{}
	_, client := newTestServer(control)
	defer client.Close()

	var body bytes.Buffer
	require.NoError(t, binary.Write(&body, binary.BigEndian, pauseRequest{Target: uint32(PauseDownload), Pause: 1}))

	_, err := client.Write(buildRequest(t, RequestPauseUnpause, "admin", "wrong", body.Bytes()))
	require.NoError(t, err)

	hdr, _ := readResponse(t, client)
	assert.Equal(t, uint32(0), hdr.Success)
	assert.Empty(t, control.pauseCalls, "mutation must not run without valid credentials")
}

func TestSetDownloadRate(t *testing.T) {
	control := &fakeControl{}
	_, client := newTestServer(control)
	defer client.Close()

	var body bytes.Buffer
	require.NoError(t, binary.Write(&body, binary.BigEndian, rateRequest{Rate: 512000}))

	_, err := client.Write(buildRequest(t, RequestSetDownloadRate, "admin", "secret", body.Bytes()))
	require.NoError(t, err)

	hdr, _ := readResponse(t, client)
	assert.Equal(t, uint32(1), hdr.Success)
	assert.Equal(t, int64(512000), control.rate)
}

func TestEditQueueRequest(t *testing.T) {
	control := &fakeControl{editOK: true}
	_, client := newTestServer(control)
	defer client.Close()

	names := []byte("first\x00second\x00")
	var body bytes.Buffer
	require.NoError(t, binary.Write(&body, binary.BigEndian, editRequest{
		Action:   3,
		Offset:   -2,
		IDCount:  2,
		NameSize: uint32(len(names)),
	}))
	require.NoError(t, binary.Write(&body, binary.BigEndian, uint32(11)))
	require.NoError(t, binary.Write(&body, binary.BigEndian, uint32(12)))
	body.Write(names)

	_, err := client.Write(buildRequest(t, RequestEditQueue, "admin", "secret", body.Bytes()))
	require.NoError(t, err)

	hdr, _ := readResponse(t, client)
	assert.Equal(t, uint32(1), hdr.Success)
	assert.Equal(t, 3, control.editAction)
	assert.Equal(t, []int{11, 12}, control.editIDs)
	assert.Equal(t, []string{"first", "second"}, control.editNames)
}

func TestListResponseCarriesSplitSizes(t *testing.T) {
	control := &fakeControl{}
	_, client := newTestServer(control)
	defer client.Close()

	_, err := client.Write(buildRequest(t, RequestList, "admin", "secret", nil))
	require.NoError(t, err)

	hdr, trailing := readResponse(t, client)
	assert.Equal(t, uint32(1), hdr.TrailingCount)

	reader := bytes.NewReader(trailing)
	var rateHi, rateLo, remHi, remLo, dlPaused, ppPaused, scanPaused uint32
	for _, v := range []*uint32{&rateHi, &rateLo, &remHi, &remLo, &dlPaused, &ppPaused, &scanPaused} {
		require.NoError(t, binary.Read(reader, binary.BigEndian, v))
	}
	assert.Equal(t, int64(1024), JoinInt64(rateHi, rateLo))
	assert.Equal(t, int64(5<<32), JoinInt64(remHi, remLo))

	var id, sizeHi, sizeLo, remainingHi, remainingLo uint32
	var priority int32
	var paused, health uint32
	require.NoError(t, binary.Read(reader, binary.BigEndian, &id))
	require.NoError(t, binary.Read(reader, binary.BigEndian, &sizeHi))
	require.NoError(t, binary.Read(reader, binary.BigEndian, &sizeLo))
	require.NoError(t, binary.Read(reader, binary.BigEndian, &remainingHi))
	require.NoError(t, binary.Read(reader, binary.BigEndian, &remainingLo))
	require.NoError(t, binary.Read(reader, binary.BigEndian, &priority))
	require.NoError(t, binary.Read(reader, binary.BigEndian, &paused))
	require.NoError(t, binary.Read(reader, binary.BigEndian, &health))

	assert.Equal(t, uint32(7), id)
	assert.Equal(t, int64(5<<32), JoinInt64(sizeHi, sizeLo), "64-bit size survives the hi/lo split")
	assert.Equal(t, int32(-1), priority)
	assert.Equal(t, uint32(1), paused)
	assert.Equal(t, uint32(950), health)

	var nameLen uint32
	require.NoError(t, binary.Read(reader, binary.BigEndian, &nameLen))
	name := make([]byte, nameLen)
	_, err = reader.Read(name)
	require.NoError(t, err)
	assert.Equal(t, "release", string(name))
}
