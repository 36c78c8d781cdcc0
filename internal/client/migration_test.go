package client_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/client"
	"github.com/remoralabs/remora/internal/cuda"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/transport"
	"github.com/remoralabs/remora/internal/workspace"
)

// startTarget brings up a workspace with a migration endpoint and a
// quiesced twin client carrying the source's uuid.
func startTarget(t *testing.T, uuid uint64, drv device.Driver) (*workspace.Workspace, *client.Client, string) {
	t.Helper()
	apis := api.NewRegistry()
	cuda.RegisterAPIs(apis)
	ws, err := workspace.New(workspace.Options{
		Log:   zap.NewNop(),
		Drv:   drv,
		APIs:  apis,
		Types: cuda.NewRegistry(),
	})
	require.NoError(t, err)

	c, code := ws.CreateClientWithUUID("migration-target", uuid)
	require.True(t, code.OK())
	c.SetStatus(client.StatusCreatePending)

	l, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go ws.ServeMigration(l)
	t.Cleanup(func() {
		l.Close()
		ws.Stop()
	})
	return ws, c, l.Addr()
}

func postPhase(t *testing.T, c *client.Client, kind api.CommandKind, target string, doModule bool) {
	t.Helper()
	cmd := api.NewCommand(kind)
	cmd.TargetEndpoint = target
	cmd.DoModule = doModule
	require.True(t, c.PostCommand(cmd).OK())
	require.True(t, cmd.Wait().OK(), "phase %s must succeed", kind)
}

func readTargetMemory(t *testing.T, drv *device.Mock, c *client.Client, clientAddr uint64, n int) []byte {
	t.Helper()
	h, _, code := c.Manager(cuda.ResourceMemory).GetByClientAddr(clientAddr)
	require.True(t, code.OK())
	buf := make([]byte, n)
	require.Equal(t, device.OK, drv.MemcpyD2H(buf, h.ServerAddr))
	return buf
}

// Migration precopy + deltacopy: precopy ships both buffers, a mutation
// after precopy travels with the delta, tear + restore yields both handles
// Active on the target with identical bytes.
func TestMigrationPrecopyDeltacopy(t *testing.T) {
	srcDrv := device.NewMock()
	src := newTestClient(t, srcDrv)

	dstDrv := device.NewMock()
	_, dst, target := startTarget(t, src.UUID, dstDrv)

	const size = 64 * 1024
	addrA := mallocBytes(t, src, size)
	addrB := mallocBytes(t, src, size)

	contentA := make([]byte, size)
	contentB := make([]byte, size)
	for i := range contentA {
		contentA[i] = byte(i)
		contentB[i] = byte(i / 2)
	}
	require.True(t, writeH2D(t, src, addrA, contentA).Status.OK())
	require.True(t, writeH2D(t, src, addrB, contentB).Status.OK())

	postPhase(t, src, api.CmdMigrationRemoteMalloc, target, false)
	postPhase(t, src, api.CmdMigrationPrecopy, target, false)

	// wait until the target applied the precopy frames
	require.Eventually(t, func() bool {
		h, _, code := dst.Manager(cuda.ResourceMemory).GetByClientAddr(addrB)
		if !code.OK() {
			return false
		}
		buf := make([]byte, 16)
		if dstDrv.MemcpyD2H(buf, h.ServerAddr) != device.OK {
			return false
		}
		for i := range buf {
			if buf[i] != contentB[i] {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// the client keeps running and dirties B only
	mutatedB := make([]byte, size)
	for i := range mutatedB {
		mutatedB[i] = byte(i * 13)
	}
	require.True(t, writeH2D(t, src, addrB, mutatedB).Status.OK())

	// only B is in the modified set now
	modified := src.Manager(cuda.ResourceMemory).ModifiedHandles()
	require.Len(t, modified, 1)
	assert.Equal(t, addrB, modified[0].ClientAddr)

	postPhase(t, src, api.CmdMigrationDeltacopy, target, false)
	postPhase(t, src, api.CmdMigrationTear, target, false)

	// the tear's done frame triggers the target-side restore
	require.Eventually(t, func() bool {
		return dst.Status() == client.StatusActive
	}, 5*time.Second, 10*time.Millisecond)

	hA, _, code := dst.Manager(cuda.ResourceMemory).GetByClientAddr(addrA)
	require.True(t, code.OK())
	assert.Equal(t, handle.StatusActive, hA.Status)
	hB, _, code := dst.Manager(cuda.ResourceMemory).GetByClientAddr(addrB)
	require.True(t, code.OK())
	assert.Equal(t, handle.StatusActive, hB.Status)

	assert.Equal(t, contentA, readTargetMemory(t, dstDrv, dst, addrA, size))
	assert.Equal(t, mutatedB, readTargetMemory(t, dstDrv, dst, addrB, size))

	// source-side resources were torn
	srcA, _, code := src.Manager(cuda.ResourceMemory).GetByClientAddr(addrA)
	require.True(t, code.OK())
	assert.Equal(t, handle.StatusBroken, srcA.Status)
}

// The non-incremental baseline: allcopy ships everything, the target
// reloads it wholesale.
func TestMigrationAllCopy(t *testing.T) {
	srcDrv := device.NewMock()
	src := newTestClient(t, srcDrv)
	dstDrv := device.NewMock()
	_, dst, target := startTarget(t, src.UUID, dstDrv)

	addr := mallocBytes(t, src, 1024)
	content := make([]byte, 1024)
	for i := range content {
		content[i] = byte(i ^ 0x5a)
	}
	require.True(t, writeH2D(t, src, addr, content).Status.OK())

	postPhase(t, src, api.CmdMigrationRemoteMalloc, target, false)
	postPhase(t, src, api.CmdMigrationAllCopy, target, false)
	postPhase(t, src, api.CmdMigrationTear, target, true)

	require.Eventually(t, func() bool {
		return dst.Status() == client.StatusActive
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, content, readTargetMemory(t, dstDrv, dst, addr, 1024))
}

func TestTransportFrameRoundTrip(t *testing.T) {
	l, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	done := make(chan *transport.Frame, 1)
	go l.Serve(func(conn *transport.Conn) {
		defer conn.Close()
		f, err := conn.Recv()
		if err == nil {
			done <- f
			conn.Send(&transport.Frame{Kind: transport.FrameRemoteMallocAck, UUID: f.UUID,
				Mapping: map[uint64]uint64{1: 2}})
		}
	})

	conn, err := transport.Dial(l.Addr())
	require.NoError(t, err)
	defer conn.Close()

	sent := &transport.Frame{
		Kind:    transport.FrameRemoteMallocReq,
		UUID:    42,
		Entries: []transport.RemoteMallocEntry{{ClientAddr: 0x5555, Size: 4096}},
	}
	require.NoError(t, conn.Send(sent))

	got := <-done
	assert.Equal(t, sent.Kind, got.Kind)
	assert.Equal(t, sent.UUID, got.UUID)
	assert.Equal(t, sent.Entries, got.Entries)

	ack, err := conn.Recv()
	require.NoError(t, err)
	assert.Equal(t, transport.FrameRemoteMallocAck, ack.Kind)
	assert.Equal(t, uint64(2), ack.Mapping[1])
}
