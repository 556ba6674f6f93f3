package app

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnbd3/dnbd3proxy/internal/altsrv"
	"github.com/dnbd3/dnbd3proxy/internal/config"
	"github.com/dnbd3/dnbd3proxy/internal/crcmanifest"
	"github.com/dnbd3/dnbd3proxy/internal/image"
	applog "github.com/dnbd3/dnbd3proxy/internal/log"
	"github.com/dnbd3/dnbd3proxy/internal/protocol"
	"github.com/dnbd3/dnbd3proxy/internal/reaper"
)

// fakeAltServer answers exactly one SELECT_IMAGE, optionally followed by one
// GET_CRC32, then closes. Good enough to drive cloneFrom end to end.
func fakeAltServer(t *testing.T, virtualSize uint64, manifest *crcmanifest.Manifest, wantError bool) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		req, err := protocol.DecodeRequest(conn)
		if err != nil {
			return
		}

		body := make([]byte, req.Size)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		if wantError {
			_ = protocol.EncodeReply(conn, protocol.Reply{Cmd: protocol.CmdError})
			return
		}

		selectReq, err := protocol.DecodeSelectImagePayload(body)
		if err != nil {
			return
		}

		replyPayload := protocol.EncodeSelectImagePayload(protocol.SelectImagePayload{
			ProtocolVersion: protocol.MinProtocolVersion,
			Name:            selectReq.Name,
			Revision:        3,
			VirtualSize:     virtualSize,
		})

		if err := protocol.EncodeReply(conn, protocol.Reply{Cmd: protocol.CmdSelectImage, Size: uint32(len(replyPayload))}); err != nil {
			return
		}
		if _, err := conn.Write(replyPayload); err != nil {
			return
		}

		if manifest == nil {
			return
		}

		crcReq, err := protocol.DecodeRequest(conn)
		if err != nil || crcReq.Cmd != protocol.CmdGetCRC32 {
			return
		}

		encoded := crcmanifest.Encode(manifest)
		_ = protocol.EncodeReply(conn, protocol.Reply{Cmd: protocol.CmdGetCRC32, Size: uint32(len(encoded))})
		_, _ = conn.Write(encoded)
	}()

	return ln.Addr().String()
}

func testCloneApp(t *testing.T) *App {
	t.Helper()

	cfg := config.Defaults()
	cfg.BasePath = t.TempDir()

	log := applog.New(cfg)
	reg := image.NewRegistry(cfg, log)
	altReg := altsrv.NewRegistry()

	return &App{cfg: cfg, log: log, reg: reg, altReg: altReg, reap: reaper.New(cfg, reg, log)}
}

func TestCloneFromCreatesLocalImageWithManifest(t *testing.T) {
	a := testCloneApp(t)

	manifest := crcmanifest.New([]uint32{11, 22})
	host := fakeAltServer(t, 2*4096, manifest, false)
	a.altReg.Add(host, "", false, false)

	srv := a.altReg.ByHost(host)

	img, err := a.cloneFrom(srv, "alpine", 0)
	require.NoError(t, err)
	require.NotNil(t, img)

	assert.Equal(t, uint16(3), img.Rid)
	assert.Equal(t, uint64(2*4096), img.VirtualSize)
	assert.NotNil(t, img.CacheMap())
	assert.False(t, img.CacheMap().RangePresent(0, img.VirtualSize))
	require.NotNil(t, img.Manifest())
	assert.Equal(t, manifest.Blocks, img.Manifest().Blocks)
}

func TestCloneFromSucceedsWithoutManifest(t *testing.T) {
	a := testCloneApp(t)

	host := fakeAltServer(t, 4096, nil, false)
	a.altReg.Add(host, "", false, false)
	srv := a.altReg.ByHost(host)

	img, err := a.cloneFrom(srv, "alpine", 0)
	require.NoError(t, err)
	assert.Nil(t, img.Manifest())
}

func TestCloneFromPropagatesUpstreamError(t *testing.T) {
	a := testCloneApp(t)

	host := fakeAltServer(t, 4096, nil, true)
	a.altReg.Add(host, "", false, false)
	srv := a.altReg.ByHost(host)

	_, err := a.cloneFrom(srv, "alpine", 0)
	assert.Error(t, err)
}

func TestCloneImageFailsWithNoAltServers(t *testing.T) {
	a := testCloneApp(t)

	_, err := a.cloneImage("alpine", 0)
	assert.Error(t, err)
}

func TestCloneImageTriesNextCandidateOnFailure(t *testing.T) {
	a := testCloneApp(t)

	badHost := fakeAltServer(t, 4096, nil, true)
	goodHost := fakeAltServer(t, 4096, nil, false)

	a.altReg.Add(badHost, "", false, false)
	a.altReg.Add(goodHost, "", false, false)

	img, err := a.cloneImage("alpine", 0)
	require.NoError(t, err)
	assert.NotNil(t, img)
}

func TestCreateLocalImageRejectsOversizedReplication(t *testing.T) {
	a := testCloneApp(t)
	a.cfg.MaxReplicationSize = 4096

	_, err := a.createLocalImage("alpine", 1, 8192, nil)
	assert.Error(t, err)
}

func TestCreateLocalImageAllocatesBackingFile(t *testing.T) {
	a := testCloneApp(t)

	img, err := a.createLocalImage("alpine", 1, 8192, nil)
	require.NoError(t, err)

	info, err := img.File().Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(8192), info.Size())
}

func TestAllocateBackingFileSparseLeavesHole(t *testing.T) {
	a := testCloneApp(t)
	a.cfg.SparseFiles = true

	img, err := a.createLocalImage("alpine", 1, 1<<20, nil)
	require.NoError(t, err)

	info, err := img.File().Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), info.Size())
}
