package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnbd3/dnbd3proxy/internal/altsrv"
	"github.com/dnbd3/dnbd3proxy/internal/config"
	"github.com/dnbd3/dnbd3proxy/internal/image"
	"github.com/dnbd3/dnbd3proxy/internal/protocol"
)

func TestServeAcceptsConnectionsUntilCanceled(t *testing.T) {
	cfg := config.Defaults()
	cfg.BasePath = t.TempDir()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.ClientTimeout = 2 * time.Second

	log := logrus.NewEntry(logrus.New())
	reg := image.NewRegistry(cfg, log)
	altReg := altsrv.NewRegistry()
	srv := New(cfg, log, reg, altReg, nil)

	ctx, cancel := context.WithCancel(context.Background())

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, time.Millisecond)

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", srv.Addr().String())
	require.NoError(t, err)

	reply, _ := roundTripKeepAlive(t, conn)
	assert.Equal(t, protocol.CmdKeepAlive, reply.Cmd)

	_ = conn.Close()

	cancel()

	select {
	case err := <-serveErrCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func roundTripKeepAlive(t *testing.T, conn net.Conn) (protocol.Reply, []byte) {
	t.Helper()

	require.NoError(t, protocol.EncodeRequest(conn, protocol.Request{Cmd: protocol.CmdKeepAlive, Handle: 1}))

	reply, err := protocol.DecodeReply(conn)
	require.NoError(t, err)

	return reply, nil
}
