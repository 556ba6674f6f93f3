package uplink

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnbd3/dnbd3proxy/internal/altsrv"
	"github.com/dnbd3/dnbd3proxy/internal/config"
	"github.com/dnbd3/dnbd3proxy/internal/image"
)

func testWorker(t *testing.T) *Worker {
	t.Helper()

	img := image.New("/base", "alpine", 1, 4096)
	log := logrus.NewEntry(logrus.New())

	w := New(log, config.Defaults(), img, altsrv.NewRegistry(), nil)
	t.Cleanup(w.Shutdown)

	return w
}

func TestSubmitEnqueuesRequest(t *testing.T) {
	w := testWorker(t)

	notify := w.Submit(0, 4096, 1)
	require.NotNil(t, notify)

	// No alt-server is connected, so the queue just holds the entry New.
	assert.Eventually(t, func() bool {
		return w.QueueLen() == 1
	}, time.Second, time.Millisecond)
}

func TestShutdownFailsPendingRequests(t *testing.T) {
	img := image.New("/base", "alpine", 1, 4096)
	log := logrus.NewEntry(logrus.New())
	w := New(log, config.Defaults(), img, altsrv.NewRegistry(), nil)

	notify := w.Submit(0, 4096, 1)
	w.Shutdown()

	select {
	case res := <-notify:
		assert.Error(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not deliver a failure result")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	w := testWorker(t)

	w.Shutdown()
	assert.NotPanics(t, w.Shutdown)
}

func TestSubmitAfterShutdownFailsImmediately(t *testing.T) {
	w := testWorker(t)
	w.Shutdown()

	notify := w.Submit(0, 4096, 1)

	select {
	case res := <-notify:
		assert.Error(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("expected immediate failure after shutdown")
	}
}

func TestQueueLenReflectsOutstandingEntries(t *testing.T) {
	w := testWorker(t)

	assert.Equal(t, 0, w.QueueLen())

	w.Submit(0, 4096, 1)
	w.Submit(4096, 8192, 2)

	assert.Eventually(t, func() bool {
		return w.QueueLen() == 2
	}, time.Second, time.Millisecond)
}
