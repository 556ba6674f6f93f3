package app

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dnbd3/dnbd3proxy/internal/altsrv"
	"github.com/dnbd3/dnbd3proxy/internal/cachemap"
	"github.com/dnbd3/dnbd3proxy/internal/crcmanifest"
	"github.com/dnbd3/dnbd3proxy/internal/ierrors"
	"github.com/dnbd3/dnbd3proxy/internal/image"
	"github.com/dnbd3/dnbd3proxy/internal/protocol"
)

const cloneDialTimeout = 1000 * time.Millisecond

// cloneImage implements image.CloneFunc (§4.1 "get_or_load ... falls
// through to clone_from_upstream"): it asks alt-servers, in candidate
// order, to SELECT_IMAGE and hands back a freshly-created local Image whose
// cache-map is entirely unset, ready to be filled in by an uplink worker on
// first access.
func (a *App) cloneImage(name string, rid uint16) (*image.Image, error) {
	candidates := a.altReg.UplinkCandidates(len(a.altReg.All()), true, true, altsrv.ProtocolFailureStep, altsrv.RTTInitWindow)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no alt-servers configured")
	}

	var lastErr error

	for _, srv := range candidates {
		img, err := a.cloneFrom(srv, name, rid)
		if err == nil {
			return img, nil
		}

		lastErr = err
		srv.RecordFailure(altsrv.ProtocolFailureStep)
	}

	return nil, fmt.Errorf("cloning %s r%d: no alt-server could serve it: %w", name, rid, lastErr)
}

func (a *App) cloneFrom(srv *altsrv.Server, name string, rid uint16) (*image.Image, error) {
	conn, err := net.DialTimeout("tcp", srv.Host, cloneDialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close() //nolint:errcheck // best-effort close of a short-lived probe connection

	payload := protocol.EncodeSelectImagePayload(protocol.SelectImagePayload{
		ProtocolVersion: protocol.MinProtocolVersion,
		Name:            name,
		Revision:        rid,
	})

	if err := protocol.EncodeRequest(conn, protocol.Request{Cmd: protocol.CmdSelectImage, Size: uint32(len(payload))}); err != nil {
		return nil, err
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}

	reply, body, err := readReply(conn)
	if err != nil {
		return nil, err
	}

	if reply.Cmd == protocol.CmdError {
		return nil, fmt.Errorf("alt-server %s does not have %s r%d", srv.Host, name, rid)
	}

	selected, err := protocol.DecodeSelectImagePayload(body)
	if err != nil {
		return nil, err
	}

	if selected.ProtocolVersion < protocol.MinProtocolVersion {
		return nil, ierrors.Wrap(ierrors.KindProtocolMismatch, "app.cloneFrom",
			fmt.Errorf("protocol version %d below minimum", selected.ProtocolVersion))
	}

	manifest := a.fetchManifest(conn)

	img, err := a.createLocalImage(name, selected.Revision, selected.VirtualSize, manifest)
	if err != nil {
		return nil, err
	}

	return img, nil
}

func readReply(conn net.Conn) (protocol.Reply, []byte, error) {
	reply, err := protocol.DecodeReply(conn)
	if err != nil {
		return protocol.Reply{}, nil, err
	}

	body := make([]byte, reply.Size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return protocol.Reply{}, nil, err
	}

	return reply, body, nil
}

// fetchManifest best-effort requests the CRC manifest on the same
// connection used for SELECT_IMAGE. A failure here is not fatal to cloning:
// the image is simply cloned without CRC verification available yet.
func (a *App) fetchManifest(conn net.Conn) *crcmanifest.Manifest {
	if err := protocol.EncodeRequest(conn, protocol.Request{Cmd: protocol.CmdGetCRC32}); err != nil {
		return nil
	}

	reply, body, err := readReply(conn)
	if err != nil || reply.Cmd != protocol.CmdGetCRC32 {
		return nil
	}

	manifest, err := crcmanifest.Decode(body)
	if err != nil {
		if a.log != nil {
			a.log.WithError(err).Debug("upstream manifest rejected, cloning without CRC coverage")
		}

		return nil
	}

	return manifest
}

// createLocalImage allocates the backing file and an all-absent cache-map
// for a newly cloned image, running the reaper first if disk space is
// tight (§4.7 "Invoked before accepting a new replication").
func (a *App) createLocalImage(name string, rid uint16, virtualSize uint64, manifest *crcmanifest.Manifest) (*image.Image, error) {
	if err := image.ValidateName(name); err != nil {
		return nil, err
	}

	if a.cfg.MaxReplicationSize > 0 && int64(virtualSize) > a.cfg.MaxReplicationSize {
		return nil, ierrors.Wrap(ierrors.KindExhaustion, "app.createLocalImage",
			fmt.Errorf("image size %d exceeds maxReplicationSize %d", virtualSize, a.cfg.MaxReplicationSize))
	}

	if err := a.reap.EnsureFree(virtualSize); err != nil {
		a.log.WithError(err).Warn("reaper failed to free space before clone")
	}

	img := image.New(a.cfg.BasePath, name, rid, virtualSize)

	if err := os.MkdirAll(filepath.Dir(img.BackingPath()), 0o755); err != nil {
		return nil, fmt.Errorf("creating image directory: %w", err)
	}

	f, err := os.OpenFile(img.BackingPath(), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // path derived from validated image name
	if err != nil {
		return nil, fmt.Errorf("creating backing file: %w", err)
	}

	if err := allocateBackingFile(f, virtualSize, a.cfg.SparseFiles); err != nil {
		_ = f.Close()
		_ = os.Remove(img.BackingPath())

		return nil, fmt.Errorf("allocating backing file: %w", err)
	}

	img.SetFile(f)
	img.SetCacheMap(cachemap.New(virtualSize))

	if manifest != nil {
		img.SetManifest(manifest)
		img.MasterCRC = manifest.MasterCRC
	}

	return img, nil
}

// allocateBackingFile reserves virtualSize bytes for the new backing file.
// With sparseFiles the file is left as a hole (Truncate only); otherwise
// fallocate(2) eagerly reserves real disk blocks so the reaper's free-space
// accounting stays accurate.
func allocateBackingFile(f *os.File, virtualSize uint64, sparse bool) error {
	if err := f.Truncate(int64(virtualSize)); err != nil {
		return err
	}

	if sparse || virtualSize == 0 {
		return nil
	}

	return unix.Fallocate(int(f.Fd()), 0, 0, int64(virtualSize))
}
