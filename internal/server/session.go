package server

import (
	"io"
	"net"
	"strconv"
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/dnbd3/dnbd3proxy/internal/crcmanifest"
	"github.com/dnbd3/dnbd3proxy/internal/image"
	"github.com/dnbd3/dnbd3proxy/internal/ierrors"
	"github.com/dnbd3/dnbd3proxy/internal/protocol"
)

// maxServersReturned bounds a single GET_SERVERS reply, independent of the
// alt-server table's own MaxServers bound.
const maxServersReturned = 8

// session is the per-connection state for one client (§6, §5 lock
// hierarchy position 7 "per-client send mutex").
type session struct {
	srv  *Server
	conn net.Conn
	log  *logrus.Entry

	sendMu deadlock.Mutex

	selected *image.Ref
}

func (s *Server) handleConn(conn net.Conn) {
	sess := &session{
		srv:  s,
		conn: conn,
		log:  s.log.WithField("client", conn.RemoteAddr().String()),
	}

	defer sess.close()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ClientTimeout)); err != nil {
			return
		}

		req, err := protocol.DecodeRequest(conn)
		if err != nil {
			if err != io.EOF && sess.log != nil {
				sess.log.WithError(err).Debug("client connection ended")
			}

			return
		}

		if !sess.dispatch(req) {
			return
		}
	}
}

func (sess *session) close() {
	if sess.selected != nil {
		sess.selected.Release()
		sess.selected = nil
	}

	_ = sess.conn.Close()
}

// dispatch handles one request and reports whether the connection should
// stay open.
func (sess *session) dispatch(req protocol.Request) bool {
	switch req.Cmd {
	case protocol.CmdSelectImage:
		return sess.handleSelectImage(req)
	case protocol.CmdGetBlock:
		return sess.handleGetBlock(req)
	case protocol.CmdGetServers:
		return sess.handleGetServers(req)
	case protocol.CmdGetCRC32:
		return sess.handleGetCRC32(req)
	case protocol.CmdKeepAlive:
		return sess.handleKeepAlive(req)
	default:
		if sess.log != nil {
			sess.log.WithField("cmd", req.Cmd).Warn("unknown command, closing connection")
		}

		return false
	}
}

func (sess *session) readBody(size uint32) ([]byte, bool) {
	if size == 0 {
		return nil, true
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(sess.conn, buf); err != nil {
		return nil, false
	}

	return buf, true
}

func (sess *session) sendReply(cmd protocol.Command, handle uint64, body []byte) bool {
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()

	if err := sess.conn.SetWriteDeadline(time.Now().Add(sess.srv.cfg.ClientTimeout)); err != nil {
		return false
	}

	if err := protocol.EncodeReply(sess.conn, protocol.Reply{Cmd: cmd, Size: uint32(len(body)), Handle: handle}); err != nil {
		return false
	}

	if len(body) == 0 {
		return true
	}

	_, err := sess.conn.Write(body)

	return err == nil
}

func (sess *session) sendError(handle uint64) bool {
	return sess.sendReply(protocol.CmdError, handle, nil)
}

// handleSelectImage implements the §6 select-image exchange: the client
// sends a SelectImagePayload naming the desired image (revision 0 = latest)
// and the server replies with the concrete rid and virtual size.
func (sess *session) handleSelectImage(req protocol.Request) bool {
	body, ok := sess.readBody(req.Size)
	if !ok {
		return false
	}

	reqPayload, err := protocol.DecodeSelectImagePayload(body)
	if err != nil {
		if sess.log != nil {
			sess.log.WithError(err).Warn("malformed SELECT_IMAGE payload")
		}

		return false
	}

	if err := image.ValidateName(reqPayload.Name); err != nil {
		return sess.sendError(req.Handle)
	}

	ref, err := sess.srv.reg.GetOrLoad(reqPayload.Name, reqPayload.Revision)
	if err != nil {
		if sess.log != nil {
			sess.log.WithError(err).WithField("image", reqPayload.Name).Warn("select-image failed")
		}

		return sess.sendError(req.Handle)
	}

	if ref == nil {
		return sess.sendError(req.Handle)
	}

	if sess.selected != nil {
		sess.selected.Release()
	}

	sess.selected = ref
	ref.Img.NoteClient(sess.conn.RemoteAddr().String())

	replyPayload := protocol.EncodeSelectImagePayload(protocol.SelectImagePayload{
		ProtocolVersion: protocol.MinProtocolVersion,
		Name:            ref.Img.Name,
		Revision:        ref.Img.Rid,
		VirtualSize:     ref.Img.VirtualSize,
	})

	return sess.sendReply(protocol.CmdSelectImage, req.Handle, replyPayload)
}

// handleGetBlock serves [offset, offset+size) from cache, falling through
// to the image's uplink worker for any range not fully present (§4.3).
func (sess *session) handleGetBlock(req protocol.Request) bool {
	if sess.selected == nil {
		return sess.sendError(req.Handle)
	}

	img := sess.selected.Img

	offset := req.RealOffset()
	length := req.Size

	if uint64(length) == 0 || offset+uint64(length) > img.VirtualSize {
		return sess.sendError(req.Handle)
	}

	img.Touch()

	data, err := sess.readBlock(img, offset, length, req.Handle)
	if err != nil {
		if sess.log != nil {
			sess.log.WithError(err).Warn("GET_BLOCK failed")
		}

		return sess.sendError(req.Handle)
	}

	return sess.sendReply(protocol.CmdGetBlock, req.Handle, data)
}

// readBlock returns length bytes at offset, either directly from the
// backing file (zero-padded past the real size) or, if any covered block is
// missing, by going through the image's uplink worker.
func (sess *session) readBlock(img *image.Image, offset uint64, length uint32, clientHandle uint64) ([]byte, error) {
	cm := img.CacheMap()

	if cm == nil || cm.RangePresent(offset, uint64(length)) {
		return sess.readFromDisk(img, offset, length)
	}

	w := img.EnsureUplink(sess.srv.newUplinkFactory(img))

	result := <-w.Submit(offset, length, clientHandle)
	if result.Err != nil {
		return nil, result.Err
	}

	return result.Data, nil
}

func (sess *session) readFromDisk(img *image.Image, offset uint64, length uint32) ([]byte, error) {
	f := img.File()
	if f == nil {
		return nil, ierrors.Wrap(ierrors.KindPermanentImage, "server.readFromDisk", io.ErrClosedPipe)
	}

	buf := make([]byte, length)

	if offset >= img.RealSize {
		return buf, nil // entirely in the zero-filled virtual tail
	}

	readLen := uint64(length)
	if offset+readLen > img.RealSize {
		readLen = img.RealSize - offset
	}

	n, err := f.ReadAt(buf[:readLen], int64(offset))
	if err != nil && err != io.EOF {
		return nil, ierrors.Wrap(ierrors.KindTransientUpstream, "server.readFromDisk", err)
	}

	_ = n

	return buf, nil
}


func (sess *session) handleGetServers(req protocol.Request) bool {
	if _, ok := sess.readBody(req.Size); !ok {
		return false
	}

	list := sess.srv.altReg.ClientList(sess.conn.RemoteAddr().String(), maxServersReturned)

	buf := make([]byte, 0, len(list)*protocol.ServerEntrySize)

	for _, s := range list {
		entry, family := hostToServerEntry(s.Host)
		entry.Family = family
		buf = append(buf, protocol.EncodeServerEntry(entry)...)
	}

	return sess.sendReply(protocol.CmdGetServers, req.Handle, buf)
}

func hostToServerEntry(hostport string) (protocol.ServerEntry, protocol.AddressFamily) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return protocol.ServerEntry{}, protocol.FamilyIPv4
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return protocol.ServerEntry{}, protocol.FamilyIPv4
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return protocol.ServerEntry{}, protocol.FamilyIPv4
	}

	var e protocol.ServerEntry
	e.Port = uint16(port)

	if v4 := ip.To4(); v4 != nil {
		copy(e.Addr[0:4], v4)
		return e, protocol.FamilyIPv4
	}

	copy(e.Addr[:], ip.To16())

	return e, protocol.FamilyIPv6
}

func (sess *session) handleGetCRC32(req protocol.Request) bool {
	if _, ok := sess.readBody(req.Size); !ok {
		return false
	}

	if sess.selected == nil {
		return sess.sendError(req.Handle)
	}

	manifest := sess.selected.Img.Manifest()
	if manifest == nil {
		return sess.sendError(req.Handle)
	}

	return sess.sendReply(protocol.CmdGetCRC32, req.Handle, crcmanifest.Encode(manifest))
}

func (sess *session) handleKeepAlive(req protocol.Request) bool {
	if _, ok := sess.readBody(req.Size); !ok {
		return false
	}

	return sess.sendReply(protocol.CmdKeepAlive, req.Handle, nil)
}
