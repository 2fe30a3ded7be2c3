package remote

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/javi11/nzbd/internal/config"
)

// maxFrameSize bounds a single request; anything larger is a protocol
// violation.
const maxFrameSize = 16 * 1024 * 1024

// Server accepts frontend connections and dispatches control requests.
type Server struct {
	cfg     config.RemoteConfig
	control Control
	log     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates the remote control server.
func NewServer(cfg config.RemoteConfig, control Control) *Server {
	return &Server{
		cfg:     cfg,
		control: control,
		log:     slog.Default().With("component", "remote"),
	}
}

// Run binds the control port and serves until the context ends. A bind
// failure is fatal to engine startup.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot bind control port %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("Remote control server listening", "addr", addr)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		if err := s.serveRequest(conn); err != nil {
			if err != io.EOF {
				s.log.Debug("Control connection closed", "err", err)
			}
			return
		}
	}
}

func (s *Server) serveRequest(conn net.Conn) error {
	var hdr requestHeader
	if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
		return err
	}

	if hdr.Signature != Signature {
		return fmt.Errorf("bad request signature %08x", hdr.Signature)
	}
	if hdr.StructSize < requestHdrSize || hdr.StructSize > maxFrameSize {
		return fmt.Errorf("bad request size %d", hdr.StructSize)
	}

	body := make([]byte, hdr.StructSize-requestHdrSize)
	if _, err := io.ReadFull(conn, body); err != nil {
		return err
	}

	if !s.authenticate(&hdr) {
		s.log.Warn("Control request with invalid credentials", "remote", conn.RemoteAddr())
		return s.writeStatus(conn, hdr.Type, false)
	}

	switch RequestType(hdr.Type) {
	case RequestLog:
		return s.serveLog(conn, hdr.Type, body)
	case RequestList:
		return s.serveList(conn, hdr.Type)
	case RequestPauseUnpause:
		var req pauseRequest
		if err := binary.Read(bytes.NewReader(body), binary.BigEndian, &req); err != nil {
			return err
		}
		ok := s.control.PauseTarget(PauseTarget(req.Target), req.Pause != 0)
		return s.writeStatus(conn, hdr.Type, ok)
	case RequestSetDownloadRate:
		var req rateRequest
		if err := binary.Read(bytes.NewReader(body), binary.BigEndian, &req); err != nil {
			return err
		}
		ok := s.control.SetDownloadRate(int64(req.Rate))
		return s.writeStatus(conn, hdr.Type, ok)
	case RequestEditQueue:
		return s.serveEdit(conn, hdr.Type, body)
	default:
		return fmt.Errorf("unknown request type %d", hdr.Type)
	}
}

func (s *Server) authenticate(hdr *requestHeader) bool {
	username := nullTerminated(hdr.Username[:])
	password := nullTerminated(hdr.Password[:])
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) == 1
	return userOK && passOK
}

func nullTerminated(b []byte) string {
	if idx := bytes.IndexByte(b, 0); idx >= 0 {
		b = b[:idx]
	}
	return string(b)
}

func (s *Server) serveLog(conn net.Conn, reqType uint32, body []byte) error {
	var req logRequest
	if err := binary.Read(bytes.NewReader(body), binary.BigEndian, &req); err != nil {
		return err
	}

	entries := s.control.Log(int(req.IDFrom), int(req.EntryCount))

	var trailing bytes.Buffer
	for _, entry := range entries {
		hi, lo := splitInt64(entry.Time)
		_ = binary.Write(&trailing, binary.BigEndian, uint32(entry.Kind))
		_ = binary.Write(&trailing, binary.BigEndian, hi)
		_ = binary.Write(&trailing, binary.BigEndian, lo)
		writeString(&trailing, entry.Text)
	}

	return s.writeResponse(conn, reqType, true, trailing.Bytes(), len(entries))
}

func (s *Server) serveList(conn net.Conn, reqType uint32) error {
	entries, summary := s.control.ListQueue()

	var trailing bytes.Buffer

	rateHi, rateLo := splitInt64(summary.DownloadRate)
	remHi, remLo := splitInt64(summary.RemainingSize)
	_ = binary.Write(&trailing, binary.BigEndian, rateHi)
	_ = binary.Write(&trailing, binary.BigEndian, rateLo)
	_ = binary.Write(&trailing, binary.BigEndian, remHi)
	_ = binary.Write(&trailing, binary.BigEndian, remLo)
	_ = binary.Write(&trailing, binary.BigEndian, boolWord(summary.DownloadPaused))
	_ = binary.Write(&trailing, binary.BigEndian, boolWord(summary.PostPaused))
	_ = binary.Write(&trailing, binary.BigEndian, boolWord(summary.ScanPaused))

	for _, entry := range entries {
		sizeHi, sizeLo := splitInt64(entry.Size)
		remainingHi, remainingLo := splitInt64(entry.Remaining)
		_ = binary.Write(&trailing, binary.BigEndian, uint32(entry.ID))
		_ = binary.Write(&trailing, binary.BigEndian, sizeHi)
		_ = binary.Write(&trailing, binary.BigEndian, sizeLo)
		_ = binary.Write(&trailing, binary.BigEndian, remainingHi)
		_ = binary.Write(&trailing, binary.BigEndian, remainingLo)
		_ = binary.Write(&trailing, binary.BigEndian, int32(entry.Priority))
		_ = binary.Write(&trailing, binary.BigEndian, boolWord(entry.Paused))
		_ = binary.Write(&trailing, binary.BigEndian, uint32(entry.Health))
		writeString(&trailing, entry.Name)
	}

	return s.writeResponse(conn, reqType, true, trailing.Bytes(), len(entries))
}

func (s *Server) serveEdit(conn net.Conn, reqType uint32, body []byte) error {
	reader := bytes.NewReader(body)
	var req editRequest
	if err := binary.Read(reader, binary.BigEndian, &req); err != nil {
		return err
	}

	if int(req.IDCount)*4+int(req.NameSize) > reader.Len() {
		return fmt.Errorf("edit request trailing region truncated")
	}

	ids := make([]int, 0, req.IDCount)
	for i := uint32(0); i < req.IDCount; i++ {
		var id uint32
		if err := binary.Read(reader, binary.BigEndian, &id); err != nil {
			return err
		}
		ids = append(ids, int(id))
	}

	var names []string
	if req.NameSize > 0 {
		raw := make([]byte, req.NameSize)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return err
		}
		for _, name := range bytes.Split(raw, []byte{0}) {
			if len(name) > 0 {
				names = append(names, string(name))
			}
		}
	}

	ok := s.control.EditQueue(int(req.Action), int(req.Offset), ids, names, int(req.MatchMode))
	return s.writeStatus(conn, reqType, ok)
}

func (s *Server) writeStatus(conn net.Conn, reqType uint32, ok bool) error {
	return s.writeResponse(conn, reqType, ok, nil, 0)
}

func (s *Server) writeResponse(conn net.Conn, reqType uint32, ok bool, trailing []byte, count int) error {
	hdr := responseHeader{
		Signature:     Signature,
		Type:          reqType,
		StructSize:    uint32(binary.Size(responseHeader{})),
		TrailingSize:  uint32(len(trailing)),
		TrailingCount: uint32(count),
		Success:       boolWord(ok),
	}

	var frame bytes.Buffer
	_ = binary.Write(&frame, binary.BigEndian, hdr)
	frame.Write(trailing)

	_, err := conn.Write(frame.Bytes())
	return err
}

// writeString emits a length-prefixed string into a trailing region.
func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(s)))
	buf.WriteString(s)
}

func boolWord(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
