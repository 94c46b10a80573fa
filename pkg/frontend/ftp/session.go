package ftp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/drivegate/drivegate/internal/logger"
	"github.com/drivegate/drivegate/pkg/drivefs"
	"github.com/drivegate/drivegate/pkg/frontend"
)

// maxCommandLength bounds one control-channel line.
const maxCommandLength = 4096

// session is one FTP control connection.
//
// The control channel walks Unauthenticated -> Authenticated; file commands
// before PASS get 530. A single data channel (from the preceding PASV or
// PORT) may be pending at a time; RETR/STOR/LIST consume it and the session
// returns to idle when the transfer ends.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	sess *frontend.Session // nil until PASS succeeds
	user string
	cwd  string

	renameFrom string

	// data connection state, set by PASV or PORT
	pasvListener net.Listener
	activeAddr   string
}

func (s *Server) newSession(conn net.Conn) *session {
	return &session{
		server: s,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		cwd:    "/",
	}
}

var commandHandlers = map[string]func(*session, context.Context, string){
	"CWD":  (*session).handleCWD,
	"CDUP": (*session).handleCDUP,
	"PWD":  (*session).handlePWD,
	"LIST": (*session).handleLIST,
	"NLST": (*session).handleNLST,
	"MKD":  (*session).handleMKD,
	"RMD":  (*session).handleRMD,
	"DELE": (*session).handleDELE,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,
	"RETR": (*session).handleRETR,
	"STOR": (*session).handleSTOR,
	"SIZE": (*session).handleSIZE,
	"PASV": (*session).handlePASV,
	"PORT": (*session).handlePORT,
	"TYPE": (*session).handleTYPE,
}

func (s *session) serve(ctx context.Context) {
	defer s.close()

	s.reply(220, "DriveGate FTP ready.")

	for {
		if ctx.Err() != nil {
			s.reply(421, "Service shutting down.")
			return
		}

		line, err := s.readCommand()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("ftp read error from %s: %v", s.conn.RemoteAddr(), err)
			}
			return
		}

		cmd, arg, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)

		switch cmd {
		case "USER":
			s.user = arg
			s.reply(331, "User name okay, need password.")
			continue
		case "PASS":
			s.handlePASS(ctx, arg)
			continue
		case "QUIT":
			s.reply(221, "Goodbye.")
			return
		case "NOOP":
			s.reply(200, "NOOP ok.")
			continue
		case "SYST":
			s.reply(215, "UNIX Type: L8")
			continue
		case "FEAT":
			s.replyRaw("211-Features:\r\n SIZE\r\n UTF8\r\n211 End")
			continue
		}

		if s.sess == nil {
			s.reply(530, "Please login with USER and PASS.")
			continue
		}
		handler, ok := commandHandlers[cmd]
		if !ok {
			s.reply(502, fmt.Sprintf("Command %s not implemented.", cmd))
			continue
		}
		handler(s, ctx, arg)
	}
}

func (s *session) close() {
	s.closeDataListener()
	_ = s.conn.Close()
}

func (s *session) closeDataListener() {
	if s.pasvListener != nil {
		_ = s.pasvListener.Close()
		s.pasvListener = nil
	}
}

func (s *session) readCommand() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > maxCommandLength {
		return "", fmt.Errorf("command too long (%d bytes)", len(line))
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *session) reply(code int, message string) {
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	_ = s.writer.Flush()
}

func (s *session) replyRaw(raw string) {
	fmt.Fprintf(s.writer, "%s\r\n", raw)
	_ = s.writer.Flush()
}

// replyError maps the gateway taxonomy onto FTP response codes.
func (s *session) replyError(err error) {
	switch {
	case errors.Is(err, frontend.ErrForbidden),
		errors.Is(err, drivefs.ErrPermissionDenied),
		errors.Is(err, drivefs.ErrPathEscape):
		s.reply(550, "Permission denied.")
	case errors.Is(err, drivefs.ErrNotFound):
		s.reply(550, "No such file or directory.")
	case errors.Is(err, drivefs.ErrExists):
		s.reply(550, "Already exists.")
	case errors.Is(err, drivefs.ErrQuotaExceeded):
		s.reply(552, "Quota exceeded.")
	case errors.Is(err, drivefs.ErrTransient):
		s.reply(451, "Temporary failure, try again.")
	default:
		s.reply(451, "Requested action aborted.")
	}
}

// resolve maps an FTP argument onto an absolute share path using the
// session working directory.
func (s *session) resolve(arg string) string {
	if arg == "" {
		return s.cwd
	}
	if strings.HasPrefix(arg, "/") {
		return path.Clean(arg)
	}
	return path.Clean(path.Join(s.cwd, arg))
}

func (s *session) handlePASS(ctx context.Context, pass string) {
	if s.user == "" {
		s.reply(503, "Login with USER first.")
		return
	}
	sess, err := s.server.login(ctx, s.user, pass)
	if err != nil {
		s.server.metrics.RecordAuthentication(protocolName, false)
		logger.Warn("ftp login failed for %q from %s: %v", s.user, s.conn.RemoteAddr(), err)
		s.reply(530, "Login incorrect.")
		return
	}
	s.sess = sess
	s.server.metrics.RecordAuthentication(protocolName, true)
	logger.Info("ftp login %s from %s", sess.User().Name, s.conn.RemoteAddr())
	s.reply(230, "User logged in, proceed.")
}

func (s *session) handlePWD(_ context.Context, _ string) {
	s.reply(257, fmt.Sprintf("%q is the current directory.", s.cwd))
}

func (s *session) handleCWD(ctx context.Context, arg string) {
	target := s.resolve(arg)
	info, err := s.sess.Stat(ctx, target)
	if err != nil {
		s.replyError(err)
		return
	}
	if !info.IsDir {
		s.reply(550, "Not a directory.")
		return
	}
	s.cwd = target
	s.reply(250, "Directory changed.")
}

func (s *session) handleCDUP(ctx context.Context, _ string) {
	s.handleCWD(ctx, "..")
}

func (s *session) handleMKD(ctx context.Context, arg string) {
	target := s.resolve(arg)
	if err := s.sess.Mkdir(ctx, target); err != nil {
		s.replyError(err)
		return
	}
	s.reply(257, fmt.Sprintf("%q created.", target))
}

func (s *session) handleRMD(ctx context.Context, arg string) {
	s.handleDELE(ctx, arg)
}

func (s *session) handleDELE(ctx context.Context, arg string) {
	if err := s.sess.Delete(ctx, s.resolve(arg)); err != nil {
		s.replyError(err)
		return
	}
	s.reply(250, "Deleted.")
}

func (s *session) handleRNFR(ctx context.Context, arg string) {
	target := s.resolve(arg)
	if _, err := s.sess.Stat(ctx, target); err != nil {
		s.replyError(err)
		return
	}
	s.renameFrom = target
	s.reply(350, "Ready for RNTO.")
}

func (s *session) handleRNTO(ctx context.Context, arg string) {
	if s.renameFrom == "" {
		s.reply(503, "RNFR required first.")
		return
	}
	from := s.renameFrom
	s.renameFrom = ""
	if err := s.sess.Rename(ctx, from, s.resolve(arg)); err != nil {
		s.replyError(err)
		return
	}
	s.reply(250, "Rename successful.")
}

func (s *session) handleSIZE(ctx context.Context, arg string) {
	info, err := s.sess.Stat(ctx, s.resolve(arg))
	if err != nil {
		s.replyError(err)
		return
	}
	if info.IsDir {
		s.reply(550, "Not a plain file.")
		return
	}
	s.reply(213, strconv.FormatInt(info.Size, 10))
}

func (s *session) handleTYPE(_ context.Context, arg string) {
	// Transfers are always binary; ASCII mode is accepted and ignored.
	switch strings.ToUpper(arg) {
	case "I", "A", "L8":
		s.reply(200, "Type set.")
	default:
		s.reply(504, "Type not supported.")
	}
}

func (s *session) handlePASV(_ context.Context, _ string) {
	s.closeDataListener()
	s.activeAddr = ""

	ln, err := s.server.listenPassive()
	if err != nil {
		logger.Warn("ftp passive listen failed: %v", err)
		s.reply(425, "Can't open passive connection.")
		return
	}
	s.pasvListener = ln

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	host := s.server.settings.PublicHost
	if host == "" {
		host, _, _ = net.SplitHostPort(s.conn.LocalAddr().String())
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		// PASV can only advertise an IPv4 address. Guessing one would send
		// remote clients somewhere useless; make them fall back to PORT.
		s.closeDataListener()
		s.reply(425, "Passive mode requires an IPv4 address; configure a public host.")
		return
	}
	parts := strings.Split(ip.To4().String(), ".")
	s.reply(227, fmt.Sprintf("Entering Passive Mode (%s,%s,%s,%s,%d,%d)",
		parts[0], parts[1], parts[2], parts[3], port/256, port%256))
}

func (s *session) handlePORT(_ context.Context, arg string) {
	s.closeDataListener()

	fields := strings.Split(arg, ",")
	if len(fields) != 6 {
		s.reply(501, "Illegal PORT command.")
		return
	}
	nums := make([]int, 6)
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n < 0 || n > 255 {
			s.reply(501, "Illegal PORT command.")
			return
		}
		nums[i] = n
	}
	ip := net.IPv4(byte(nums[0]), byte(nums[1]), byte(nums[2]), byte(nums[3]))

	// Only connect back to the control connection's peer. Arbitrary targets
	// would turn the server into a port-scanning proxy (classic FTP bounce).
	peer, _, _ := net.SplitHostPort(s.conn.RemoteAddr().String())
	if peerIP := net.ParseIP(peer); peerIP == nil || !peerIP.Equal(ip) {
		s.reply(500, "Illegal PORT command.")
		return
	}

	s.activeAddr = fmt.Sprintf("%s:%d", ip, nums[4]*256+nums[5])
	s.reply(200, "PORT command successful.")
}

// openDataConn consumes the pending PASV listener or PORT target.
func (s *session) openDataConn() (net.Conn, error) {
	if s.pasvListener != nil {
		ln := s.pasvListener
		s.pasvListener = nil
		defer ln.Close()
		if tcp, ok := ln.(*net.TCPListener); ok {
			_ = tcp.SetDeadline(time.Now().Add(30 * time.Second))
		}
		return ln.Accept()
	}
	if s.activeAddr != "" {
		addr := s.activeAddr
		s.activeAddr = ""
		return net.DialTimeout("tcp", addr, 30*time.Second)
	}
	return nil, errors.New("no data connection pending")
}

func (s *session) handleLIST(ctx context.Context, arg string) {
	s.listCommon(ctx, arg, true)
}

func (s *session) handleNLST(ctx context.Context, arg string) {
	s.listCommon(ctx, arg, false)
}

func (s *session) listCommon(ctx context.Context, arg string, long bool) {
	// Some clients pass ls flags (-a, -la, -al, ...); ignore them.
	for {
		arg = strings.TrimSpace(arg)
		if !strings.HasPrefix(arg, "-") {
			break
		}
		_, arg, _ = strings.Cut(arg, " ")
	}
	target := s.resolve(arg)

	entries, err := s.sess.List(ctx, target)
	if err != nil {
		s.replyError(err)
		return
	}

	dataConn, err := s.openDataConn()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	defer dataConn.Close()
	s.reply(150, "Here comes the directory listing.")

	for _, e := range entries {
		if !s.sess.CanRead(path.Join(target, e.Name)) {
			continue
		}
		if long {
			fmt.Fprintf(dataConn, "%s 1 drive drive %12d %s %s\r\n",
				listMode(e.IsDir), e.Size, e.ModTime.Format("Jan _2 15:04"), e.Name)
		} else {
			fmt.Fprintf(dataConn, "%s\r\n", e.Name)
		}
	}
	s.reply(226, "Directory send OK.")
}

func listMode(isDir bool) string {
	if isDir {
		return "drwxr-xr-x"
	}
	return "-rw-r--r--"
}

func (s *session) handleRETR(ctx context.Context, arg string) {
	target := s.resolve(arg)
	stream, err := s.sess.OpenRead(ctx, target, 0, -1)
	if err != nil {
		s.replyError(err)
		return
	}
	defer stream.Close()

	dataConn, err := s.openDataConn()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	defer dataConn.Close()
	s.reply(150, "Opening data connection.")

	start := time.Now()
	n, err := io.Copy(dataConn, stream)
	s.server.metrics.RecordBytesTransferred(protocolName, "download", n)
	s.server.metrics.RecordOperation(protocolName, "read", time.Since(start), err)
	if err != nil {
		logger.Debug("ftp RETR %s aborted after %d bytes: %v", target, n, err)
		s.reply(426, "Transfer aborted.")
		return
	}
	s.reply(226, "Transfer complete.")
}

func (s *session) handleSTOR(ctx context.Context, arg string) {
	target := s.resolve(arg)
	stream, err := s.sess.OpenWrite(ctx, target)
	if err != nil {
		s.replyError(err)
		return
	}

	dataConn, err := s.openDataConn()
	if err != nil {
		_ = stream.Close()
		s.reply(425, "Can't open data connection.")
		return
	}
	s.reply(150, "Ok to send data.")

	start := time.Now()
	n, copyErr := io.Copy(stream, dataConn)
	_ = dataConn.Close()
	closeErr := stream.Close()
	err = copyErr
	if err == nil {
		err = closeErr
	}
	s.server.metrics.RecordBytesTransferred(protocolName, "upload", n)
	s.server.metrics.RecordOperation(protocolName, "write", time.Since(start), err)
	if err != nil {
		logger.Debug("ftp STOR %s failed after %d bytes: %v", target, n, err)
		s.replyError(err)
		return
	}
	s.reply(226, "Transfer complete.")
}
