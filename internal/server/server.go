/*
 * The server's admission/dispatch path: a bounded pool of connection
 * handlers, a chaos task that randomly drops connections, and the
 * overflow path that tries to redirect an incoming download to a
 * trusted peer before falling back to a normal handler.
 */

package server

import (
	"log"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/m1m1ck/blockshare/internal/blockstore"
	"github.com/m1m1ck/blockshare/internal/config"
	"github.com/m1m1ck/blockshare/internal/protocol"
)

// peerProbeTimeout bounds how long the overflow path waits on one
// candidate peer before moving to the next.
const peerProbeTimeout = 2 * time.Second

// Server accepts connections on one TCP port, dispatches them to a
// bounded pool of handlers, and periodically simulates chaos by
// closing a random live connection.
type Server struct {
	cfg   config.ServerConfig
	store *blockstore.Store

	byID map[string]blockstore.File

	conns *connSet
	peers *PeerRegistry

	listener net.Listener
	stop     chan struct{}

	chaosCloses  int64
	handlerExits int64
}

// New scans store's catalog once and returns a Server ready to Serve.
// The catalog is immutable for the lifetime of the Server, per §3.
func New(cfg config.ServerConfig, store *blockstore.Store) (*Server, error) {
	files, err := store.Files()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]blockstore.File, len(files))
	for _, f := range files {
		byID[f.SHA256] = f
	}

	return &Server{
		cfg:   cfg,
		store: store,
		byID:  byID,
		conns: newConnSet(),
		peers: NewPeerRegistry(),
		stop:  make(chan struct{}),
	}, nil
}

// Serve binds cfg.Port, starts the chaos task, and accepts connections
// until Close is called. It returns the address actually bound.
func (s *Server) Serve() (net.Addr, error) {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return nil, err
	}
	s.listener = ln

	go s.chaosLoop()
	go s.acceptLoop()

	return ln.Addr(), nil
}

// Close stops accepting connections and the chaos task.
func (s *Server) Close() error {
	close(s.stop)
	return s.listener.Close()
}

// ChaosCloses reports how many live connections the chaos task has
// closed since startup. Observability only, per §11.
func (s *Server) ChaosCloses() int64 {
	return atomic.LoadInt64(&s.chaosCloses)
}

// HandlerExits reports how many normal handlers have run to
// completion (ordinary EOF, CLOSE_CONNECTION, or a chaos close)
// since startup.
func (s *Server) HandlerExits() int64 {
	return atomic.LoadInt64(&s.handlerExits)
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.cfg.Verbose {
		log.Printf("[server] "+format, args...)
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				s.logf("accept error: %v", err)
				return
			}
		}
		go s.dispatch(conn)
	}
}

// dispatch implements the admission policy of §4.2: register and run a
// normal handler while the pool has room; otherwise take the overflow
// path. TryAdd checks the pool's size and inserts conn under a single
// lock acquisition, so two connections racing to fill the last slot
// cannot both be admitted.
func (s *Server) dispatch(conn net.Conn) {
	if s.conns.TryAdd(conn, s.cfg.Cs) {
		s.runHandler(conn, "")
		return
	}
	s.overflow(conn)
}

// overflow consumes exactly one command line from a new connection that
// arrived while the pool was full. A DOWNLOAD command triggers an
// attempt to redirect the client to a trusted peer; any other outcome
// falls through to a normal handler seeded with the already-read line.
func (s *Server) overflow(conn net.Conn) {
	// Read the line a byte at a time so that nothing past its newline is
	// buffered here; the handler's own Framer reads whatever follows.
	var buf []byte
	one := make([]byte, 1)
	for {
		n, err := conn.Read(one)
		if err != nil {
			conn.Close()
			return
		}
		if n == 1 && one[0] == '\n' {
			break
		}
		buf = append(buf, one[:n]...)
	}
	line := strings.TrimRight(string(buf), "\r")
	f := protocol.NewFramer(conn)

	cmd := protocol.ParseCommand(line)
	if cmd.Verb == protocol.CmdDownload && len(cmd.Args) >= 1 {
		if tokenLine, ok := s.redirectToPeer(cmd.Args[0]); ok {
			f.WriteLine(tokenLine)
			conn.Close()
			return
		}
	}

	// No peer could serve this request either: wait for a slot in the
	// same Cs-bounded pool normal dispatch uses, rather than running
	// this connection as an extra handler above the bound.
	s.conns.WaitAdd(conn, s.cfg.Cs)
	s.runHandler(conn, line)
}

// redirectToPeer tries every trusted peer registered for fileID, in
// randomized order, until one yields a TOKEN reply. An empty or
// exhausted candidate set is reported as a failure.
func (s *Server) redirectToPeer(fileID string) (string, bool) {
	for _, peer := range s.peers.Snapshot(fileID) {
		line, ok := probePeer(peer, fileID)
		if ok {
			return line, true
		}
	}
	return "", false
}

// probePeer opens a short-lived connection to peer, asks for a token on
// fileID's behalf, and reports the TOKEN reply line if one came back.
// These probes do not count against the server's handler pool.
func probePeer(peer Peer, fileID string) (string, bool) {
	addr := net.JoinHostPort(peer.Host, strconv.Itoa(peer.Port))
	conn, err := net.DialTimeout("tcp", addr, peerProbeTimeout)
	if err != nil {
		return "", false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(peerProbeTimeout))
	f := protocol.NewFramer(conn)
	if err := f.WriteLine(protocol.CmdTokenRequest + " " + fileID); err != nil {
		return "", false
	}

	line, err := f.ReadLine()
	if err != nil {
		return "", false
	}
	if !strings.HasPrefix(line, protocol.ReplyTokenPrefix) {
		return "", false
	}
	return line, true
}

// chaosLoop ticks every cfg.T seconds and, with probability cfg.P,
// closes one randomly chosen live connection.
func (s *Server) chaosLoop() {
	if s.cfg.T <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(s.cfg.T) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if rand.Float64() < s.cfg.P {
				s.closeRandomConn()
			}
		case <-s.stop:
			return
		}
	}
}

// closeRandomConn tries candidates from a randomized snapshot of the
// active-connection set until one actually closes, since a concurrent
// handler exit may have already closed an earlier candidate.
func (s *Server) closeRandomConn() {
	for _, c := range s.conns.Snapshot() {
		if err := c.Close(); err == nil {
			atomic.AddInt64(&s.chaosCloses, 1)
			s.logf("chaos closed %s", c.RemoteAddr())
			return
		}
	}
}

// runHandler owns conn for its whole lifetime: it loops over commands,
// starting with first if non-empty, until the peer closes the stream or
// sends CLOSE_CONNECTION, then removes conn from the active set itself.
func (s *Server) runHandler(conn net.Conn, first string) {
	defer func() {
		s.conns.Remove(conn)
		conn.Close()
		atomic.AddInt64(&s.handlerExits, 1)
	}()

	f := protocol.NewFramer(conn)
	line := first
	for {
		if line == "" {
			l, err := f.ReadLine()
			if err != nil {
				return
			}
			line = l
		}
		if line == "" {
			continue
		}

		cmd := protocol.ParseCommand(line)
		line = ""

		switch cmd.Verb {
		case protocol.CmdListFiles:
			if err := s.handleListFiles(f); err != nil {
				return
			}
		case protocol.CmdDownload:
			if err := s.handleDownload(f, cmd.Args); err != nil {
				return
			}
		case protocol.CmdMD5:
			if err := s.handleMD5(f, conn, cmd.Args); err != nil {
				return
			}
		case protocol.CmdCloseConnection:
			f.WriteLine(protocol.ReplyClosingPrefix + "...")
			return
		default:
			if err := f.WriteLine(protocol.ReplyUnknown); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleListFiles(f *protocol.Framer) error {
	for _, file := range s.byID {
		if err := f.WriteLine("Name: " + file.Name + ", ID: " + file.SHA256); err != nil {
			return err
		}
	}
	return f.WriteLine(protocol.ReplyEndOfList)
}

func (s *Server) handleDownload(f *protocol.Framer, args []string) error {
	if len(args) < 2 {
		return f.WriteLine(protocol.ErrorLine("DOWNLOAD requires a file ID and a block index"))
	}
	file, ok := s.byID[args[0]]
	if !ok {
		return f.WriteLine(protocol.ErrorLine("unknown file ID %q", args[0]))
	}

	index, err := strconv.Atoi(args[1])
	if err != nil {
		return f.WriteLine(protocol.ErrorLine("malformed block index %q", args[1]))
	}

	block, err := s.store.GetBlock(file.Name, index)
	if err != nil {
		return f.WriteLine(protocol.ErrorLine("cannot read block %d of %q", index, file.Name))
	}

	if err := f.WriteLine(protocol.ReplySending); err != nil {
		return err
	}
	return f.WriteBlock(block)
}

func (s *Server) handleMD5(f *protocol.Framer, conn net.Conn, args []string) error {
	if len(args) < 3 {
		return f.WriteLine(protocol.ErrorLine("MD5 requires a file ID, an MD5 hash, and a listen port"))
	}
	file, ok := s.byID[args[0]]
	if !ok {
		return f.WriteLine(protocol.ErrorLine("unknown file ID %q", args[0]))
	}

	listenPort, err := strconv.Atoi(args[2])
	if err != nil {
		return f.WriteLine(protocol.ErrorLine("malformed listen port %q", args[2]))
	}

	if args[1] != file.MD5 {
		return f.WriteLine(protocol.ReplyWrong)
	}

	host := remoteHost(conn)
	s.peers.Register(args[0], Peer{Host: host, Port: listenPort})
	s.logf("registered trusted peer %s:%d for %s", host, listenPort, args[0])
	return f.WriteLine(protocol.ReplyCorrect)
}

// remoteHost takes the peer's address off the socket itself rather than
// trusting a client-supplied string, per §11.
func remoteHost(conn net.Conn) string {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return conn.RemoteAddr().String()
	}
	return addr.IP.String()
}

