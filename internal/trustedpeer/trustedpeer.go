/*
 * The in-process trusted-peer server a downloading client activates
 * once its own download verifies: a token table with a probabilistic
 * deny policy, and a handler that streams blocks from the client's own
 * verified copy of the file.
 */

package trustedpeer

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m1m1ck/blockshare/internal/blockstore"
	"github.com/m1m1ck/blockshare/internal/protocol"
)

// TokenTTL is how long a minted token remains valid.
const TokenTTL = 240 * time.Second

// SweepInterval is how often expired tokens are evicted from the
// table.
const SweepInterval = 5 * time.Second

// token is one entry in the table: which file it authorizes reads of,
// and when it stops being honored.
type token struct {
	fileID    string
	expiresAt time.Time
}

// Table is the concurrent token→(fileId, expiry) map minted by
// TOKEN_REQUEST and consulted by DOWNLOAD_TOKEN. It is never persisted
// and is discarded on process exit.
type Table struct {
	mu     sync.Mutex
	tokens map[string]token
}

// NewTable returns an empty token table.
func NewTable() *Table {
	return &Table{tokens: make(map[string]token)}
}

// mint generates a fresh 128-bit hex token id authorizing fileID until
// now+TokenTTL, inserts it, and returns the id.
func (t *Table) mint(fileID string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")

	t.mu.Lock()
	t.tokens[id] = token{fileID: fileID, expiresAt: time.Now().Add(TokenTTL)}
	t.mu.Unlock()

	return id
}

// check reports whether tokenID authorizes fileID right now. An
// expired entry is treated as missing per §4.4/§9.
func (t *Table) check(tokenID, fileID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tok, ok := t.tokens[tokenID]
	if !ok {
		return false
	}
	if tok.fileID != fileID {
		return false
	}
	return time.Now().Before(tok.expiresAt)
}

// sweep removes every entry whose expiry has passed and returns how
// many were removed.
func (t *Table) sweep() int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, tok := range t.tokens {
		if !now.Before(tok.expiresAt) {
			delete(t.tokens, id)
			removed++
		}
	}
	return removed
}

// Server is the trusted-peer block server a client runs on its own
// listening port once it has a verified copy of fileID.
type Server struct {
	Verbose bool

	store  *blockstore.Store
	fileID string
	pc     float64
	tokens *Table

	listener net.Listener
	stop     chan struct{}
}

// New returns a trusted-peer server that will serve blocks of fileID
// from store, denying TOKEN_REQUEST with probability pc.
func New(store *blockstore.Store, fileID string, pc float64) *Server {
	return &Server{
		store:  store,
		fileID: fileID,
		pc:     pc,
		tokens: NewTable(),
		stop:   make(chan struct{}),
	}
}

// Serve binds addr and accepts connections until Close is called. It
// starts the periodic token sweeper as a background goroutine and
// returns the address actually bound (useful when addr's port is 0).
func (s *Server) Serve(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("trustedpeer: listen %s: %w", addr, err)
	}
	s.listener = ln

	go s.sweepLoop()
	go s.acceptLoop()

	return ln.Addr(), nil
}

// Close stops accepting connections and the sweeper.
func (s *Server) Close() error {
	close(s.stop)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.Verbose {
		log.Printf("[trustedpeer] "+format, args...)
	}
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.tokens.sweep(); n > 0 {
				s.logf("swept %d expired token(s)", n)
			}
		case <-s.stop:
			return
		}
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
		go s.handleConn(conn)
	}
}

// handleConn loops over successive commands on one connection, so that
// a worker can keep pulling blocks through the same token (and, if it
// likes, the same connection) until the stream ends, per the
// multi-shot DOWNLOAD_TOKEN requirement in §9.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	f := protocol.NewFramer(conn)

	for {
		line, err := f.ReadLine()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}

		cmd := protocol.ParseCommand(line)
		switch cmd.Verb {
		case protocol.CmdTokenRequest:
			if err := s.handleTokenRequest(f, cmd.Args); err != nil {
				return
			}
		case protocol.CmdDownloadToken:
			if err := s.handleDownloadToken(f, cmd.Args); err != nil {
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

func (s *Server) handleTokenRequest(f *protocol.Framer, args []string) error {
	if len(args) < 1 {
		return f.WriteLine(protocol.ErrorLine("missing file ID for TOKEN_REQUEST"))
	}
	fileID := args[0]

	if rand.Float64() < s.pc {
		return f.WriteLine(protocol.ReplyTokenDenied)
	}

	id := s.tokens.mint(fileID)
	host, port := s.localAddr()
	return f.WriteLine(protocol.TokenLine(id, host, port))
}

func (s *Server) handleDownloadToken(f *protocol.Framer, args []string) error {
	if len(args) < 3 {
		return f.WriteLine(protocol.ErrorLine("missing token, file ID, or block index for DOWNLOAD_TOKEN"))
	}
	tokenID, fileID := args[0], args[1]

	var index int
	if _, err := fmt.Sscanf(args[2], "%d", &index); err != nil {
		return f.WriteLine(protocol.ErrorLine("malformed block index for DOWNLOAD_TOKEN"))
	}

	if !s.tokens.check(tokenID, fileID) {
		return f.WriteLine(protocol.ReplyInvalidToken)
	}

	block, err := s.store.GetBlock(blockstore.OutputName(fileID), index)
	if err != nil {
		return f.WriteLine(protocol.ErrorLine("cannot read block %d of %s", index, fileID))
	}

	if err := f.WriteLine(protocol.ReplySending); err != nil {
		return err
	}
	return f.WriteBlock(block)
}

func (s *Server) localAddr() (host string, port int) {
	addr := s.listener.Addr().(*net.TCPAddr)
	host = addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return host, addr.Port
}
