/*
 * The downloading client's parallel block-fetch engine: file
 * selection, Dc parallel workers with round-robin striping and token
 * failover, assembly and MD5 verification, and the retry loop that
 * keeps re-attempting until a download verifies.
 */

package downloadclient

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"strconv"
	"strings"

	"github.com/m1m1ck/blockshare/internal/blockstore"
	"github.com/m1m1ck/blockshare/internal/config"
	"github.com/m1m1ck/blockshare/internal/protocol"
	"github.com/m1m1ck/blockshare/internal/trustedpeer"
)

// Client runs download attempts against one server and, once a
// download verifies, the in-process trusted-peer server for it.
type Client struct {
	cfg   config.ClientConfig
	store *blockstore.Store

	peerServer *trustedpeer.Server
}

// New returns a Client that saves and re-serves blocks under store.
func New(cfg config.ClientConfig, store *blockstore.Store) *Client {
	return &Client{cfg: cfg, store: store}
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.cfg.Verbose {
		log.Printf("[client] "+format, args...)
	}
}

func (c *Client) serverAddr() string {
	return net.JoinHostPort(c.cfg.ServerHost, strconv.Itoa(c.cfg.ServerPort))
}

// Run selects a file id, then retries the parallel fetch attempt until
// the server confirms the assembled file's MD5, at which point it
// activates the trusted-peer server and returns.
func (c *Client) Run() error {
	fileID, err := c.selectFile()
	if err != nil {
		return fmt.Errorf("downloadclient: selecting a file: %w", err)
	}
	c.logf("downloading file %s with %d worker(s)", fileID, c.cfg.Dc)

	for attempt := 1; ; attempt++ {
		bm := newBlockMap()
		c.fetchAttempt(fileID, bm)

		data := bm.assemble()
		name := blockstore.OutputName(fileID)
		if err := c.store.SaveFile(name, data); err != nil {
			return fmt.Errorf("downloadclient: saving %s: %w", name, err)
		}

		md5sum, err := c.store.MD5OfSaved(name)
		if err != nil {
			return fmt.Errorf("downloadclient: hashing %s: %w", name, err)
		}

		correct, err := c.submitMD5(fileID, md5sum)
		if err != nil {
			return fmt.Errorf("downloadclient: submitting MD5: %w", err)
		}
		if correct {
			c.logf("download of %s verified after %d attempt(s)", fileID, attempt)
			return c.ensureTrustedPeerServer(fileID)
		}
		c.logf("MD5 mismatch for %s on attempt %d (%d block(s) assembled), retrying", fileID, attempt, bm.len())
	}
}

// selectFile opens one connection, requests LIST_FILES, and returns
// either the configured file id or, if it is the literal "random", one
// chosen uniformly at random from the catalog.
func (c *Client) selectFile() (string, error) {
	conn, err := net.Dial("tcp", c.serverAddr())
	if err != nil {
		return "", err
	}
	defer conn.Close()

	f := protocol.NewFramer(conn)
	if err := f.WriteLine(protocol.CmdListFiles); err != nil {
		return "", err
	}

	var ids []string
	for {
		line, err := f.ReadLine()
		if err != nil {
			return "", err
		}
		if line == protocol.ReplyEndOfList {
			break
		}
		if id, ok := parseFileID(line); ok {
			ids = append(ids, id)
		}
	}

	if len(ids) == 0 {
		return "", fmt.Errorf("server advertised no files")
	}

	if c.cfg.FileID != "random" {
		for _, id := range ids {
			if id == c.cfg.FileID {
				return id, nil
			}
		}
		return "", fmt.Errorf("file id %q not found in catalog", c.cfg.FileID)
	}
	return ids[rand.Intn(len(ids))], nil
}

// parseFileID extracts the id from a "Name: <name>, ID: <id>" catalog
// line by locating the literal substring "ID: ", per §6.
func parseFileID(line string) (string, bool) {
	marker := "ID: "
	i := strings.Index(line, marker)
	if i < 0 {
		return "", false
	}
	return strings.TrimSpace(line[i+len(marker):]), true
}

// fetchAttempt spawns Dc workers and waits for all of them to stop.
func (c *Client) fetchAttempt(fileID string, bm *blockMap) {
	done := make(chan struct{})
	remaining := c.cfg.Dc
	if remaining <= 0 {
		remaining = 1
	}

	for i := 0; i < remaining; i++ {
		go func(workerIndex int) {
			c.runWorker(fileID, workerIndex, bm)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < remaining; i++ {
		<-done
	}
}

// submitMD5 sends the MD5 command on a fresh connection and reports
// whether the server replied CORRECT.
func (c *Client) submitMD5(fileID, md5sum string) (bool, error) {
	conn, err := net.Dial("tcp", c.serverAddr())
	if err != nil {
		return false, err
	}
	defer conn.Close()

	f := protocol.NewFramer(conn)
	cmd := fmt.Sprintf("%s %s %s %d", protocol.CmdMD5, fileID, md5sum, c.cfg.Port)
	if err := f.WriteLine(cmd); err != nil {
		return false, err
	}

	reply, err := f.ReadLine()
	if err != nil {
		return false, err
	}
	return reply == protocol.ReplyCorrect, nil
}

// ensureTrustedPeerServer binds the client's own trusted-peer listener
// the first time a download verifies. If the listener is already
// running it returns without change, so the server keeps serving only
// the file it was started for — one client process verifies and serves
// one file, per §4.4's "own copy of the verified file".
func (c *Client) ensureTrustedPeerServer(fileID string) error {
	if c.peerServer != nil {
		return nil
	}
	c.peerServer = trustedpeer.New(c.store, fileID, c.cfg.Pc)
	c.peerServer.Verbose = c.cfg.Verbose

	addr := net.JoinHostPort("", strconv.Itoa(c.cfg.Port))
	boundAddr, err := c.peerServer.Serve(addr)
	if err != nil {
		return fmt.Errorf("downloadclient: starting trusted-peer server: %w", err)
	}
	c.logf("trusted-peer server listening on %s", boundAddr)
	return nil
}

// Close releases the trusted-peer server, if one was started.
func (c *Client) Close() error {
	if c.peerServer == nil {
		return nil
	}
	return c.peerServer.Close()
}
