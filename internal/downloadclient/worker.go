package downloadclient

import (
	"fmt"
	"net"
	"strconv"

	"github.com/m1m1ck/blockshare/internal/protocol"
)

// runWorker owns one socket to the server (or, after a token
// redirection, one socket to a peer) and pulls blocks
// workerIndex, workerIndex+Dc, workerIndex+2*Dc, ... into bm until it
// observes an empty or otherwise terminal reply.
func (c *Client) runWorker(fileID string, workerIndex int, bm *blockMap) {
	conn, err := net.Dial("tcp", c.serverAddr())
	if err != nil {
		c.logf("worker %d: cannot reach server: %v", workerIndex, err)
		return
	}
	defer conn.Close()

	f := protocol.NewFramer(conn)
	index := workerIndex

	for {
		if err := f.WriteLine(fmt.Sprintf("%s %s %d", protocol.CmdDownload, fileID, index)); err != nil {
			return
		}

		reply, err := f.ReadLine()
		if err != nil {
			return
		}

		if reply == protocol.ReplySending {
			block, err := f.ReadBlock()
			if err != nil {
				return
			}
			if len(block) == 0 {
				return
			}
			bm.put(index, block)
			index += c.cfg.Dc
			continue
		}

		if tok, ok := protocol.ParseTokenLine(reply); ok {
			c.runWorkerViaPeer(tok, fileID, index, bm, workerIndex)
			return
		}

		return
	}
}

// runWorkerViaPeer switches a worker to the peer named in tok and keeps
// pulling blocks through it, using the already-minted token, until the
// peer ends the stream (an empty block) or denies the token.
func (c *Client) runWorkerViaPeer(tok protocol.ParsedToken, fileID string, startIndex int, bm *blockMap, workerIndex int) {
	addr := net.JoinHostPort(tok.Host, strconv.Itoa(tok.Port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		c.logf("worker %d: cannot reach peer %s: %v", workerIndex, addr, err)
		return
	}
	defer conn.Close()

	f := protocol.NewFramer(conn)
	index := startIndex

	for {
		cmd := fmt.Sprintf("%s %s %s %d", protocol.CmdDownloadToken, tok.TokenID, fileID, index)
		if err := f.WriteLine(cmd); err != nil {
			return
		}

		reply, err := f.ReadLine()
		if err != nil {
			return
		}
		if reply != protocol.ReplySending {
			return
		}

		block, err := f.ReadBlock()
		if err != nil {
			return
		}
		if len(block) == 0 {
			return
		}
		bm.put(index, block)
		index += c.cfg.Dc
	}
}
