package downloadclient

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m1m1ck/blockshare/internal/blockstore"
	"github.com/m1m1ck/blockshare/internal/config"
	"github.com/m1m1ck/blockshare/internal/server"
)

func startTestServer(t *testing.T, dir string, data []byte) (addr string, cfg config.ServerConfig) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small.txt"), data, 0o644))

	store, err := blockstore.New(dir, 100)
	require.NoError(t, err)

	cfg = config.DefaultServerConfig()
	cfg.Cs = 5
	cfg.P = 0
	cfg.B = 100
	cfg.FilesDir = dir

	srv, err := server.New(cfg, store)
	require.NoError(t, err)

	listenAddr, err := srv.Serve()
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	return listenAddr.String(), cfg
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	return host, port
}

func TestParseFileID(t *testing.T) {
	tests := []struct {
		line   string
		wantID string
		wantOK bool
	}{
		{"Name: artofwar.txt, ID: deadbeef", "deadbeef", true},
		{"END_OF_LIST", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		id, ok := parseFileID(tt.line)
		assert.Equal(t, tt.wantOK, ok)
		if tt.wantOK {
			assert.Equal(t, tt.wantID, id)
		}
	}
}

// Small file, no chaos: a 250-byte file with B=100, Dc=2 should yield a
// download whose MD5 matches the server's, per the literal scenario in
// §8.
func TestRunDownloadsVerifiesAndBecomesTrustedPeer(t *testing.T) {
	serverDir := t.TempDir()
	data := make([]byte, 250)
	for i := range data {
		data[i] = byte(i % 256)
	}
	addr, _ := startTestServer(t, serverDir, data)
	host, port := splitHostPort(t, addr)

	clientDir := t.TempDir()
	clientStore, err := blockstore.New(clientDir, 100)
	require.NoError(t, err)

	ccfg := config.DefaultClientConfig()
	ccfg.ServerHost = host
	ccfg.ServerPort = port
	ccfg.Dc = 2
	ccfg.B = 100
	ccfg.FileID = "random"
	ccfg.Port = 0
	ccfg.FilesDir = clientDir

	client := New(ccfg, clientStore)
	defer client.Close()

	require.NoError(t, client.Run())

	// The assembled file must byte-for-byte match the original.
	files, err := blockstore.New(serverDir, 100)
	require.NoError(t, err)
	catalog, err := files.Files()
	require.NoError(t, err)
	require.Len(t, catalog, 1)

	saved, err := os.ReadFile(filepath.Join(clientDir, blockstore.OutputName(catalog[0].SHA256)))
	require.NoError(t, err)
	assert.Equal(t, data, saved)

	require.NotNil(t, client.peerServer)
}
