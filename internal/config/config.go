/*
 * Configuration shared by the server and client entry points. Values
 * are populated by cobra flag bindings in cmd/blockshare and carry the
 * same defaults as spec.md §6.
 */

package config

// ServerConfig holds the parameters recognized by the server.
type ServerConfig struct {
	Port      int
	Cs        int
	P         float64
	T         int
	B         int
	FilesDir  string
	Verbose   bool
}

// DefaultServerConfig returns a ServerConfig with spec.md §6 defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Cs:       5,
		P:        0.2,
		T:        10,
		B:        100,
		FilesDir: "serverfiles",
	}
}

// ClientConfig holds the parameters recognized by the downloading
// client, which also runs the in-process trusted-peer server once a
// download verifies.
type ClientConfig struct {
	Port       int
	ServerHost string
	ServerPort int
	FileID     string
	Dc         int
	Pc         float64
	B          int
	FilesDir   string
	Verbose    bool
}

// DefaultClientConfig returns a ClientConfig with spec.md §6 defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerHost: "localhost",
		ServerPort: 12345,
		FileID:     "random",
		Dc:         1,
		Pc:         0.2,
		B:          100,
		FilesDir:   "clientfiles",
	}
}
