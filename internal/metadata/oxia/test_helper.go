package oxia

import (
	"os"
	"testing"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// TestServer is an Oxia endpoint for adapter tests.
type TestServer struct {
	standalone *dataserver.Standalone
	addr       string
}

func (s *TestServer) Addr() string { return s.addr }

// StartTestServer returns the server named by OXIA_SERVICE_ADDRESS, or
// starts an embedded standalone one under t.TempDir that is closed with
// the test.
func StartTestServer(t *testing.T) *TestServer {
	t.Helper()

	if addr := os.Getenv("OXIA_SERVICE_ADDRESS"); addr != "" {
		t.Logf("using external oxia at %s", addr)
		return &TestServer{addr: addr}
	}

	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to start embedded oxia: %v", err)
	}
	t.Cleanup(func() {
		if err := standalone.Close(); err != nil {
			t.Logf("closing embedded oxia: %v", err)
		}
	})
	return &TestServer{standalone: standalone, addr: standalone.ServiceAddr()}
}
