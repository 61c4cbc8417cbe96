package lyrics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultLlamaServer = "llama-server"
	defaultLoadTimeout = 2 * time.Minute
)

// localServer is a running llama.cpp compatible server.
type localServer struct {
	endpoint string
	stop     func() error
	// done is closed when the server process exits
	done <-chan struct{}
}

func (s *localServer) exited() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// localInstance is a loaded local model shared by every request using it.
type localInstance struct {
	server *localServer
	lock   sync.Mutex
}

type startFunc func(ctx context.Context, bin, model string, timeout time.Duration) (*localServer, error)

func fingerprint(bin, model string) string {
	h := sha256.Sum256([]byte(bin + "\x00" + model))
	return hex.EncodeToString(h[:8])
}

// startLlamaServer launches the server binary with the model and waits until
// its health endpoint reports it ready.
func startLlamaServer(ctx context.Context, bin, model string, timeout time.Duration) (*localServer, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: model path not set", ErrModelLoad)
	}
	if _, err := os.Stat(model); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	// The process outlives the request that loads it
	cmd := exec.Command(path, "-m", model, "--host", "127.0.0.1", "--port", strconv.Itoa(port))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: couldn't start %s: %w", ErrModelLoad, bin, err)
	}
	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()
	stop := func() error {
		select {
		case <-done:
			return nil
		default:
		}
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("lyrics: couldn't kill %s: %w", bin, err)
		}
		<-done
		return nil
	}

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	client := &http.Client{Timeout: 5 * time.Second}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = stop()
			return nil, fmt.Errorf("%w: server not ready: %w", ErrModelLoad, ctx.Err())
		case <-done:
			return nil, fmt.Errorf("%w: server exited: %v", ErrModelLoad, waitErr)
		case <-ticker.C:
		}
		req, err := http.NewRequestWithContext(ctx, "GET", base+"/health", nil)
		if err != nil {
			_ = stop()
			return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			log.Printf("lyrics: local model %s loaded on %s\n", model, base)
			return &localServer{endpoint: base + "/v1", stop: stop, done: done}, nil
		}
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("lyrics: couldn't get free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
