package control

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sockPath keeps unix socket paths under the platform length limit.
func sockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sgw")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "c.sock")
}

// pair returns a server-side and a client-side session connected to each other.
func pair(t *testing.T) (*Server, *Session, *Session) {
	t.Helper()
	path := sockPath(t)
	srv, err := Listen(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	accepted := make(chan *Session, 1)
	go func() { _ = srv.Serve(context.Background(), func(s *Session) { accepted <- s }) }()

	cli, err := Dial(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	select {
	case s := <-accepted:
		return srv, s, cli
	case <-time.After(2 * time.Second):
		t.Fatal("no session accepted")
	}
	return nil, nil, nil
}

func TestSession_SendPreservesOrder(t *testing.T) {
	_, server, client := pair(t)

	const n = 200
	got := make(chan string, n)
	go func() {
		_ = server.Serve(context.Background(), func(_ context.Context, _ *Session, m Message) {
			got <- m.Payload.(WorkerError).ErrorMessage
		})
	}()

	for i := 0; i < n; i++ {
		require.NoError(t, client.Send(context.Background(), New(WorkerError{ErrorMessage: fmt.Sprint(i)})))
	}
	for i := 0; i < n; i++ {
		select {
		case v := <-got:
			require.Equal(t, fmt.Sprint(i), v)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not received", i)
		}
	}
}

func TestSession_RequestReply(t *testing.T) {
	_, server, client := pair(t)

	go func() {
		_ = server.Serve(context.Background(), func(ctx context.Context, s *Session, m Message) {
			if sl, ok := m.Payload.(StartListen); ok {
				_ = s.Reply(ctx, m, ListenStarted{Address: "127.0.0.1:1", Port: sl.Port})
			}
		})
	}()
	go func() { _ = client.Serve(context.Background(), nil) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Request(ctx, New(StartListen{Port: 4321}))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 4321, resp.Payload.(ListenStarted).Port)
}

func TestSession_ConcurrentRequestsCorrelate(t *testing.T) {
	_, server, client := pair(t)

	go func() {
		_ = server.Serve(context.Background(), func(ctx context.Context, s *Session, m Message) {
			req := m.Payload.(ConnectionTagsRequest)
			_ = s.Reply(ctx, m, ConnectionTagsResponse{ConnectionID: req.ID, Tags: []string{"app:" + req.ID}})
		})
	}()
	go func() { _ = client.Serve(context.Background(), nil) }()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			resp, err := client.Request(ctx, New(ConnectionTagsRequest{ID: id}))
			if assert.NoError(t, err) {
				assert.Equal(t, id, resp.Payload.(ConnectionTagsResponse).ConnectionID)
			}
		}(fmt.Sprintf("conn-%d", i))
	}
	wg.Wait()
}

func TestSession_RequestFailsWhenChannelCloses(t *testing.T) {
	_, server, client := pair(t)

	// The server reads but never answers, then drops the connection.
	go func() {
		_ = server.Serve(context.Background(), func(context.Context, *Session, Message) {
			go func() { _ = server.Close() }()
		})
	}()
	go func() { _ = client.Serve(context.Background(), nil) }()

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), New(StartListen{Port: 1}))
		errCh <- err
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("request hung after close")
	}

	_, err := client.Request(context.Background(), New(StartListen{Port: 1}))
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestSession_SkipsMalformedLines(t *testing.T) {
	_, server, client := pair(t)

	got := make(chan Message, 4)
	go func() {
		_ = server.Serve(context.Background(), func(_ context.Context, _ *Session, m Message) { got <- m })
	}()

	_, err := client.conn.Write([]byte("\n\nnot-json\n{\"type\":\"bogus\"}\n{\"type\":\"gatewayCreated\"}\n"))
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Equal(t, TypeGatewayCreated, m.Type())
	case <-time.After(2 * time.Second):
		t.Fatal("valid message after garbage not delivered")
	}
	select {
	case <-server.Done():
		t.Fatal("session closed on malformed input")
	default:
	}
}

func TestSession_CallSurfacesRemoteError(t *testing.T) {
	_, server, client := pair(t)
	go func() {
		_ = server.Serve(context.Background(), func(ctx context.Context, s *Session, m Message) {
			_ = s.Reply(ctx, m, Failure{Message: "Not handle by ipc server"})
		})
	}()
	go func() { _ = client.Serve(context.Background(), nil) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Call(ctx, New(CLIArgv{Argv: []string{"x"}}))
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "Not handle by ipc server", re.Message)
}

func TestDial_MissingSocketIsConnectionError(t *testing.T) {
	_, err := Dial(context.Background(), filepath.Join(os.TempDir(), "sgw-does-not-exist.sock"))
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))

	_, err = Dial(context.Background(), "")
	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, errNoPath)
}

func TestListen_RefusesLiveSocket(t *testing.T) {
	path := sockPath(t)
	srv, err := Listen(path, nil)
	require.NoError(t, err)
	defer srv.Close()
	go func() { _ = srv.Serve(context.Background(), func(s *Session) { _ = s.Serve(context.Background(), nil) }) }()

	_, err = Listen(path, nil)
	assert.Error(t, err)
}
