package cache

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/fraud-monitor/internal/models"
)

func TestNoopProvider(t *testing.T) {
	var p Provider = NoopProvider{}
	if err := p.Set(context.Background(), "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := p.Get(context.Background(), "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
}

func TestMemoryProviderExpiry(t *testing.T) {
	m := NewMemoryProvider(time.Minute)
	ctx := context.Background()

	if err := m.Set(ctx, "view", []byte("one"), 40*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := m.Get(ctx, "view")
	if err != nil || string(got) != "one" {
		t.Fatalf("get = %q, %v", got, err)
	}

	got[0] = 'X'
	if again, _ := m.Get(ctx, "view"); string(again) != "one" {
		t.Fatalf("returned bytes alias the stored value: %q", again)
	}

	time.Sleep(80 * time.Millisecond)
	if _, err := m.Get(ctx, "view"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expiry, got %v", err)
	}

	if err := m.Set(ctx, "pinned", []byte("two"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := m.Get(ctx, "pinned"); err != nil || string(got) != "two" {
		t.Fatalf("zero ttl should not expire: %q, %v", got, err)
	}
}

func TestMemoryProviderDelete(t *testing.T) {
	m := NewMemoryProvider(0)
	ctx := context.Background()
	_ = m.Set(ctx, "k", []byte("v"), 0)
	if err := m.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestPublisherWritesLatestView(t *testing.T) {
	mem := NewMemoryProvider(0)
	pub := NewPublisher(nil, mem, PublisherConfig{Key: "fm:test", TTL: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pub.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	pub.Notify(models.LoadingView(time.Unix(1, 0)))
	pub.Notify(models.ErroredView(7, "Failed to fetch fraud data.", time.Unix(2, 0)))

	deadline := time.Now().Add(2 * time.Second)
	for {
		view, err := pub.Latest(context.Background())
		if err == nil && view.Cycle == 7 {
			if view.State != models.StateErrored || view.Message == "" {
				t.Fatalf("unexpected published view: %+v", view)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("latest view never published: %+v, %v", view, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeValkey is a single-key-space RESP server good enough for PING, AUTH,
// SELECT, SET (with PX), GET and DEL.
type fakeValkey struct {
	ln       net.Listener
	password string

	mu   sync.Mutex
	data map[string]string
	ttls map[string]string
	seen []string
}

func startFakeValkey(t *testing.T, password string) *fakeValkey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeValkey{ln: ln, password: password, data: map[string]string{}, ttls: map[string]string{}}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeValkey) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeValkey) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	authed := f.password == ""
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		cmd := strings.ToUpper(args[0])
		f.mu.Lock()
		f.seen = append(f.seen, cmd)
		f.mu.Unlock()

		if !authed && cmd != "AUTH" {
			_, _ = io.WriteString(conn, "-NOAUTH Authentication required.\r\n")
			continue
		}

		switch cmd {
		case "PING":
			_, _ = io.WriteString(conn, "+PONG\r\n")
		case "AUTH":
			if args[len(args)-1] != f.password {
				_, _ = io.WriteString(conn, "-WRONGPASS invalid password\r\n")
				continue
			}
			authed = true
			_, _ = io.WriteString(conn, "+OK\r\n")
		case "SELECT":
			_, _ = io.WriteString(conn, "+OK\r\n")
		case "SET":
			f.mu.Lock()
			f.data[args[1]] = args[2]
			if len(args) == 5 && strings.EqualFold(args[3], "PX") {
				f.ttls[args[1]] = args[4]
			}
			f.mu.Unlock()
			_, _ = io.WriteString(conn, "+OK\r\n")
		case "GET":
			f.mu.Lock()
			v, ok := f.data[args[1]]
			f.mu.Unlock()
			if !ok {
				_, _ = io.WriteString(conn, "$-1\r\n")
				continue
			}
			_, _ = io.WriteString(conn, "$"+strconv.Itoa(len(v))+"\r\n"+v+"\r\n")
		case "DEL":
			f.mu.Lock()
			delete(f.data, args[1])
			f.mu.Unlock()
			_, _ = io.WriteString(conn, ":1\r\n")
		default:
			_, _ = io.WriteString(conn, "-ERR unknown command\r\n")
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(header, "*")))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(sizeLine, "$")))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	srv := startFakeValkey(t, "secret")
	ctx := context.Background()

	p, err := NewValkeyProvider(ctx, ValkeyConfig{Addr: srv.ln.Addr().String(), Password: "secret", DB: 2})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	defer p.Close()

	if _, err := p.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	payload := []byte(`{"state":"ready","note":"line\r\nbreak"}`)
	if err := p.Set(ctx, "fm:view", payload, 1500*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := p.Get(ctx, "fm:view")
	if err != nil || string(got) != string(payload) {
		t.Fatalf("get = %q, %v", got, err)
	}

	srv.mu.Lock()
	ttl := srv.ttls["fm:view"]
	srv.mu.Unlock()
	if ttl != "1500" {
		t.Fatalf("expected PX 1500, got %q", ttl)
	}

	if err := p.Del(ctx, "fm:view"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := p.Get(ctx, "fm:view"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestValkeyProviderRejectsBadPassword(t *testing.T) {
	srv := startFakeValkey(t, "secret")
	_, err := NewValkeyProvider(context.Background(), ValkeyConfig{Addr: srv.ln.Addr().String(), Password: "nope", MaxRetries: 3})
	if err == nil {
		t.Fatalf("expected auth failure")
	}
	var se serverError
	if !errors.As(err, &se) {
		t.Fatalf("expected server error, got %T %v", err, err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.seen) != 1 {
		t.Fatalf("server errors must not be retried, saw %v", srv.seen)
	}
}

func TestValkeyProviderRequiresAddr(t *testing.T) {
	if _, err := NewValkeyProvider(context.Background(), ValkeyConfig{}); err == nil {
		t.Fatalf("expected missing addr error")
	}
}
