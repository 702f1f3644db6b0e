package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// ValkeyProvider speaks RESP2 over a fresh connection per command. The
// publisher writes once per sampling cycle, so pooling is not worth the state.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// NewValkeyProvider validates cfg and pings the server so bad credentials or
// an unreachable address surface at startup.
func NewValkeyProvider(ctx context.Context, cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	withDefaults(&cfg)
	p := &ValkeyProvider{cfg: cfg}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	reply, err := p.do(pingCtx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping %s: %w", cfg.Addr, err)
	}
	if !reply.is(kindStatus, "PONG") {
		return nil, fmt.Errorf("unexpected PING reply %q", reply.data)
	}
	return p, nil
}

// Get returns the value at key or ErrCacheMiss.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	switch reply.kind {
	case kindNil:
		return nil, ErrCacheMiss
	case kindBulk:
		return reply.data, nil
	default:
		return nil, fmt.Errorf("unexpected GET reply kind %c", reply.kind)
	}
}

// Set writes value at key, with a millisecond expiry when ttl is positive.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	reply, err := p.do(ctx, args...)
	if err != nil {
		return err
	}
	if !reply.is(kindStatus, "OK") {
		return fmt.Errorf("unexpected SET reply %q", reply.data)
	}
	return nil
}

// Del removes key. Deleting a missing key is not an error.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", key)
	return err
}

// Close is a no-op; connections do not outlive a command.
func (p *ValkeyProvider) Close() error { return nil }

// do runs one command on a new connection, retrying transient network
// failures up to MaxRetries attempts in total.
func (p *ValkeyProvider) do(ctx context.Context, args ...string) (respReply, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return respReply{}, ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
		}
		reply, err := p.once(ctx, args)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return respReply{}, lastErr
}

func (p *ValkeyProvider) once(ctx context.Context, args []string) (respReply, error) {
	if err := ctx.Err(); err != nil {
		return respReply{}, err
	}
	conn, err := p.dial(ctx)
	if err != nil {
		return respReply{}, err
	}
	defer conn.Close()

	rc := &respConn{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn), cfg: p.cfg}
	if err := p.handshake(rc); err != nil {
		return respReply{}, err
	}
	return rc.roundTrip(args...)
}

func (p *ValkeyProvider) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	if !p.cfg.TLS {
		return dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	td := &tls.Dialer{
		NetDialer: dialer,
		Config:    &tls.Config{MinVersion: tls.VersionTLS12, ServerName: tlsServerName(p.cfg.Addr)},
	}
	return td.DialContext(ctx, "tcp", p.cfg.Addr)
}

func (p *ValkeyProvider) handshake(rc *respConn) error {
	if p.cfg.Password != "" {
		args := []string{"AUTH", p.cfg.Password}
		if p.cfg.Username != "" {
			args = []string{"AUTH", p.cfg.Username, p.cfg.Password}
		}
		reply, err := rc.roundTrip(args...)
		if err != nil {
			return fmt.Errorf("valkey auth: %w", err)
		}
		if !reply.is(kindStatus, "OK") {
			return fmt.Errorf("valkey auth: unexpected reply %q", reply.data)
		}
	}
	if p.cfg.DB > 0 {
		reply, err := rc.roundTrip("SELECT", strconv.Itoa(p.cfg.DB))
		if err != nil {
			return fmt.Errorf("valkey select %d: %w", p.cfg.DB, err)
		}
		if !reply.is(kindStatus, "OK") {
			return fmt.Errorf("valkey select %d: unexpected reply %q", p.cfg.DB, reply.data)
		}
	}
	return nil
}

type replyKind byte

const (
	kindStatus  replyKind = '+'
	kindInteger replyKind = ':'
	kindBulk    replyKind = '$'
	kindNil     replyKind = '_'
)

type respReply struct {
	kind replyKind
	data []byte
}

func (r respReply) is(kind replyKind, text string) bool {
	return r.kind == kind && strings.EqualFold(string(r.data), text)
}

// serverError is a RESP "-ERR ..." reply. It is never retried.
type serverError string

func (e serverError) Error() string { return "valkey: " + string(e) }

type respConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	cfg  ValkeyConfig
}

func (c *respConn) roundTrip(args ...string) (respReply, error) {
	if err := c.writeArray(args); err != nil {
		return respReply{}, err
	}
	return c.readReply()
}

func (c *respConn) writeArray(args []string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, '\r', '\n')
	for _, arg := range args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(arg)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, arg...)
		buf = append(buf, '\r', '\n')
	}
	if _, err := c.w.Write(buf); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *respConn) readReply() (respReply, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return respReply{}, err
	}
	line, err := c.readLine()
	if err != nil {
		return respReply{}, err
	}
	if len(line) == 0 {
		return respReply{}, errors.New("empty RESP reply")
	}

	body := line[1:]
	switch line[0] {
	case '+':
		return respReply{kind: kindStatus, data: body}, nil
	case '-':
		return respReply{}, serverError(body)
	case ':':
		return respReply{kind: kindInteger, data: body}, nil
	case '_':
		return respReply{kind: kindNil}, nil
	case '$':
		size, err := strconv.Atoi(string(body))
		if err != nil {
			return respReply{}, fmt.Errorf("bad bulk length %q: %w", body, err)
		}
		if size < 0 {
			return respReply{kind: kindNil}, nil
		}
		payload := make([]byte, size+2)
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return respReply{}, err
		}
		if payload[size] != '\r' || payload[size+1] != '\n' {
			return respReply{}, errors.New("bulk reply missing CRLF")
		}
		return respReply{kind: kindBulk, data: payload[:size]}, nil
	default:
		return respReply{}, fmt.Errorf("unsupported RESP prefix %q", line[0])
	}
}

func (c *respConn) readLine() ([]byte, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

func withDefaults(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
}

func retryDelay(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * 25 * time.Millisecond
}

func retryable(err error) bool {
	var se serverError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func tlsServerName(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
