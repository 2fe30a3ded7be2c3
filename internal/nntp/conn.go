// Package nntp provides the news-server session contract used by the
// download workers. Wire framing stays behind the Conn interface so the
// scheduler and workers never touch protocol details.
package nntp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/javi11/nzbd/internal/errors"
)

// Conn is one authenticated session on a news server. A connection is owned
// by at most one worker at a time.
type Conn interface {
	// SelectGroup issues GROUP; required by servers that refuse BODY by
	// message-id without a selected group.
	SelectGroup(name string) error
	// Body requests the article body. The returned reader delivers
	// dot-destuffed lines and terminates at the final "." line.
	Body(ctx context.Context, messageID string) (io.ReadCloser, error)
	Close() error
}

// DialConfig carries everything needed to open a session.
type DialConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	Timeout  time.Duration
}

type conn struct {
	nc net.Conn
	br *bufio.Reader
}

// Dial opens a TCP or TLS session, consumes the greeting and authenticates
// when credentials are configured.
func Dial(ctx context.Context, cfg DialConfig) (Conn, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var nc net.Conn
	var err error
	if cfg.TLS {
		nc, err = (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: cfg.Host}}).DialContext(ctx, "tcp", addr)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindTransientNetwork, fmt.Sprintf("connect to %s failed", addr), err)
	}

	c := &conn{nc: nc, br: bufio.NewReaderSize(nc, 64*1024)}

	code, line, err := c.readResponse()
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	if code != 200 && code != 201 {
		_ = nc.Close()
		return nil, errors.New(errors.KindProtocol, fmt.Sprintf("unexpected greeting from %s: %s", addr, line))
	}

	if cfg.Username != "" {
		if err := c.authenticate(cfg.Username, cfg.Password); err != nil {
			_ = nc.Close()
			return nil, err
		}
	}

	return c, nil
}

func (c *conn) authenticate(username, password string) error {
	code, line, err := c.command("AUTHINFO USER " + username)
	if err != nil {
		return err
	}
	if code == 381 {
		code, line, err = c.command("AUTHINFO PASS " + password)
		if err != nil {
			return err
		}
	}
	if code != 281 {
		return errors.New(errors.KindAuthFailure, "authentication rejected: "+line)
	}
	return nil
}

func (c *conn) SelectGroup(name string) error {
	code, line, err := c.command("GROUP " + name)
	if err != nil {
		return err
	}
	if code != 211 {
		return errors.New(errors.KindArticleMissing, fmt.Sprintf("group %s not available: %s", name, line))
	}
	return nil
}

func (c *conn) Body(ctx context.Context, messageID string) (io.ReadCloser, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(deadline)
	} else {
		_ = c.nc.SetDeadline(time.Time{})
	}

	if !strings.HasPrefix(messageID, "<") {
		messageID = "<" + messageID + ">"
	}

	code, line, err := c.command("BODY " + messageID)
	if err != nil {
		return nil, err
	}

	switch {
	case code == 222:
		return &bodyReader{c: c}, nil
	case code == 430:
		return nil, errors.New(errors.KindArticleMissing, "no such article: "+line)
	case code == 480 || code == 481 || code == 502:
		return nil, errors.New(errors.KindAuthFailure, "server refused body: "+line)
	default:
		return nil, errors.New(errors.KindProtocol, fmt.Sprintf("unexpected BODY response %d: %s", code, line))
	}
}

func (c *conn) Close() error {
	// best effort QUIT, the peer may already be gone
	_, _ = c.nc.Write([]byte("QUIT\r\n"))
	return c.nc.Close()
}

func (c *conn) command(cmd string) (int, string, error) {
	if _, err := c.nc.Write([]byte(cmd + "\r\n")); err != nil {
		return 0, "", errors.Wrap(errors.KindTransientNetwork, "write failed", err)
	}
	return c.readResponse()
}

func (c *conn) readResponse() (int, string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return 0, "", errors.Wrap(errors.KindTransientNetwork, "read failed", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 3 {
		return 0, line, errors.New(errors.KindProtocol, "short response: "+line)
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0, line, errors.New(errors.KindProtocol, "malformed response: "+line)
	}
	return code, line, nil
}

// bodyReader streams a dot-stuffed body. Lines are delivered with their
// CRLF; the terminating "." line is consumed and not delivered.
type bodyReader struct {
	c    *conn
	buf  []byte
	done bool
	err  error
}

func (r *bodyReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}

		line, err := r.c.br.ReadBytes('\n')
		if len(line) > 0 {
			switch {
			case isTerminator(line):
				r.done = true
			case line[0] == '.':
				// dot-stuffing: leading ".." collapses to "."
				r.buf = line[1:]
			default:
				r.buf = line
			}
		}
		if err != nil {
			r.err = errors.Wrap(errors.KindArticleIncomplete, "body truncated", err)
			if len(r.buf) == 0 {
				return 0, r.err
			}
		}
		if r.done {
			return 0, io.EOF
		}
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func isTerminator(line []byte) bool {
	s := strings.TrimRight(string(line), "\r\n")
	return s == "."
}

// Close drains the remaining body so the connection stays usable for the
// next command.
func (r *bodyReader) Close() error {
	for !r.done && r.err == nil {
		buf := make([]byte, 16*1024)
		if _, err := r.Read(buf); err != nil {
			break
		}
	}
	return nil
}
