package sshclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/jbweber/anvil/internal/errdefs"
)

// execHandler answers one exec request.
type execHandler func(command string) (stdout, stderr string, status uint32)

// startServer runs an in-process SSH server on localhost that accepts only
// the returned client key.
func startServer(t *testing.T, handler execHandler) (uint16, string) {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	authorized, err := ssh.NewPublicKey(clientPub)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	require.NoError(t, err)
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600))

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(authorized.Marshal()) && conn.User() == "mersdk" {
				return nil, nil
			}
			return nil, assert.AnError
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, config, handler)
		}
	}()

	return uint16(ln.Addr().(*net.TCPAddr).Port), keyFile
}

func serveConn(conn net.Conn, config *ssh.ServerConfig, handler execHandler) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					_ = req.Reply(false, nil)
					return
				}
				_ = req.Reply(true, nil)

				stdout, stderr, status := handler(payload.Command)
				_, _ = ch.Write([]byte(stdout))
				_, _ = ch.Stderr().Write([]byte(stderr))
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func newTestClient(t *testing.T, port uint16, keyFile string) *Client {
	t.Helper()
	c, err := NewClient(Options{
		Host:           "127.0.0.1",
		Port:           port,
		User:           "mersdk",
		PrivateKeyFile: keyFile,
		Timeout:        5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestClient_Run(t *testing.T) {
	port, keyFile := startServer(t, func(command string) (string, string, uint32) {
		switch command {
		case "uname -m":
			return "aarch64\n", "", 0
		default:
			return "", "sh: " + command + ": not found\n", 127
		}
	})
	c := newTestClient(t, port, keyFile)
	ctx := context.Background()

	res, err := c.Run(ctx, "uname -m")
	require.NoError(t, err)
	assert.Equal(t, Result{Stdout: "aarch64\n", ExitCode: 0}, res)

	res, err = c.Run(ctx, "sb2")
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitCode)
	assert.Contains(t, res.Stderr, "not found")
}

func TestClient_Check(t *testing.T) {
	port, keyFile := startServer(t, func(string) (string, string, uint32) { return "", "", 0 })
	c := newTestClient(t, port, keyFile)

	assert.NoError(t, c.Check(context.Background()))
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), c.Addr())
}

func TestClient_CheckRejectedKey(t *testing.T) {
	port, _ := startServer(t, func(string) (string, string, uint32) { return "", "", 0 })

	// A key the server does not authorize.
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	other := filepath.Join(t.TempDir(), "other")
	require.NoError(t, os.WriteFile(other, pem.EncodeToMemory(block), 0o600))

	c := newTestClient(t, port, other)
	err = c.Check(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrOperationFailed)
}

func TestClient_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	_, keyFile := startServer(t, func(string) (string, string, uint32) { return "", "", 0 })
	c := newTestClient(t, port, keyFile)

	err = c.Check(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrBackendUnavailable)
}

func TestNewClient_Errors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))

	tests := []struct {
		name string
		opts Options
		want error
	}{
		{name: "missing host", opts: Options{User: "mersdk", Port: 2222}, want: errdefs.ErrInvalidArgument},
		{name: "missing port", opts: Options{Host: "localhost", User: "mersdk"}, want: errdefs.ErrInvalidArgument},
		{name: "missing key file", opts: Options{Host: "localhost", User: "mersdk", Port: 2222, PrivateKeyFile: filepath.Join(dir, "none")}, want: errdefs.ErrIO},
		{name: "unparseable key", opts: Options{Host: "localhost", User: "mersdk", Port: 2222, PrivateKeyFile: garbage}, want: errdefs.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestQuote(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{args: []string{"sb2", "-t", "SailfishOS-4.5.0.18-aarch64", "make"}, want: "sb2 -t SailfishOS-4.5.0.18-aarch64 make"},
		{args: []string{"echo", "hello world"}, want: "echo 'hello world'"},
		{args: []string{"echo", "it's"}, want: `echo 'it'\''s'`},
		{args: []string{"printf", ""}, want: "printf ''"},
		{args: []string{"ls", "$HOME"}, want: "ls '$HOME'"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Quote(tt.args))
		})
	}
}
