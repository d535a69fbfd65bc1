package syncserver

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Common client errors
var (
	ErrRemote           = errors.New("syncserver: remote returned error status")
	ErrChecksumMismatch = errors.New("syncserver: file checksum mismatch")
	ErrSnapshotChanged  = errors.New("syncserver: snapshot uuid changed mid-pull")
)

// ClientConfig holds the pull client configuration.
type ClientConfig struct {
	// Address is the leader's transfer server address.
	Address string
	// ChunkSize is the byte count requested per file-range call.
	ChunkSize uint64
	// RequestTimeout bounds one request/response round trip. A busy leader
	// abstains from metadata responses, so this is also the retry trigger.
	RequestTimeout time.Duration
	// MaxElapsedTime bounds the total metadata retry window.
	MaxElapsedTime time.Duration
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig(address string) *ClientConfig {
	return &ClientConfig{
		Address:        address,
		ChunkSize:      4 << 20,
		RequestTimeout: 10 * time.Second,
		MaxElapsedTime: 5 * time.Minute,
	}
}

// Client pulls a shard snapshot from a leader's transfer server.
//
// Because snapshot files are immutable per uuid, any request may be retried
// after a disconnect; the client re-dials and continues from the offset it
// had reached.
type Client struct {
	cfg    *ClientConfig
	logger *slog.Logger

	conn net.Conn
}

// NewClient creates a pull client.
func NewClient(cfg *ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// Close drops the client's connection, if any.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Pull fetches the current snapshot of (db, shardID) into destDir and
// returns its uuid. Every file's MD5 is verified against the checksum the
// server announces on the terminal read; a uuid change between files means
// the leader checkpointed mid-pull, and the pull fails so the caller can
// restart against the new generation.
func (c *Client) Pull(ctx context.Context, db string, shardID uint32, destDir string) (string, error) {
	defer c.Close()

	uuid, files, err := c.fetchMeta(ctx, db, shardID)
	if err != nil {
		return "", err
	}
	c.logger.Info("snapshot meta received",
		"db", db, "shard", shardID, "uuid", uuid, "files", len(files))

	if err := os.MkdirAll(destDir, 0750); err != nil {
		return "", fmt.Errorf("syncserver: create dest dir: %w", err)
	}
	for _, name := range files {
		if err := c.pullFile(ctx, db, shardID, uuid, name, destDir); err != nil {
			return "", fmt.Errorf("syncserver: pull %s: %w", name, err)
		}
	}
	return uuid, nil
}

// fetchMeta requests snapshot metadata, retrying with exponential backoff
// across the leader's busy abstentions (which surface as read timeouts).
func (c *Client) fetchMeta(ctx context.Context, db string, shardID uint32) (string, []string, error) {
	var uuid string
	var files []string

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.cfg.MaxElapsedTime

	op := func() error {
		resp, err := c.roundTrip(ctx, &Request{Type: RequestMeta, DB: db, ShardID: shardID})
		if err != nil {
			c.logger.Debug("meta request will be retried", "error", err)
			c.Close()
			return err
		}
		if resp.Code != CodeOK || resp.Meta == nil {
			return backoff.Permanent(fmt.Errorf("%w: meta request", ErrRemote))
		}
		uuid = resp.UUID
		files = resp.Meta.Filenames
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return "", nil, err
	}
	return uuid, files, nil
}

func (c *Client) pullFile(ctx context.Context, db string, shardID uint32, uuid, name, destDir string) error {
	f, err := os.Create(filepath.Join(destDir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	h := md5.New()
	var offset uint64
	for {
		resp, err := c.roundTrip(ctx, &Request{
			Type:    RequestFile,
			DB:      db,
			ShardID: shardID,
			File:    &FileRequest{Filename: name, Offset: offset, Count: c.cfg.ChunkSize},
		})
		if err != nil {
			return err
		}
		if resp.Code != CodeOK || resp.File == nil {
			return fmt.Errorf("%w: file %s at offset %d", ErrRemote, name, offset)
		}
		if resp.UUID != uuid {
			return fmt.Errorf("%w: had %s, got %s", ErrSnapshotChanged, uuid, resp.UUID)
		}

		if len(resp.File.Data) > 0 {
			if _, err := f.Write(resp.File.Data); err != nil {
				return err
			}
			h.Write(resp.File.Data)
			offset += uint64(len(resp.File.Data))
		}

		if resp.File.Eof {
			if resp.File.Checksum == "" {
				// Not the terminal read yet; ask once more so the
				// server confirms end-of-file and hashes.
				continue
			}
			if got := hex.EncodeToString(h.Sum(nil)); got != resp.File.Checksum {
				return fmt.Errorf("%w: %s local %s remote %s",
					ErrChecksumMismatch, name, got, resp.File.Checksum)
			}
			return nil
		}
	}
}

// roundTrip sends one request and reads one response over a lazily dialed
// connection.
func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	if c.conn == nil {
		d := net.Dialer{Timeout: c.cfg.RequestTimeout}
		conn, err := d.DialContext(ctx, "tcp", c.cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("syncserver: dial %s: %w", c.cfg.Address, err)
		}
		c.conn = conn
	}

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if err := writeFrame(c.conn, req); err != nil {
		c.Close()
		return nil, err
	}
	resp, err := readResponse(c.conn)
	if err != nil {
		c.Close()
		return nil, err
	}
	return resp, nil
}
