package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig names the JetStream buckets backing documents and blobs.
type NATSConfig struct {
	URL            string
	DocumentBucket string
	BlobBucket     string
}

// NATS stores documents as JSON values in a JetStream key-value bucket and
// artifacts in an object store bucket. Keys are document paths with "/"
// replaced by ".".
type NATS struct {
	conn   *nats.Conn
	docs   jetstream.KeyValue
	blobs  jetstream.ObjectStore
	blobNS string
	logger *slog.Logger
}

const maxMergeRetries = 5

// DialNATS connects and creates the buckets when missing.
func DialNATS(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.DocumentBucket == "" {
		cfg.DocumentBucket = "SOCIALSCOPE_DOCS"
	}
	if cfg.BlobBucket == "" {
		cfg.BlobBucket = "SOCIALSCOPE_BLOBS"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("socialscope"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.DocumentBucket,
		Description: "socialscope documents",
		History:     1,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("get document bucket %s: %w", cfg.DocumentBucket, err)
	}
	obs, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.BlobBucket,
		Description: "socialscope artifacts",
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("get blob bucket %s: %w", cfg.BlobBucket, err)
	}
	return &NATS{
		conn:   conn,
		docs:   kv,
		blobs:  obs,
		blobNS: cfg.BlobBucket,
		logger: logger.With("component", "remote-nats"),
	}, nil
}

func (n *NATS) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

func kvKey(path string) string {
	return strings.ReplaceAll(path, "/", ".")
}

func (n *NATS) PutDocument(ctx context.Context, path string, fields map[string]any) error {
	key := kvKey(path)
	for attempt := 0; attempt < maxMergeRetries; attempt++ {
		entry, err := n.docs.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted):
			data, err := json.Marshal(fields)
			if err != nil {
				return fmt.Errorf("marshal document: %w", err)
			}
			if _, err := n.docs.Create(ctx, key, data); err != nil {
				if isRevisionMismatch(err) {
					continue
				}
				return unavailable(err)
			}
			return nil
		case err != nil:
			return unavailable(err)
		}

		var doc map[string]any
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			return fmt.Errorf("unmarshal document %s: %w", path, err)
		}
		data, err := json.Marshal(Merge(doc, fields))
		if err != nil {
			return fmt.Errorf("marshal document: %w", err)
		}
		if _, err := n.docs.Update(ctx, key, data, entry.Revision()); err != nil {
			if isRevisionMismatch(err) {
				n.logger.Debug("document changed during merge, retrying", "path", path, "attempt", attempt+1)
				continue
			}
			return unavailable(err)
		}
		return nil
	}
	return fmt.Errorf("merge %s: %w", path, ErrConflict)
}

func (n *NATS) GetDocument(ctx context.Context, path string) (map[string]any, error) {
	entry, err := n.docs.Get(ctx, kvKey(path))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document %s: %w", path, err)
	}
	return doc, nil
}

func (n *NATS) UploadBlob(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	meta := jetstream.ObjectMeta{Name: path}
	if contentType != "" {
		meta.Headers = nats.Header{"Content-Type": []string{contentType}}
	}
	if _, err := n.blobs.Put(ctx, meta, r); err != nil {
		return "", unavailable(err)
	}
	return "nats://" + n.blobNS + "/" + path, nil
}

func isRevisionMismatch(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
