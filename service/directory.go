package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pingxin403/im-gateway/metrics"
)

// directoryKeyPrefix namespaces this gateway's routing entries within the
// shared etcd keyspace.
const directoryKeyPrefix = "IM-USER-"

func directoryKey(userID string) string {
	return directoryKeyPrefix + userID
}

// directoryRecord is the JSON value stored at a user's directory key. Both
// BrokerID and SessionID are compared on deregister, so a node that loses and
// regains ownership of the same user in quick succession can't have its new
// session fenced out by a delayed deregister from the old one.
type directoryRecord struct {
	BrokerID    string    `json:"broker_id"`
	SessionID   string    `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Directory publishes which broker node (BrokerID) currently owns a user's
// Active session, so peer nodes can route messages for users connected
// elsewhere. Entries are TTL-leased; a node that dies without deregistering
// has its entries expire rather than routing into a void.
type Directory struct {
	client   *clientv3.Client
	brokerID string
	ttl      time.Duration
}

// NewDirectory builds a Directory backed by an etcd client dialed against
// endpoints, publishing ownership as brokerID with entries expiring after
// ttl. Entries are not renewed; each Register call writes a fresh lease.
func NewDirectory(endpoints []string, username, password string, brokerID string, ttl time.Duration) (*Directory, error) {
	cfg := clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}
	if username != "" {
		cfg.Username = username
		cfg.Password = password
	}

	client, err := clientv3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("directory: failed to dial etcd: %w", err)
	}

	return &Directory{client: client, brokerID: brokerID, ttl: ttl}, nil
}

// Close releases the underlying etcd client.
func (d *Directory) Close() error {
	return d.client.Close()
}

// Register publishes that userID's Active session (sessionID) now lives on
// this node, under a new lease that expires after the configured TTL. The
// lease is not kept alive; calling Register again refreshes the entry.
func (d *Directory) Register(ctx context.Context, userID, sessionID string) error {
	lease, err := d.client.Grant(ctx, int64(d.ttl.Seconds()))
	if err != nil {
		metrics.DirectoryErrorsTotal.WithLabelValues("register").Inc()
		return fmt.Errorf("directory: failed to grant lease: %w", err)
	}

	record, err := json.Marshal(directoryRecord{
		BrokerID:    d.brokerID,
		SessionID:   sessionID,
		ConnectedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("directory: failed to encode record: %w", err)
	}

	_, err = d.client.Put(ctx, directoryKey(userID), string(record), clientv3.WithLease(lease.ID))
	if err != nil {
		metrics.DirectoryErrorsTotal.WithLabelValues("register").Inc()
		return fmt.Errorf("directory: failed to put entry: %w", err)
	}
	return nil
}

// Deregister removes userID's directory entry, but only if it still names
// this node's brokerID and sessionID. This prevents a delayed deregister
// racing a takeover from deleting the new owner's entry: the delayed call
// carries the old sessionID, which no longer matches once a newer login has
// overwritten the record.
func (d *Directory) Deregister(ctx context.Context, userID, sessionID string) error {
	key := directoryKey(userID)

	resp, err := d.client.Get(ctx, key)
	if err != nil {
		metrics.DirectoryErrorsTotal.WithLabelValues("deregister").Inc()
		return fmt.Errorf("directory: failed to get entry: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil
	}

	kv := resp.Kvs[0]
	var record directoryRecord
	if err := json.Unmarshal(kv.Value, &record); err != nil {
		metrics.DirectoryErrorsTotal.WithLabelValues("deregister").Inc()
		return fmt.Errorf("directory: failed to decode entry: %w", err)
	}
	if record.BrokerID != d.brokerID || record.SessionID != sessionID {
		// A newer login (possibly on another node) already owns this entry.
		return nil
	}

	txn := d.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
		Then(clientv3.OpDelete(key))

	_, err = txn.Commit()
	if err != nil {
		metrics.DirectoryErrorsTotal.WithLabelValues("deregister").Inc()
		return fmt.Errorf("directory: failed to delete entry: %w", err)
	}
	return nil
}

// Lookup returns the BrokerID that currently owns userID's Active session,
// if a directory entry exists for them.
func (d *Directory) Lookup(ctx context.Context, userID string) (string, bool, error) {
	resp, err := d.client.Get(ctx, directoryKey(userID))
	if err != nil {
		metrics.DirectoryErrorsTotal.WithLabelValues("lookup").Inc()
		return "", false, fmt.Errorf("directory: failed to get entry: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}

	var record directoryRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		return "", false, fmt.Errorf("directory: failed to decode entry: %w", err)
	}
	return record.BrokerID, true, nil
}
