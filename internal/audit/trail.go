// Package audit persists an append-only, hash-chained event trail. Each event
// carries the hash of its predecessor so any later mutation of a stored row
// breaks verification from that point on.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"bot-engine/pkg/db"
)

// genesisHash anchors the first link of the chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Trail appends hash-chained events to the database. A single mutex
// serializes writers so the chain stays linear.
type Trail struct {
	db       *db.Database
	mu       sync.Mutex
	lastHash string
}

// New creates a trail, seeding the chain head from the last stored event.
func New(database *db.Database) (*Trail, error) {
	t := &Trail{db: database, lastHash: genesisHash}
	if database == nil {
		return t, nil
	}

	last, err := database.LastAuditEvent(context.Background())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return t, nil
		}
		return nil, fmt.Errorf("load audit chain head: %w", err)
	}
	t.lastHash = last.PayloadHash
	return t, nil
}

// Append records one event. The payload is JSON-marshaled; the link hash
// covers the previous hash, event type, entity id and payload.
func (t *Trail) Append(ctx context.Context, eventType, entityID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	hash := chainHash(t.lastHash, eventType, entityID, data)

	if t.db != nil {
		_, err = t.db.AppendAuditEvent(ctx, db.AuditEvent{
			EventType:   eventType,
			EntityID:    entityID,
			Payload:     string(data),
			PayloadHash: hash,
			PrevHash:    t.lastHash,
		})
		if err != nil {
			return err
		}
	}

	t.lastHash = hash
	return nil
}

// Verify walks the stored chain and reports the first broken link, if any.
func (t *Trail) Verify(ctx context.Context) error {
	if t.db == nil {
		return nil
	}

	evts, err := t.db.ListAuditEvents(ctx)
	if err != nil {
		return err
	}

	prev := genesisHash
	for _, e := range evts {
		if e.PrevHash != prev {
			return fmt.Errorf("audit chain broken at seq %d: prev hash mismatch", e.Seq)
		}
		want := chainHash(prev, e.EventType, e.EntityID, []byte(e.Payload))
		if e.PayloadHash != want {
			return fmt.Errorf("audit chain broken at seq %d: payload hash mismatch", e.Seq)
		}
		prev = e.PayloadHash
	}
	return nil
}

func chainHash(prevHash, eventType, entityID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(eventType))
	h.Write([]byte(entityID))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
