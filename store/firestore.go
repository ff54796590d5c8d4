package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alimasry/go-delta/delta"
)

// FirestoreStore is a Firestore-backed implementation of DocumentStore.
// Ops are stored as native arrays of {insert, attributes} maps.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "documents",
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) opsCollection(docID string) *firestore.CollectionRef {
	return s.docRef(docID).Collection("operations")
}

func zeroPad(version int) string {
	return fmt.Sprintf("%010d", version)
}

func opsToMaps(ops []*delta.Op) []map[string]interface{} {
	out := make([]map[string]interface{}, len(ops))
	for i, op := range ops {
		out[i] = op.ToMap()
	}
	return out
}

func (s *FirestoreStore) Create(ctx context.Context, id string, doc *delta.Document) error {
	now := time.Now()
	_, err := s.docRef(id).Create(ctx, map[string]interface{}{
		"ops":       opsToMaps(cloneDoc(doc).Ops()),
		"version":   0,
		"createdAt": now,
		"updatedAt": now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("document %q: %w", id, ErrExists)
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToDocInfo(id, snap)
}

func snapshotToDocInfo(id string, snap *firestore.DocumentSnapshot) (*DocumentInfo, error) {
	data := snap.Data()
	doc, err := delta.FromMap(data)
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", id, err)
	}
	version, _ := data["version"].(int64)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &DocumentInfo{
		ID:        id,
		Delta:     doc,
		Version:   int(version),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func (s *FirestoreStore) List(ctx context.Context) ([]DocumentInfo, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var result []DocumentInfo
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		info, err := snapshotToDocInfo(snap.Ref.ID, snap)
		if err != nil {
			return nil, err
		}
		result = append(result, *info)
	}
	return result, nil
}

func (s *FirestoreStore) UpdateContent(ctx context.Context, id string, doc *delta.Document, version int) error {
	_, err := s.docRef(id).Update(ctx, []firestore.Update{
		{Path: "ops", Value: opsToMaps(cloneDoc(doc).Ops())},
		{Path: "version", Value: version},
		{Path: "updatedAt", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return err
}

func (s *FirestoreStore) AppendOperation(ctx context.Context, id string, ops []*delta.Op, version int) error {
	// Stored with a 0-based index: version 1 is index 0, matching MemoryStore's
	// history slice where GetOperations(fromVersion) returns history[fromVersion:].
	// Create fails on an existing batch, so a repeated version keeps the first copy.
	index := version - 1
	_, err := s.opsCollection(id).Doc(zeroPad(index)).Create(ctx, map[string]interface{}{
		"ops":     opsToMaps(ops),
		"version": version,
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	return err
}

func (s *FirestoreStore) GetOperations(ctx context.Context, id string, fromVersion int) ([][]*delta.Op, error) {
	_, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if fromVersion < 0 {
		return nil, fmt.Errorf("invalid version %d", fromVersion)
	}

	iter := s.opsCollection(id).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAt(zeroPad(fromVersion)).
		Documents(ctx)
	defer iter.Stop()

	history := [][]*delta.Op{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		ops, err := snapshotToOps(snap)
		if err != nil {
			return nil, err
		}
		history = append(history, ops)
	}
	return history, nil
}

func snapshotToOps(snap *firestore.DocumentSnapshot) ([]*delta.Op, error) {
	doc, err := delta.FromMap(snap.Data())
	if err != nil {
		return nil, fmt.Errorf("invalid op batch %s: %w", snap.Ref.ID, err)
	}
	return doc.Ops(), nil
}
