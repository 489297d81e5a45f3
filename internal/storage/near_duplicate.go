/**
 * Near-duplicate fingerprint index backed by Qdrant
 *
 * Exact fingerprint matches only hit when two scans produce the same 1024
 * average-hash bits. The index stores those bits as a +1/-1 vector so that a
 * scan differing in a handful of bits can still be matched to an existing
 * cache entry: cosine similarity of two such vectors is 1 - 2*d/1024 for
 * Hamming distance d.
 */

package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/fingerprint"
)

// VectorSize is the length of a fingerprint vector (32x32 bits)
const VectorSize = fingerprint.Size * fingerprint.Size

// NearDuplicateIndex maps fingerprint bit vectors to fingerprints
type NearDuplicateIndex struct {
	client           qdrant.PointsClient
	collectionClient qdrant.CollectionsClient
	conn             *grpc.ClientConn
	collectionName   string
}

// NewNearDuplicateIndex connects to Qdrant over gRPC and ensures the collection
func NewNearDuplicateIndex(ctx context.Context, address, collectionName string) (*NearDuplicateIndex, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	idx := &NearDuplicateIndex{
		client:           qdrant.NewPointsClient(conn),
		collectionClient: qdrant.NewCollectionsClient(conn),
		conn:             conn,
		collectionName:   collectionName,
	}

	if err := idx.ensureCollection(ctx); err != nil {
		conn.Close()
		return nil, ocrerrors.NewCacheUnavailableError("connect", fmt.Errorf("failed to ensure collection: %w", err))
	}

	return idx, nil
}

// ensureCollection creates the collection if it doesn't exist
func (n *NearDuplicateIndex) ensureCollection(ctx context.Context) error {
	listResp, err := n.collectionClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, col := range listResp.Collections {
		if col.Name == n.collectionName {
			return nil
		}
	}

	_, err = n.collectionClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: n.collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     VectorSize,
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// BitsToVector maps set bits to +1 and clear bits to -1
func BitsToVector(bits []bool) []float32 {
	v := make([]float32, len(bits))
	for i, b := range bits {
		if b {
			v[i] = 1
		} else {
			v[i] = -1
		}
	}
	return v
}

func pointID(fp fingerprint.Fingerprint) *qdrant.PointId {
	return &qdrant.PointId{
		PointIdOptions: &qdrant.PointId_Uuid{
			Uuid: uuid.UUID(fp).String(),
		},
	}
}

// Add indexes the bits of fp, replacing any previous point for it
func (n *NearDuplicateIndex) Add(ctx context.Context, fp fingerprint.Fingerprint, bits []bool, sourceHint string) error {
	if len(bits) != VectorSize {
		return fmt.Errorf("invalid fingerprint bits: expected %d, got %d", VectorSize, len(bits))
	}

	wait := true
	_, err := n.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: n.collectionName,
		Wait:           &wait,
		Points: []*qdrant.PointStruct{{
			Id: pointID(fp),
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: BitsToVector(bits)},
				},
			},
			Payload: map[string]*qdrant.Value{
				"fingerprint": {Kind: &qdrant.Value_StringValue{StringValue: fp.String()}},
				"source_hint": {Kind: &qdrant.Value_StringValue{StringValue: sourceHint}},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert fingerprint vector: %w", err)
	}

	return nil
}

// Nearest returns the closest indexed fingerprint whose cosine score is at
// least minScore.
func (n *NearDuplicateIndex) Nearest(ctx context.Context, bits []bool, minScore float32) (fingerprint.Fingerprint, float32, bool, error) {
	var none fingerprint.Fingerprint
	if len(bits) != VectorSize {
		return none, 0, false, fmt.Errorf("invalid fingerprint bits: expected %d, got %d", VectorSize, len(bits))
	}

	results, err := n.client.Search(ctx, &qdrant.SearchPoints{
		CollectionName: n.collectionName,
		Vector:         BitsToVector(bits),
		Limit:          1,
		ScoreThreshold: &minScore,
	})
	if err != nil {
		return none, 0, false, fmt.Errorf("failed to search fingerprint vectors: %w", err)
	}
	if len(results.Result) == 0 || results.Result[0].Id == nil {
		return none, 0, false, nil
	}

	best := results.Result[0]
	id, err := uuid.Parse(best.Id.GetUuid())
	if err != nil {
		return none, 0, false, fmt.Errorf("unexpected point id %v: %w", best.Id, err)
	}

	return fingerprint.Fingerprint(id), best.Score, true, nil
}

// Clear drops and recreates the collection
func (n *NearDuplicateIndex) Clear(ctx context.Context) error {
	_, err := n.collectionClient.Delete(ctx, &qdrant.DeleteCollection{
		CollectionName: n.collectionName,
	})
	if err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return n.ensureCollection(ctx)
}

// Close closes the Qdrant client connection
func (n *NearDuplicateIndex) Close() error {
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
