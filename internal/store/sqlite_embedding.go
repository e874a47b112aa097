package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/felixgeelhaar/enkidu/internal/errs"
)

// SetEmbedding stores a vector for the record along with the model tag that
// produced it.
func (s *SQLiteStore) SetEmbedding(ctx context.Context, id string, vector []float32, model string) error {
	if len(vector) == 0 {
		return errs.Invalid("embedding", "must not be empty")
	}
	vecBuf, err := encodeVector(vector)
	if err != nil {
		return err
	}

	query := `UPDATE records SET embedding = ?, embedding_model = ?, embedded_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, vecBuf, model, s.now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errs.NotFoundError{Kind: "record", ID: id}
	}
	return nil
}

func encodeVector(vector []float32) ([]byte, error) {
	vecBuf := new(bytes.Buffer)
	if err := binary.Write(vecBuf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("failed to encode vector: %w", err)
	}
	return vecBuf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector blob of %d bytes", len(blob))
	}
	vector := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vector); err != nil {
		return nil, fmt.Errorf("failed to decode vector: %w", err)
	}
	return vector, nil
}
