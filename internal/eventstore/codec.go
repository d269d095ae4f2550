package eventstore

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"time"
)

const selectColumns = `SELECT
	id, uuid, seq, ts, channel, direction, type, content,
	embedding_provider, embedding_dim, embedding_blob,
	session_key, parent_id, bot_name, bot_role, tool_name,
	extraction_status, relevance, last_accessed, metadata
	FROM events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	var tsNano, lastAccessNano int64
	var parentID sql.NullInt64
	var embProvider string
	var embDim int
	var embBlob []byte
	var metaJSON string

	if err := row.Scan(
		&e.ID, &e.UUID, &e.Seq, &tsNano, &e.Channel, &e.Direction, &e.Type, &e.Content,
		&embProvider, &embDim, &embBlob,
		&e.SessionKey, &parentID, &e.BotName, &e.BotRole, &e.ToolName,
		&e.ExtractionStatus, &e.Relevance, &lastAccessNano, &metaJSON,
	); err != nil {
		return nil, err
	}

	e.Timestamp = time.Unix(0, tsNano).UTC()
	e.LastAccessed = time.Unix(0, lastAccessNano).UTC()
	if parentID.Valid {
		id := parentID.Int64
		e.ParentID = &id
	}
	if embBlob != nil {
		e.Embedding = decodeVector(embProvider, embDim, embBlob)
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeVector serializes a Vector as a small-header blob: 4 bytes per
// float32, little-endian (spec §6: "embedding columns store (provider_id,
// d, float32[d]) as a blob with a small header" — provider_id/d are stored
// in their own columns here, so the blob itself holds only the float data).
func encodeVector(v *Vector) (provider string, dim int, blob []byte) {
	if v == nil || len(v.Values) == 0 {
		return "", 0, nil
	}
	buf := make([]byte, 4*len(v.Values))
	for i, f := range v.Values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return v.ProviderID, v.Dim, buf
}

func decodeVector(provider string, dim int, blob []byte) *Vector {
	n := len(blob) / 4
	vals := make([]float32, n)
	for i := 0; i < n; i++ {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return &Vector{ProviderID: provider, Dim: dim, Values: vals}
}
