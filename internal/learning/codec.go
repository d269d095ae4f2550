package learning

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLearning(row rowScanner) (*Learning, error) {
	var l Learning
	var provider string
	var dim int
	var blob []byte
	var source, metaRaw string
	var isPrivate int
	err := row.Scan(&l.ID, &l.Content, &provider, &dim, &blob, &source, &l.Sentiment, &l.Confidence,
		&l.ToolScope, &l.Recommendation, &l.SupersededBy, &l.BotID, &isPrivate, &l.PromotionCount,
		&metaRaw, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.Source = Source(source)
	l.IsPrivate = isPrivate != 0
	l.Embedding = decodeVector(dim, blob)
	l.Metadata = decodeMetadata(metaRaw)
	return &l, nil
}

func scanLearnings(rows *sql.Rows) ([]*Learning, error) {
	var out []*Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
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

func decodeMetadata(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]string{}
	}
	return m
}

func encodeVector(v []float32) (provider string, dim int, blob []byte) {
	if len(v) == 0 {
		return "", 0, nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return "", len(v), buf
}

func decodeVector(dim int, blob []byte) []float32 {
	if dim == 0 || len(blob) < dim*4 {
		return nil
	}
	out := make([]float32, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrt(na) * sqrt(nb))
}

func sqrt(f float64) float64 {
	if f == 0 {
		return 0
	}
	x := f
	for i := 0; i < 32; i++ {
		x = 0.5 * (x + f/x)
	}
	return x
}
