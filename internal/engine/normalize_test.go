package engine

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	ts := time.Date(2024, 7, 26, 20, 0, 0, 0, time.FixedZone("CEST", 2*3600))

	cases := []struct {
		name string
		in   any
		want any
	}{
		{"numeric", pgtype.Numeric{Int: big.NewInt(1234), Exp: -2, Valid: true}, 12.34},
		{"null numeric", pgtype.Numeric{}, nil},
		{"uuid", [16]byte(id), id.String()},
		{"time", ts, ts.UTC()},
		{"int32", int32(7), int64(7)},
		{"float32", float32(0.5), 0.5},
		{"string", "x", "x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, normalize(tc.in))
		})
	}
}

func TestNumericString(t *testing.T) {
	assert.Equal(t, "12.34", numericString(pgtype.Numeric{Int: big.NewInt(1234), Exp: -2, Valid: true}))
	assert.Equal(t, "1200", numericString(pgtype.Numeric{Int: big.NewInt(12), Exp: 2, Valid: true}))
}
