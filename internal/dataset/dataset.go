// Package dataset produces California-housing style records and loads them,
// encrypted, into the store.
package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/opaque/encindex/internal/store"
	"github.com/opaque/encindex/pkg/codec"
)

// Record is one plaintext housing row.
type Record struct {
	MedInc      float64
	HouseAge    float64
	Population  float64
	AveRooms    float64
	AveOccup    float64
	Longitude   float64
	Latitude    float64
	MedHouseVal float64
	AveBedrms   float64
}

// Values maps each encrypted column to its plaintext value.
func (r Record) Values() map[string]float64 {
	return map[string]float64{
		"MedInc_enc":      r.MedInc,
		"HouseAge_enc":    r.HouseAge,
		"Population_enc":  r.Population,
		"AveRooms_enc":    r.AveRooms,
		"AveOccup_enc":    r.AveOccup,
		"Longitude_enc":   r.Longitude,
		"Latitude_enc":    r.Latitude,
		"MedHouseVal_enc": r.MedHouseVal,
		"AveBedrms_enc":   r.AveBedrms,
	}
}

// Sample holds the two reference rows.
var Sample = []Record{
	{MedInc: 8.3252, HouseAge: 41, Population: 880, AveRooms: 6.9841, AveOccup: 1.0238,
		Longitude: -122.23, Latitude: 37.88, MedHouseVal: 452600, AveBedrms: 2.555},
	{MedInc: 8.3014, HouseAge: 21, Population: 1262, AveRooms: 6.2381, AveOccup: 0.9719,
		Longitude: -122.22, Latitude: 37.86, MedHouseVal: 358500, AveBedrms: 2.109},
}

type span struct{ lo, hi float64 }

func (s span) draw(rng *rand.Rand) float64 {
	return s.lo + rng.Float64()*(s.hi-s.lo)
}

// Synthetic draws n records from ranges typical of the housing data.
func Synthetic(n int, seed int64) []Record {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{
			MedInc:      span{0.5, 15}.draw(rng),
			HouseAge:    float64(1 + rng.Intn(52)),
			Population:  float64(3 + rng.Intn(5000)),
			AveRooms:    span{1, 10}.draw(rng),
			AveOccup:    span{0.7, 6}.draw(rng),
			Longitude:   span{-124.35, -114.31}.draw(rng),
			Latitude:    span{32.54, 41.95}.draw(rng),
			MedHouseVal: float64(15000 + rng.Intn(485000)),
			AveBedrms:   span{0.5, 3}.draw(rng),
		}
	}
	return out
}

// Build returns the sample rows followed by synthetic rows, n in total.
func Build(n int, seed int64) []Record {
	if n <= len(Sample) {
		return append([]Record(nil), Sample[:max(n, 0)]...)
	}
	return append(append([]Record(nil), Sample...), Synthetic(n-len(Sample), seed)...)
}

// Encrypt turns a record into a store row.
func Encrypt(c *codec.Codec, r Record) (store.Row, error) {
	row := store.Row{Ciphertexts: make(map[string][]byte, 9)}
	for col, v := range r.Values() {
		data, err := c.EncryptValue(v)
		if err != nil {
			return store.Row{}, fmt.Errorf("encrypt %s: %w", col, err)
		}
		row.Ciphertexts[col] = data
	}
	return row, nil
}

// Load encrypts records and inserts them in batches.
func Load(ctx context.Context, s *store.Store, c *codec.Codec, records []Record, batch int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if batch <= 0 {
		batch = 64
	}

	rows := make([]store.Row, 0, batch)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if err := s.InsertRows(ctx, rows); err != nil {
			return err
		}
		rows = rows[:0]
		return nil
	}

	for i, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := Encrypt(c, r)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		rows = append(rows, row)
		if len(rows) == batch {
			if err := flush(); err != nil {
				return err
			}
			logger.Debug("rows loaded", "count", i+1, "total", len(records))
		}
	}
	if err := flush(); err != nil {
		return err
	}

	logger.Info("dataset loaded", "rows", len(records))
	return nil
}
