package medallion

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// DayLayout formats the date key of bronze and silver paths.
const DayLayout = "2006-01-02"

// ErrNoBronze is returned when a dataset has nothing in the bronze layer.
var ErrNoBronze = errors.New("no bronze data")

// BronzeObject is the single bronze object of a dataset for a run.
func BronzeObject(dataset string, t time.Time) string {
	return BronzeObjectFor(dataset, t.Format(DayLayout))
}

// BronzeObjectFor is BronzeObject for an already formatted date key.
func BronzeObjectFor(dataset, day string) string {
	return path.Join("bronze", dataset, day+".parquet")
}

// BronzeDir names a file under the bronze run directory of a dataset.
func BronzeDir(dataset, day, name string) string {
	return path.Join("bronze", dataset, day, name)
}

// SilverObject is the single silver object of a dataset for a run.
func SilverObject(dataset string, t time.Time) string {
	return path.Join("silver", dataset, t.Format(DayLayout)+".parquet")
}

// SilverDir names a file under the silver run directory of a dataset.
func SilverDir(dataset, day, name string) string {
	return path.Join("silver", dataset, day, name)
}

// LatestBronze returns the newest date key under bronze/<dataset>/.
func LatestBronze(ctx context.Context, s Store, dataset string) (string, error) {
	prefix := "bronze/" + dataset + "/"

	names, err := s.List(ctx, prefix)
	if err != nil {
		return "", err
	}

	latest := ""
	for _, n := range names {
		key := strings.TrimPrefix(n, prefix)
		if i := strings.Index(key, "/"); i >= 0 {
			key = key[:i]
		}
		key = strings.TrimSuffix(key, ".parquet")

		if _, err := time.Parse(DayLayout, key); err != nil {
			continue
		}
		if key > latest {
			latest = key
		}
	}

	if latest == "" {
		return "", xerrors.Errorf("%w for %s", ErrNoBronze, dataset)
	}

	return latest, nil
}
