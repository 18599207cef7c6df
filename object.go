package medallion

import (
	"context"
	"io"

	"golang.org/x/xerrors"
)

// Put creates name in s and lets write fill it. The object is committed only
// when write succeeds.
func Put(ctx context.Context, s Store, name string, write func(io.Writer) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.Create(ctx, name)
	if err != nil {
		return err
	}

	if err := write(w); err != nil {
		// Cancelling before Close aborts pending Cloud Storage uploads.
		cancel()
		_ = w.Close()
		return xerrors.Errorf("failed to write %s: %w", name, err)
	}

	if err := w.Close(); err != nil {
		return xerrors.Errorf("failed to commit %s: %w", name, err)
	}

	return nil
}

// PutBytes writes b to name.
func PutBytes(ctx context.Context, s Store, name string, b []byte) error {
	return Put(ctx, s, name, func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	})
}

// ReadAll reads the whole object.
func ReadAll(ctx context.Context, s Store, name string) ([]byte, error) {
	r, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("failed to read %s: %w", name, err)
	}

	return b, nil
}
