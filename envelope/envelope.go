// Package envelope reads and writes the bronze payload files of HTTP sources.
package envelope

import (
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
	"golang.org/x/xerrors"
)

// Envelope is one raw response of a source. Layer is set by sources that
// fetch several layers into one bronze file.
type Envelope struct {
	Payload   string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN"`
	Source    string `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Layer     string `parquet:"name=layer, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	CreatedAt int64  `parquet:"name=created_at, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	UpdatedAt int64  `parquet:"name=updated_at, type=INT64, convertedtype=TIMESTAMP_MICROS"`
}

// New wraps payloads from source fetched at t.
func New(source string, t time.Time, payloads ...string) []Envelope {
	ts := t.UnixMicro()
	es := make([]Envelope, 0, len(payloads))
	for _, p := range payloads {
		es = append(es, Envelope{Payload: p, Source: source, CreatedAt: ts, UpdatedAt: ts})
	}
	return es
}

// Created returns CreatedAt as time.
func (e *Envelope) Created() time.Time {
	return time.UnixMicro(e.CreatedAt).UTC()
}

// Write writes es as one Parquet file to w.
func Write(w io.Writer, es []Envelope) error {
	pw, err := writer.NewParquetWriterFromWriter(w, new(Envelope), 1)
	if err != nil {
		return xerrors.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range es {
		if err := pw.Write(es[i]); err != nil {
			return xerrors.Errorf("failed to write envelope %d: %w", i, err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return xerrors.Errorf("failed to finish parquet file: %w", err)
	}

	return nil
}

// Read reads every envelope of a local file.
func Read(path string) ([]Envelope, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open %s: %w", path, err)
	}
	defer fr.Close()

	return read(fr)
}

// ReadBytes reads every envelope of an in-memory file.
func ReadBytes(b []byte) ([]Envelope, error) {
	return read(buffer.NewBufferFileFromBytes(b))
}

// ReadFrom reads a whole file from r.
func ReadFrom(r io.Reader) ([]Envelope, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("failed to read envelope file: %w", err)
	}
	return ReadBytes(b)
}

func read(f source.ParquetFile) ([]Envelope, error) {
	pr, err := reader.NewParquetReader(f, new(Envelope), 1)
	if err != nil {
		return nil, xerrors.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	es := make([]Envelope, int(pr.GetNumRows()))
	if len(es) == 0 {
		return es, nil
	}

	if err := pr.Read(&es); err != nil {
		return nil, xerrors.Errorf("failed to read envelopes: %w", err)
	}

	return es, nil
}
