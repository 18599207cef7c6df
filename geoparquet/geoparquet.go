// Package geoparquet writes and reads GeoParquet 1.0.0 files with a WKB
// geometry column and dynamically typed attribute columns.
package geoparquet

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/file"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion/geo"
)

const (
	// GeometryColumn is the name of the WKB column.
	GeometryColumn = "geometry"

	// Version is the GeoParquet version written to the geo metadata.
	Version = "1.0.0"

	// MetadataKey is the file key-value metadata key holding Metadata.
	MetadataKey = "geo"

	batchRows = 64 * 1024
)

// Metadata is the geo file metadata. A column without crs is in OGC:CRS84,
// which is WGS84 longitude/latitude.
type Metadata struct {
	Version       string                    `json:"version"`
	PrimaryColumn string                    `json:"primary_column"`
	Columns       map[string]ColumnMetadata `json:"columns"`
}

// ColumnMetadata describes one geometry column.
type ColumnMetadata struct {
	Encoding      string    `json:"encoding"`
	GeometryTypes []string  `json:"geometry_types"`
	BBox          []float64 `json:"bbox,omitempty"`
}

// Frame is a table of features sharing one schema.
type Frame struct {
	Schema   Schema
	Features []geo.Feature

	// Plain frames have no geometry column and no geo metadata.
	Plain bool

	// Metadata is set by Read for GeoParquet files.
	Metadata *Metadata
}

// Write writes f to w.
func Write(w io.Writer, f *Frame) error {
	pw, err := NewWriter(w, f.Schema, f.Plain)
	if err != nil {
		return err
	}

	if err := pw.Write(f.Features); err != nil {
		_ = pw.Close()
		return err
	}

	return pw.Close()
}

// Writer appends features to one Parquet file in row groups.
type Writer struct {
	schema Schema
	plain  bool

	arrow *arrow.Schema
	fw    *pqarrow.FileWriter

	types map[string]bool
	bound orb.Bound
	empty bool
}

// NewWriter starts a file on w. w is not closed by the writer.
func NewWriter(w io.Writer, s Schema, plain bool) (*Writer, error) {
	as := arrowSchema(s, plain)

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	fw, err := pqarrow.NewFileWriter(as, struct{ io.Writer }{w}, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return nil, xerrors.Errorf("failed to create parquet writer: %w", err)
	}

	return &Writer{
		schema: s,
		plain:  plain,
		arrow:  as,
		fw:     fw,
		types:  map[string]bool{},
		empty:  true,
	}, nil
}

// Write appends fs. Properties are expected to be conformed to the schema;
// values of another type are written as null.
func (pw *Writer) Write(fs []geo.Feature) error {
	for start := 0; start < len(fs); start += batchRows {
		end := start + batchRows
		if end > len(fs) {
			end = len(fs)
		}
		if err := pw.writeBatch(fs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (pw *Writer) writeBatch(fs []geo.Feature) error {
	b := array.NewRecordBuilder(memory.DefaultAllocator, pw.arrow)
	defer b.Release()

	for _, f := range fs {
		for i, fld := range pw.schema {
			appendValue(b.Field(i), fld.Type, f.Properties[fld.Name])
		}
		if pw.plain {
			continue
		}

		gb := b.Field(len(pw.schema)).(*array.BinaryBuilder)
		if f.Geometry == nil {
			gb.AppendNull()
			continue
		}

		raw, err := wkb.Marshal(f.Geometry)
		if err != nil {
			return xerrors.Errorf("failed to encode geometry: %w", err)
		}
		gb.Append(raw)
		pw.observe(f.Geometry)
	}

	rec := b.NewRecord()
	defer rec.Release()

	if err := pw.fw.Write(rec); err != nil {
		return xerrors.Errorf("failed to write record batch: %w", err)
	}

	return nil
}

func (pw *Writer) observe(g orb.Geometry) {
	pw.types[g.GeoJSONType()] = true
	if pw.empty {
		pw.bound = g.Bound()
		pw.empty = false
		return
	}
	pw.bound = pw.bound.Union(g.Bound())
}

// Close writes the geo metadata and the file footer.
func (pw *Writer) Close() error {
	if !pw.plain {
		b, err := json.Marshal(pw.metadata())
		if err != nil {
			return xerrors.Errorf("failed to encode geo metadata: %w", err)
		}
		if err := pw.fw.AppendKeyValueMetadata(MetadataKey, string(b)); err != nil {
			return xerrors.Errorf("failed to append geo metadata: %w", err)
		}
	}

	if err := pw.fw.Close(); err != nil {
		return xerrors.Errorf("failed to close parquet writer: %w", err)
	}

	return nil
}

func (pw *Writer) metadata() *Metadata {
	types := []string{}
	for _, t := range []string{"Point", "LineString", "Polygon", "MultiPoint", "MultiLineString", "MultiPolygon", "GeometryCollection"} {
		if pw.types[t] {
			types = append(types, t)
		}
	}

	col := ColumnMetadata{Encoding: "WKB", GeometryTypes: types}
	if !pw.empty {
		col.BBox = []float64{pw.bound.Min.X(), pw.bound.Min.Y(), pw.bound.Max.X(), pw.bound.Max.Y()}
	}

	return &Metadata{
		Version:       Version,
		PrimaryColumn: GeometryColumn,
		Columns:       map[string]ColumnMetadata{GeometryColumn: col},
	}
}

func arrowSchema(s Schema, plain bool) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(s)+1)
	for _, f := range s {
		fields = append(fields, arrow.Field{Name: f.Name, Type: arrowType(f.Type), Nullable: true})
	}
	if !plain {
		fields = append(fields, arrow.Field{Name: GeometryColumn, Type: arrow.BinaryTypes.Binary, Nullable: true})
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(t Type) arrow.DataType {
	switch t {
	case Int64:
		return arrow.PrimitiveTypes.Int64
	case Float64:
		return arrow.PrimitiveTypes.Float64
	case Bool:
		return arrow.FixedWidthTypes.Boolean
	case Timestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	}
	return arrow.BinaryTypes.String
}

func appendValue(b array.Builder, t Type, v any) {
	v = Convert(v, t)
	if v == nil {
		b.AppendNull()
		return
	}

	switch t {
	case String:
		b.(*array.StringBuilder).Append(v.(string))
	case Int64:
		b.(*array.Int64Builder).Append(v.(int64))
	case Float64:
		b.(*array.Float64Builder).Append(v.(float64))
	case Bool:
		b.(*array.BooleanBuilder).Append(v.(bool))
	case Timestamp:
		b.(*array.TimestampBuilder).Append(arrow.Timestamp(v.(time.Time).UnixMicro()))
	}
}

// Read reads a Parquet file written by Write. Columns of unsupported types
// are read as strings.
func Read(ctx context.Context, r parquet.ReaderAtSeeker) (*Frame, error) {
	pf, err := file.NewParquetReader(r)
	if err != nil {
		return nil, xerrors.Errorf("failed to open parquet file: %w", err)
	}

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: batchRows}, memory.DefaultAllocator)
	if err != nil {
		return nil, xerrors.Errorf("failed to create arrow reader: %w", err)
	}

	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to read table: %w", err)
	}
	defer tbl.Release()

	f := &Frame{Plain: true}
	if v := pf.MetaData().KeyValueMetadata().FindValue(MetadataKey); v != nil {
		var md Metadata
		if err := json.Unmarshal([]byte(*v), &md); err != nil {
			return nil, xerrors.Errorf("failed to decode geo metadata: %w", err)
		}
		f.Metadata = &md
		f.Plain = false
	}

	geomCol := -1
	cols := tbl.Schema().Fields()
	for i, c := range cols {
		if !f.Plain && c.Name == GeometryColumn {
			geomCol = i
			continue
		}
		f.Schema = append(f.Schema, Field{Name: c.Name, Type: fromArrow(c.Type)})
	}

	tr := array.NewTableReader(tbl, batchRows)
	defer tr.Release()

	for tr.Next() {
		rec := tr.Record()
		for row := 0; row < int(rec.NumRows()); row++ {
			feat := geo.Feature{Properties: make(map[string]any, len(f.Schema))}
			for i := range cols {
				col := rec.Column(i)
				if i == geomCol {
					if col.IsNull(row) {
						continue
					}
					g, err := wkb.Unmarshal(col.(*array.Binary).Value(row))
					if err != nil {
						return nil, xerrors.Errorf("failed to decode geometry of row %d: %w", len(f.Features), err)
					}
					feat.Geometry = g
					continue
				}
				feat.Properties[cols[i].Name] = valueAt(col, row)
			}
			f.Features = append(f.Features, feat)
		}
	}
	if err := tr.Err(); err != nil {
		return nil, xerrors.Errorf("failed to iterate table: %w", err)
	}

	return f, nil
}

func fromArrow(t arrow.DataType) Type {
	switch t.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64, arrow.UINT8, arrow.UINT16, arrow.UINT32:
		return Int64
	case arrow.FLOAT32, arrow.FLOAT64:
		return Float64
	case arrow.BOOL:
		return Bool
	case arrow.TIMESTAMP:
		return Timestamp
	}
	return String
}

func valueAt(col arrow.Array, row int) any {
	if col.IsNull(row) {
		return nil
	}

	switch c := col.(type) {
	case *array.String:
		return c.Value(row)
	case *array.Int64:
		return c.Value(row)
	case *array.Int32:
		return int64(c.Value(row))
	case *array.Int16:
		return int64(c.Value(row))
	case *array.Int8:
		return int64(c.Value(row))
	case *array.Uint32:
		return int64(c.Value(row))
	case *array.Uint16:
		return int64(c.Value(row))
	case *array.Uint8:
		return int64(c.Value(row))
	case *array.Float64:
		return c.Value(row)
	case *array.Float32:
		return float64(c.Value(row))
	case *array.Boolean:
		return c.Value(row)
	case *array.Timestamp:
		unit := c.DataType().(*arrow.TimestampType).Unit
		return c.Value(row).ToTime(unit).UTC()
	}

	return col.ValueStr(row)
}
