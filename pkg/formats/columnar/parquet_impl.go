package columnar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

const (
	// createdBy is pinned so identical rows always encode to identical bytes.
	createdBy = "finlake"

	readBatchSize = 64 * 1024
)

// EncodeParquet serializes rows under schema. Encoding is deterministic:
// the same schema and rows in the same order produce the same bytes.
func EncodeParquet(schema *core.Schema, rows []core.Row, config *WriterConfig) ([]byte, error) {
	if schema == nil || len(schema.Fields) == 0 {
		return nil, fmt.Errorf("schema is required for Parquet writer")
	}
	if config == nil {
		config = DefaultWriterConfig()
	}

	arrowSchema, err := toArrowSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to convert schema: %w", err)
	}

	codec, err := parquetCompression(config.Compression)
	if err != nil {
		return nil, err
	}

	mem := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(mem, arrowSchema)
	defer builder.Release()

	for r, row := range rows {
		for i, field := range arrowSchema.Fields() {
			if err := appendValue(builder.Field(i), row[field.Name]); err != nil {
				return nil, fmt.Errorf("row %d field %s: %w", r, field.Name, err)
			}
		}
	}

	record := builder.NewRecord()
	defer record.Release()

	opts := []parquet.WriterProperty{
		parquet.WithCompression(codec),
		parquet.WithCreatedBy(createdBy),
		parquet.WithDictionaryDefault(config.Dictionary),
	}
	if config.RowGroupSize > 0 {
		opts = append(opts, parquet.WithMaxRowGroupLength(config.RowGroupSize))
	}
	if config.PageSize > 0 {
		opts = append(opts, parquet.WithDataPageSize(config.PageSize))
	}

	var buf bytes.Buffer
	fw, err := pqarrow.NewFileWriter(arrowSchema, &buf, parquet.NewWriterProperties(opts...),
		pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(mem), pqarrow.WithStoreSchema()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}

	if err := fw.Write(record); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to write record batch: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close Parquet writer: %w", err)
	}

	return buf.Bytes(), nil
}

// InspectParquet reads file metadata without decoding rows.
func InspectParquet(data []byte) (*Metadata, error) {
	fr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet reader: %w", err)
	}
	defer fr.Close()

	md := fr.MetaData()
	return &Metadata{
		Format:      Parquet,
		RowCount:    fr.NumRows(),
		ColumnCount: md.Schema.NumColumns(),
		RowGroups:   fr.NumRowGroups(),
	}, nil
}

// DecodeParquet reads every row of data.
func DecodeParquet(ctx context.Context, data []byte) (*core.Schema, []core.Row, error) {
	fr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Parquet reader: %w", err)
	}
	defer fr.Close()

	arrowReader, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{BatchSize: readBatchSize}, memory.NewGoAllocator())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Arrow reader: %w", err)
	}

	arrowSchema, err := arrowReader.Schema()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get Arrow schema: %w", err)
	}

	rr, err := arrowReader.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read records: %w", err)
	}
	defer rr.Release()

	rows := make([]core.Row, 0, fr.NumRows())
	for rr.Next() {
		rec := rr.Record()
		for i := 0; i < int(rec.NumRows()); i++ {
			row := make(core.Row, rec.NumCols())
			for c := 0; c < int(rec.NumCols()); c++ {
				row[rec.ColumnName(c)] = columnValue(rec.Column(c), i)
			}
			rows = append(rows, row)
		}
	}
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("failed to decode records: %w", err)
	}

	return fromArrowSchema(arrowSchema), rows, nil
}

func appendValue(builder array.Builder, value interface{}) error {
	if value == nil {
		builder.AppendNull()
		return nil
	}

	switch b := builder.(type) {
	case *array.BooleanBuilder:
		switch v := value.(type) {
		case bool:
			b.Append(v)
		case string:
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			b.Append(parsed)
		default:
			return fmt.Errorf("cannot store %T as bool", value)
		}

	case *array.Int64Builder:
		switch v := value.(type) {
		case int:
			b.Append(int64(v))
		case int32:
			b.Append(int64(v))
		case int64:
			b.Append(v)
		case float64:
			b.Append(int64(v))
		case string:
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			b.Append(parsed)
		default:
			return fmt.Errorf("cannot store %T as int", value)
		}

	case *array.Float64Builder:
		switch v := value.(type) {
		case float32:
			b.Append(float64(v))
		case float64:
			b.Append(v)
		case int:
			b.Append(float64(v))
		case int64:
			b.Append(float64(v))
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			b.Append(parsed)
		case interface{ Float64() (float64, bool) }:
			f, _ := v.Float64()
			b.Append(f)
		default:
			return fmt.Errorf("cannot store %T as float", value)
		}

	case *array.StringBuilder:
		switch v := value.(type) {
		case string:
			b.Append(v)
		case fmt.Stringer:
			b.Append(v.String())
		default:
			b.Append(fmt.Sprintf("%v", value))
		}

	case *array.TimestampBuilder:
		t, err := asTime(value, time.RFC3339)
		if err != nil {
			return err
		}
		b.Append(arrow.Timestamp(t.UnixNano()))

	case *array.Date32Builder:
		t, err := asTime(value, time.DateOnly)
		if err != nil {
			return err
		}
		b.Append(arrow.Date32FromTime(t))

	default:
		return fmt.Errorf("unsupported builder type: %T", builder)
	}

	return nil
}

func asTime(value interface{}, layout string) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		t, err := time.Parse(layout, v)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("cannot store %T as time", value)
	}
}

func columnValue(col arrow.Array, rowIdx int) interface{} {
	if col.IsNull(rowIdx) {
		return nil
	}

	switch c := col.(type) {
	case *array.Boolean:
		return c.Value(rowIdx)
	case *array.Int64:
		return c.Value(rowIdx)
	case *array.Float64:
		return c.Value(rowIdx)
	case *array.String:
		return c.Value(rowIdx)
	case *array.Date32:
		return c.Value(rowIdx).ToTime().UTC()
	case *array.Timestamp:
		return c.Value(rowIdx).ToTime(arrow.Nanosecond).UTC()
	default:
		return col.ValueStr(rowIdx)
	}
}

func toArrowSchema(schema *core.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(schema.Fields))

	for _, field := range schema.Fields {
		arrowType, err := toArrowType(field.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to convert field %s: %w", field.Name, err)
		}
		fields = append(fields, arrow.Field{Name: field.Name, Type: arrowType, Nullable: true})
	}

	return arrow.NewSchema(fields, nil), nil
}

func toArrowType(fieldType core.FieldType) (arrow.DataType, error) {
	switch fieldType {
	case core.FieldTypeString:
		return arrow.BinaryTypes.String, nil
	case core.FieldTypeInt:
		return arrow.PrimitiveTypes.Int64, nil
	case core.FieldTypeFloat:
		return arrow.PrimitiveTypes.Float64, nil
	case core.FieldTypeBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case core.FieldTypeTimestamp:
		return arrow.FixedWidthTypes.Timestamp_ns, nil
	case core.FieldTypeDate:
		return arrow.FixedWidthTypes.Date32, nil
	default:
		return nil, fmt.Errorf("unsupported field type: %s", fieldType)
	}
}

func fromArrowSchema(arrowSchema *arrow.Schema) *core.Schema {
	fields := make([]core.Field, 0, arrowSchema.NumFields())

	for _, field := range arrowSchema.Fields() {
		fields = append(fields, core.Field{
			Name:     field.Name,
			Type:     fromArrowType(field.Type),
			Nullable: field.Nullable,
		})
	}

	return &core.Schema{Fields: fields}
}

func fromArrowType(arrowType arrow.DataType) core.FieldType {
	switch arrowType.ID() {
	case arrow.BOOL:
		return core.FieldTypeBool
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return core.FieldTypeInt
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return core.FieldTypeFloat
	case arrow.DATE32, arrow.DATE64:
		return core.FieldTypeDate
	case arrow.TIMESTAMP:
		return core.FieldTypeTimestamp
	default:
		return core.FieldTypeString
	}
}
