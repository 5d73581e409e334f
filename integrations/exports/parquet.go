package exports

import (
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"onloan/core/events"
)

type recordRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Subject    string `parquet:"name=subject, type=BYTE_ARRAY, convertedtype=UTF8"`
	EmittedAt  string `parquet:"name=emitted_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteRecordsParquet writes records to a snappy-compressed parquet file at
// path, replacing any existing file.
func WriteRecordsParquet(path string, records []events.Record) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(recordRow), 1)
	if err != nil {
		file.Close()
		return err
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, rec := range records {
		row := recordRow{
			Seq:        int64(rec.Seq),
			ID:         rec.ID,
			Type:       rec.Type,
			Subject:    rec.Subject,
			EmittedAt:  formatTime(rec.EmittedAt),
			Attributes: flattenAttributes(rec.Attributes),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: write parquet row %d: %w", rec.Seq, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
