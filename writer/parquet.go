package writer

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// TradeRecord is one parquet row. Price and quantity are stored as their
// decimal text so archived values match the published ones exactly.
type TradeRecord struct {
	Exchange      string `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol        string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	QuoteCurrency string `parquet:"name=quote_currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price         string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity      string `parquet:"name=quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp     int64  `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	TradeID       string `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side          string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func newTradeRecord(m models.NormalizedMessage) TradeRecord {
	return TradeRecord{
		Exchange:      m.Exchange,
		Symbol:        m.Symbol,
		QuoteCurrency: m.QuoteCurrency,
		Price:         m.Price.String(),
		Quantity:      m.Quantity.String(),
		Timestamp:     m.Timestamp.UnixMicro(),
		TradeID:       m.TradeID,
		Side:          string(m.Side),
	}
}

// memoryFile is a write-only source.ParquetFile backed by a buffer.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (f *memoryFile) Create(string) (source.ParquetFile, error) { return f, nil }
func (f *memoryFile) Open(string) (source.ParquetFile, error)   { return f, nil }

// Seek only reports the current size; the parquet writer never seeks back.
func (f *memoryFile) Seek(int64, int) (int64, error) { return int64(f.buffer.Len()), nil }
func (f *memoryFile) Read(b []byte) (int, error)     { return f.buffer.Read(b) }
func (f *memoryFile) Write(b []byte) (int, error)    { return f.buffer.Write(b) }
func (f *memoryFile) Close() error                   { return nil }
func (f *memoryFile) Bytes() []byte                  { return f.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "zstd":
		return parquet.CompressionCodec_ZSTD
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// encodeParquet renders trades into a parquet file held in memory.
func encodeParquet(trades []models.NormalizedMessage, compression string) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := writer.NewParquetWriter(fw, new(TradeRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, t := range trades {
		if err := pw.Write(newTradeRecord(t)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}
