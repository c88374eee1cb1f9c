package connector

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/weir-run/weir/internal/logger"
	"github.com/weir-run/weir/internal/models"
)

// FileSource reads a file of JSON lines as one partition. Lines that do
// not parse as {"key":...,"data":...} are passed through whole as the
// record data. Positions are line counts, so resuming re-reads the file
// and skips what a checkpoint already covered.
type FileSource struct {
	path    string
	file    *os.File
	scanner *bufio.Scanner
	line    uint64
	skip    uint64
	log     zerolog.Logger
}

// NewFileSource reads from path.
func NewFileSource(path string) *FileSource {
	return &FileSource{
		path: path,
		log:  logger.GetLogger("file-source"),
	}
}

func (f *FileSource) Open(ctx context.Context) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("file source: %w", err)
	}
	f.file = file
	f.scanner = bufio.NewScanner(file)
	for f.line < f.skip {
		if !f.scanner.Scan() {
			break
		}
		f.line++
	}
	f.log.Debug().Str("path", f.path).Uint64("skipped", f.line).Msg("opened file source")
	return nil
}

func (f *FileSource) Poll(ctx context.Context, max int) ([]models.Record, error) {
	var out []models.Record
	for len(out) < max {
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return nil, fmt.Errorf("file source: %w", err)
			}
			if len(out) == 0 {
				return nil, ErrEndOfInput
			}
			return out, nil
		}
		f.line++
		raw := f.scanner.Bytes()
		var parsed fileLine
		if err := json.Unmarshal(raw, &parsed); err == nil {
			out = append(out, models.Record{Key: parsed.Key, Data: parsed.Data})
			continue
		}
		data := make([]byte, len(raw))
		copy(data, raw)
		out = append(out, models.Record{Data: data})
	}
	return out, nil
}

// Position encodes the number of consumed lines as 8 big-endian bytes.
func (f *FileSource) Position() Position {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, f.line)
	return buf
}

func (f *FileSource) ResumeFrom(pos Position) error {
	if len(pos) != 8 {
		return fmt.Errorf("file source: malformed position of %d bytes", len(pos))
	}
	f.skip = binary.BigEndian.Uint64(pos)
	return nil
}

func (f *FileSource) Close() error {
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}

// FileSink appends records as JSON lines to a file, one file per partition.
type FileSink struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	enc    *json.Encoder
	log    zerolog.Logger
}

type fileLine struct {
	Epoch models.Epoch `json:"epoch"`
	Key   string       `json:"key"`
	Data  []byte       `json:"data"`
}

// NewFileSink writes to path, creating parent directories as needed.
func NewFileSink(path string) *FileSink {
	return &FileSink{
		path: path,
		log:  logger.GetLogger("file-sink"),
	}
}

func (f *FileSink) Open(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("file sink: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("file sink: %w", err)
	}
	f.file = file
	f.writer = bufio.NewWriter(file)
	f.enc = json.NewEncoder(f.writer)
	f.log.Debug().Str("path", f.path).Msg("opened file sink")
	return nil
}

func (f *FileSink) Write(ctx context.Context, rec models.Record, epoch models.Epoch) error {
	return f.enc.Encode(fileLine{Epoch: epoch, Key: rec.Key, Data: rec.Data})
}

func (f *FileSink) Close() error {
	if f.file == nil {
		return nil
	}
	if err := f.writer.Flush(); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}
