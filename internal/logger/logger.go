package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu            sync.Mutex
	isDevelopment = false
	logFile       *os.File
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}

// GetLogger returns a logger tagged with the given service name. In
// development mode output goes through a human-readable console writer,
// otherwise structured JSON is written to stderr (plus the log file when one
// has been set).
func GetLogger(serviceName string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if !isDevelopment {
		var w zerolog.LevelWriter = zerolog.MultiLevelWriter(os.Stderr)
		if logFile != nil {
			w = zerolog.MultiLevelWriter(os.Stderr, logFile)
		}
		return zerolog.New(w).With().Timestamp().Str("service", serviceName).Logger()
	}

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339,
		FormatLevel: func(i any) string {
			return strings.ToUpper(fmt.Sprintf("[%5s]", i))
		},
		FormatCaller: func(i any) string {
			return filepath.Base(fmt.Sprintf("%s", i))
		},
		PartsExclude: []string{
			zerolog.TimestampFieldName,
		}}
	var w zerolog.LevelWriter = zerolog.MultiLevelWriter(consoleWriter)
	if logFile != nil {
		w = zerolog.MultiLevelWriter(consoleWriter, logFile)
	}
	return zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Str("service", serviceName).Caller().Logger()
}

// SetDevelopment switches loggers handed out after this call to the
// human-readable console format.
func SetDevelopment(value bool) {
	mu.Lock()
	defer mu.Unlock()
	isDevelopment = value
}

// SetLogFile mirrors all loggers handed out after this call to file.
func SetLogFile(file *os.File) {
	mu.Lock()
	defer mu.Unlock()
	logFile = file
}
