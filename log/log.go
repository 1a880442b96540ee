package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

var (
	diagLog  zerolog.Logger
	diagFile *os.File
	logMu    sync.Mutex
	logReady bool
	pid      int
	dir      string
)

const diagFileName = "diagnostics_log.txt"

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag (or log.path from the config file)
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: HARK_LOG_PATH environment variable
	if envPath := os.Getenv("HARK_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error
	diagFile, err = os.OpenFile(filepath.Join(dir, diagFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05.000",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	logReady = false
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
}

// ready reports whether events may be written. Callers hold no lock; the
// zerolog writer itself serializes writes to the file.
func ready() bool {
	logMu.Lock()
	defer logMu.Unlock()
	return logReady
}

func Info(msg string) {
	if ready() {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if ready() {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if ready() {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if ready() {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if ready() {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if ready() {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(provider, locale string, continuous, interim bool) {
	if !ready() {
		return
	}
	diagLog.Info().
		Str("provider", provider).
		Str("locale", locale).
		Bool("continuous", continuous).
		Bool("interim", interim).
		Msg("session_start")
}

func SessionEnd(commands int) {
	if !ready() {
		return
	}
	diagLog.Info().
		Int("commands", commands).
		Msg("session_end")
}

// Transition records one state machine step. token is the session token the
// step was issued under.
func Transition(from, to string, token uint64) {
	if !ready() {
		return
	}
	diagLog.Info().
		Str("from", from).
		Str("to", to).
		Uint64("token", token).
		Msg("transition")
}

// Command records a routed command. Only the intent and parameter keys are
// written; transcripts never reach the log.
func Command(intent string, params map[string]string, sessionID string) {
	if !ready() {
		return
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	diagLog.Info().
		Str("intent", intent).
		Strs("params", keys).
		Str("session", sessionID).
		Msg("command")
}

func Notification(kind, message string) {
	if !ready() {
		return
	}
	diagLog.Info().
		Str("kind", kind).
		Str("message", message).
		Msg("notification")
}

func EngineError(provider, code string, err error) {
	if !ready() {
		return
	}
	diagLog.Error().
		Str("provider", provider).
		Str("code", code).
		Err(err).
		Msg("engine_error")
}

func Outbound(call string, status int, totalMs float64, connReused bool, err error) {
	if !ready() {
		return
	}
	conn := "new"
	if connReused {
		conn = "reused"
	}
	ev := diagLog.Info()
	if err != nil {
		ev = diagLog.Warn().Err(err)
	}
	ev.Str("call", call).
		Int("status", status).
		Float64("total_ms", totalMs).
		Str("conn", conn).
		Msg("outbound")
}
