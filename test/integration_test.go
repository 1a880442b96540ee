//go:build integration

package test_test

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

var testBinary string

func TestMain(m *testing.M) {
	testBinary = os.Getenv("HARK_TEST_BIN")
	if testBinary == "" {
		fmt.Fprintln(os.Stderr, "HARK_TEST_BIN not set; build with: go build -o /tmp/hark . && HARK_TEST_BIN=/tmp/hark go test -tags integration ./test")
		os.Exit(1)
	}

	if err := os.MkdirAll("data", 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data dir: %v\n", err)
		os.Exit(1)
	}
	silencePath := filepath.Join("data", "silence.wav")
	tonePath := filepath.Join("data", "tone.wav")
	if err := generateWAV(silencePath, 16000, 1.0, 0); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate silence.wav: %v\n", err)
		os.Exit(1)
	}
	if err := generateWAV(tonePath, 16000, 1.0, 440); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate tone.wav: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	os.Remove(silencePath)
	os.Remove(tonePath)
	os.Exit(code)
}

// generateWAV writes a mono 16-bit WAV; freq 0 is silence.
func generateWAV(path string, sampleRate int, durationS, freq float64) error {
	const headerSize = 44
	numSamples := int(float64(sampleRate) * durationS)
	dataSize := numSamples * 2

	buf := make([]byte, headerSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(headerSize-8+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)  // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i := 0; i < numSamples && freq > 0; i++ {
		v := 0.5 * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(buf[headerSize+i*2:], uint16(int16(v)))
	}
	return os.WriteFile(path, buf, 0644)
}

func cmds(parts ...string) string {
	return strings.Join(parts, "\n") + "\n"
}

// runHark runs the binary in test mode and returns its stdout and log dir.
func runHark(t *testing.T, stdin string, args ...string) (out, logDir string) {
	t.Helper()
	logDir = t.TempDir()
	cmdArgs := append([]string{"-logpath", logDir, "-test"}, args...)

	cmd := exec.Command(testBinary, cmdArgs...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = os.Environ()

	b, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("hark exited with error: %v\noutput: %s", err, b)
	}
	return string(b), logDir
}

func readLog(t *testing.T, logDir, filename string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(logDir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("failed to read %s: %v", filename, err)
	}
	return string(data)
}

func requireLine(t *testing.T, out, line string) {
	t.Helper()
	if !strings.Contains(out, line+"\n") {
		t.Errorf("missing %q in output:\n%s", line, out)
	}
}

func TestVersion(t *testing.T) {
	b, err := exec.Command(testBinary, "-version").Output()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(b), "hark ") {
		t.Errorf("version output = %q", b)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	out, logDir := runHark(t, cmds(
		"TOGGLE", "WAIT listening",
		"SAY search for budget review", "WAIT_COMMANDS 1",
		"STOP", "WAIT idle", "QUIT"))
	requireLine(t, out, "COMMAND search query=budget review")
	requireLine(t, out, `NOTIFY success Searching for "budget review"`)

	diag := readLog(t, logDir, "diagnostics_log.txt")
	for _, want := range []string{"session_start", "command", "transition"} {
		if !strings.Contains(diag, want) {
			t.Errorf("diagnostics missing %q", want)
		}
	}
}

func TestWAVReplay(t *testing.T) {
	out, _ := runHark(t, cmds(
		"TOGGLE", "WAIT listening", "WAIT_AUDIO_DONE",
		"SAY help", "WAIT_COMMANDS 1", "QUIT"),
		"data/tone.wav")
	requireLine(t, out, "COMMAND help")
}

func TestSilentWAVStaysListening(t *testing.T) {
	out, _ := runHark(t, cmds(
		"TOGGLE", "WAIT listening", "WAIT_AUDIO_DONE", "STATE", "QUIT"),
		"data/silence.wav")
	requireLine(t, out, "AT listening")
}

func TestPermissionDenied(t *testing.T) {
	out, _ := runHark(t, cmds("DENY", "TOGGLE", "WAIT disconnected", "QUIT"))
	requireLine(t, out, "NOTIFY error Microphone permission denied")
}

func TestSingleShotMode(t *testing.T) {
	out, _ := runHark(t, cmds(
		"TOGGLE", "WAIT listening",
		"SAY show settings", "WAIT idle", "QUIT"),
		"-continuous=false")
	requireLine(t, out, "COMMAND navigate target=settings")
	requireLine(t, out, "STATE idle")
}

func TestBadConfigExits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hark.yaml")
	if err := os.WriteFile(path, []byte("speech:\n  provider: whisper\n"), 0644); err != nil {
		t.Fatal(err)
	}
	b, err := exec.Command(testBinary, "-config", path, "-test").CombinedOutput()
	if err == nil {
		t.Fatalf("expected non-zero exit, output: %s", b)
	}
	if !strings.Contains(string(b), "speech.provider") {
		t.Errorf("error does not name the key: %s", b)
	}
}
