package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-intake/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs an external transcriber once per segment on a
// temporary WAV file. Commands that contain placeholders get them
// substituted; others receive --audio, --model and --language flags.
//
//	whisper-cli -m models/ggml-base.en.bin -f {audio} -l {lang} -nt
type execRecognizer struct {
	cmd          []string
	cfg          config.STTConfig
	placeholders bool
	mu           sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

var placeholderNames = []string{"{audio}", "{model}", "{language}", "{lang}"}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	r := &execRecognizer{cmd: args, cfg: cfg}
	for _, arg := range args[1:] {
		for _, name := range placeholderNames {
			if strings.Contains(arg, name) {
				r.placeholders = true
			}
		}
	}
	return r, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "intake_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		return TranscriptResult{}, err
	}
	if err := file.Sync(); err != nil {
		return TranscriptResult{}, fmt.Errorf("sync wav: %w", err)
	}

	command := exec.CommandContext(ctx, r.cmd[0], r.args(file.Name(), final)...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return decodeExecResult(stdout.Bytes())
}

func (r *execRecognizer) args(wavPath string, final bool) []string {
	if r.placeholders {
		replacer := strings.NewReplacer(
			"{audio}", wavPath,
			"{model}", r.cfg.ModelPath,
			"{language}", r.cfg.Language,
			"{lang}", primaryLanguage(r.cfg.Language),
		)
		out := make([]string, 0, len(r.cmd)-1)
		for _, arg := range r.cmd[1:] {
			out = append(out, replacer.Replace(arg))
		}
		return out
	}

	out := append([]string{}, r.cmd[1:]...)
	out = append(out, "--audio", wavPath)
	if r.cfg.ModelPath != "" {
		out = append(out, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		out = append(out, "--language", r.cfg.Language)
	}
	if final {
		out = append(out, "--final")
	}
	return out
}

// primaryLanguage turns a BCP 47 tag such as en-US into the bare code most
// transcription CLIs expect.
func primaryLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

// decodeExecResult accepts {"text": ...} JSON or, for plain whisper style
// CLIs, the bare transcript on stdout.
func decodeExecResult(out []byte) (TranscriptResult, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return TranscriptResult{}, nil
	}
	if trimmed[0] != '{' {
		return TranscriptResult{Text: string(trimmed)}, nil
	}
	var resp execResult
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}

// writePCMToWav encodes little-endian PCM16 as a 16-bit WAV. A trailing odd
// byte is dropped.
func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if channels <= 0 {
		channels = 1
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
