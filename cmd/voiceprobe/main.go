package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/protocol"
)

type options struct {
	baseURL     string
	path        string
	wavPath     string
	outPath     string
	toneMS      int
	turns       int
	chunkMS     int
	realtime    float64
	turnTimeout time.Duration
	text        string
	verbose     bool
}

type envelope struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Audio     string `json:"audio,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Text      string `json:"text,omitempty"`
	Code      string `json:"code,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`
}

type turnResult struct {
	FirstChunk time.Duration
	Total      time.Duration
	Chunks     int
	Audio      []byte
	SampleRate int
	Text       string
	Errors     []string
}

type report struct {
	SessionID string
	Turns     []turnResult
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	var turnTimeoutMS int
	fs := flag.NewFlagSet("voiceprobe", flag.ContinueOnError)
	fs.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	fs.StringVar(&opts.path, "path", "/voice-chat", "websocket path")
	fs.StringVar(&opts.wavPath, "wav", "", "PCM16 WAV file to send (a test tone is generated when empty)")
	fs.StringVar(&opts.outPath, "out", "", "write the last reply to this WAV file")
	fs.IntVar(&opts.toneMS, "tone-ms", 1200, "length of the generated tone in milliseconds")
	fs.IntVar(&opts.turns, "turns", 1, "number of turns to send")
	fs.IntVar(&opts.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	fs.Float64Var(&opts.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 0 disables pacing)")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for turn_complete in milliseconds")
	fs.StringVar(&opts.text, "text", "", "send a typed turn instead of audio")
	fs.BoolVar(&opts.verbose, "verbose", true, "print progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	if opts.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if opts.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if opts.chunkMS < 10 || opts.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if opts.realtime < 0 {
		return options{}, fmt.Errorf("realtime must be >= 0")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	opts.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return opts, nil
}

func run(ctx context.Context, opts options, out io.Writer) (report, error) {
	var pcm []byte
	if strings.TrimSpace(opts.text) == "" {
		var err error
		pcm, err = loadInput(opts.wavPath, opts.toneMS)
		if err != nil {
			return report{}, fmt.Errorf("prepare input audio: %w", err)
		}
	}

	wsURL, err := websocketURL(opts.baseURL, opts.path)
	if err != nil {
		return report{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return report{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	first, err := readEnvelope(conn, opts.turnTimeout)
	if err != nil {
		return report{}, fmt.Errorf("await session_started: %w", err)
	}
	if first.Type != string(protocol.TypeSessionStarted) {
		return report{}, fmt.Errorf("unexpected first envelope %q: %s", first.Type, first.Message)
	}
	rep := report{SessionID: first.SessionID}
	if opts.verbose {
		fmt.Fprintf(out, "voiceprobe: session=%s %q\n", first.SessionID, first.Message)
	}

	for i := 0; i < opts.turns; i++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res, err := runTurn(conn, opts, pcm)
		if err != nil {
			return rep, fmt.Errorf("turn %d: %w", i+1, err)
		}
		rep.Turns = append(rep.Turns, res)
		if opts.verbose {
			fmt.Fprintf(out, "voiceprobe: turn %d/%d first_chunk=%s total=%s chunks=%d bytes=%d errors=%v\n",
				i+1, opts.turns, res.FirstChunk.Round(time.Millisecond), res.Total.Round(time.Millisecond), res.Chunks, len(res.Audio), res.Errors)
		}
	}

	_ = conn.WriteJSON(protocol.Stop{Type: protocol.TypeStop})

	if opts.outPath != "" && len(rep.Turns) > 0 {
		last := rep.Turns[len(rep.Turns)-1]
		if len(last.Audio) > 0 {
			if err := audio.WriteWAVPCM16LEFile(opts.outPath, last.Audio, last.SampleRate); err != nil {
				return rep, fmt.Errorf("write reply: %w", err)
			}
			if opts.verbose {
				fmt.Fprintf(out, "voiceprobe: reply written to %s\n", opts.outPath)
			}
		}
	}
	return rep, nil
}

func runTurn(conn *websocket.Conn, opts options, pcm []byte) (turnResult, error) {
	if strings.TrimSpace(opts.text) != "" {
		if err := conn.WriteJSON(protocol.TextMessage{Type: protocol.TypeTextMessage, Text: opts.text}); err != nil {
			return turnResult{}, err
		}
	} else if err := sendAudio(conn, pcm, opts.chunkMS, opts.realtime); err != nil {
		return turnResult{}, err
	}
	committed := time.Now()
	if strings.TrimSpace(opts.text) == "" {
		if err := conn.WriteJSON(protocol.AudioEnd{Type: protocol.TypeAudioEnd}); err != nil {
			return turnResult{}, err
		}
	}
	return awaitTurn(conn, committed, opts.turnTimeout)
}

func sendAudio(conn *websocket.Conn, pcm []byte, chunkMS int, realtime float64) error {
	chunkBytes := audio.FrameBytes(time.Duration(chunkMS)*time.Millisecond, audio.InputSampleRate)
	for off := 0; off < len(pcm); off += chunkBytes {
		end := min(off+chunkBytes, len(pcm))
		msg := protocol.AudioData{
			Type:  protocol.TypeAudioData,
			Audio: base64.StdEncoding.EncodeToString(pcm[off:end]),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		if realtime > 0 {
			time.Sleep(time.Duration(float64(time.Duration(chunkMS)*time.Millisecond) / realtime))
		}
	}
	return nil
}

func awaitTurn(conn *websocket.Conn, committed time.Time, timeout time.Duration) (turnResult, error) {
	var res turnResult
	deadline := time.Now().Add(timeout)
	for {
		env, err := readEnvelope(conn, time.Until(deadline))
		if err != nil {
			return res, err
		}
		switch env.Type {
		case string(protocol.TypeAudioResponse):
			chunk, err := base64.StdEncoding.DecodeString(env.Audio)
			if err != nil {
				return res, fmt.Errorf("decode audio_response: %w", err)
			}
			if res.Chunks == 0 {
				res.FirstChunk = time.Since(committed)
			}
			res.Chunks++
			if audio.IsWAV(chunk) {
				mono, rate, err := audio.DecodeWAVPCM16(chunk)
				if err != nil {
					return res, fmt.Errorf("decode wav chunk: %w", err)
				}
				chunk, res.SampleRate = mono, rate
			} else {
				res.SampleRate = audio.ParsePCMRate(env.MimeType, audio.InputSampleRate)
			}
			res.Audio = append(res.Audio, chunk...)
		case string(protocol.TypeTextResponse):
			if res.Chunks == 0 {
				res.FirstChunk = time.Since(committed)
			}
			res.Chunks++
			res.Text += env.Text
		case string(protocol.TypeTurnComplete):
			res.Total = time.Since(committed)
			return res, nil
		case string(protocol.TypeError):
			if env.Fatal {
				return res, fmt.Errorf("fatal relay error %s: %s", env.Code, env.Message)
			}
			res.Errors = append(res.Errors, env.Code)
			if env.Code == protocol.CodeTurnAbandoned {
				res.Total = time.Since(committed)
				return res, nil
			}
		}
	}
}

func readEnvelope(conn *websocket.Conn, timeout time.Duration) (envelope, error) {
	if timeout <= 0 {
		return envelope{}, errors.New("timed out")
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		return envelope{}, err
	}
	if msgType != websocket.TextMessage {
		return envelope{}, fmt.Errorf("unexpected websocket frame type %d", msgType)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// loadInput returns 16 kHz mono PCM16LE from a WAV file, or a 440 Hz tone.
func loadInput(path string, toneMS int) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return tone(440, time.Duration(toneMS)*time.Millisecond, audio.InputSampleRate), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%s contains no samples", path)
	}
	return audio.ResamplePCM16(pcm, rate, audio.InputSampleRate), nil
}

func tone(freq float64, d time.Duration, sampleRate int) []byte {
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)) * 8000)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func websocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String(), nil
}
