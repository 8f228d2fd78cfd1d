// Package whisper provides local whisper.cpp-backed STT providers.
//
// Two implementations are available:
//
//   - NativeProvider links against libwhisper via the CGO bindings and runs
//     inference in-process. This is the lowest-latency path and the default
//     on the robot.
//   - ServerProvider talks to a running whisper-server binary over its REST
//     API (POST /inference). It needs no CGO and can point at another host,
//     which makes it the natural fallback when the local model fails to load
//     or the board is too small to hold it.
//
// Both accept one finalized utterance per call and return the committed
// text; whisper.cpp is a batch engine, so there are no partials to surface.
//
// Usage:
//
//	p, err := whisper.NewServer("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	)
//	result, err := p.Transcribe(ctx, stt.Request{PCM: pcm, Format: format})
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/lingobotics/lingo/pkg/provider/stt"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
)

// Compile-time assertion that ServerProvider implements stt.Provider.
var _ stt.Provider = (*ServerProvider)(nil)

// ServerProvider implements stt.Provider against a whisper.cpp server.
type ServerProvider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// ServerOption is a functional option for configuring a ServerProvider.
type ServerOption func(*ServerProvider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// on each request. Leave empty to use whatever model the server loaded.
func WithModel(model string) ServerOption {
	return func(p *ServerProvider) { p.model = model }
}

// WithLanguage sets the default transcription language code used when the
// request leaves Language empty. Defaults to "en".
func WithLanguage(lang string) ServerOption {
	return func(p *ServerProvider) { p.language = lang }
}

// WithHTTPTimeout sets the per-request timeout. Defaults to 30s, which
// covers a 10s utterance on a slow CPU with headroom.
func WithHTTPTimeout(d time.Duration) ServerOption {
	return func(p *ServerProvider) { p.httpClient.Timeout = d }
}

// NewServer creates a ServerProvider pointing at serverURL (scheme and host,
// no trailing slash required).
func NewServer(serverURL string, opts ...ServerOption) (*ServerProvider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &ServerProvider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider. It encodes the utterance as a WAV
// file and POSTs it to the whisper.cpp /inference endpoint as
// multipart/form-data.
func (p *ServerProvider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if len(req.PCM) == 0 {
		return stt.Result{}, nil
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	start := time.Now()
	wav := encodeWAV(req.PCM, req.Format.SampleRate, req.Format.Channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write model field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := p.serverURL + "/inference"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	return stt.Result{
		Text:          strings.TrimSpace(result.Text),
		AudioDuration: req.Format.BufferDuration(len(req.PCM)),
		InferDuration: time.Since(start),
	}, nil
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. The returned byte slice is suitable for direct
// inclusion in a multipart form upload. No external dependencies are
// required.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
