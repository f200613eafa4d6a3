// Package openai implements the speech adapter interfaces using OpenAI's APIs.
//
// It uses the Audio Transcription API (Whisper) for speech-to-text, the Chat
// Completions API for dialogue replies, and the Audio Speech API for
// synthesis. BaseURL may point at any OpenAI-compatible server.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/nadzzz/callyard/internal/config"
	"github.com/nadzzz/callyard/internal/retry"
	"github.com/nadzzz/callyard/internal/speech"
)

// Verify interface compliance at compile time.
var (
	_ speech.Transcriber = (*Client)(nil)
	_ speech.Completer   = (*Client)(nil)
	_ speech.Synthesizer = (*Client)(nil)
)

// Client implements all three speech capabilities against the OpenAI API.
type Client struct {
	apiKey             string
	baseURL            string
	transcriptionModel string
	completionModel    string
	speechModel        string
	voice              string
	language           string
	client             *http.Client
}

// New creates an OpenAI speech client from config.
func New(cfg config.OpenAIConfig, timeout time.Duration) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:             cfg.APIKey,
		baseURL:            baseURL,
		transcriptionModel: cfg.TranscriptionModel,
		completionModel:    cfg.CompletionModel,
		speechModel:        cfg.SpeechModel,
		voice:              cfg.Voice,
		language:           cfg.Language,
		client:             &http.Client{Timeout: timeout},
	}
}

// StatusError captures non-2xx upstream responses with status-aware context.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// HTTPStatusCode returns the upstream HTTP status.
func (e *StatusError) HTTPStatusCode() int { return e.Status }

// classify wraps upstream status errors so the retry policy treats auth and
// validation failures as permanent. Timeouts, rate limiting, and server
// errors stay retryable.
func classify(status int, body []byte) error {
	err := &StatusError{Status: status, Body: string(body)}
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return err
	}
	return retry.Permanent(err)
}

// Transcribe sends audio to the transcription endpoint and returns the
// recognized text with a detection-quality estimate.
func (c *Client) Transcribe(ctx context.Context, audio []byte, contentType string) (*speech.Transcription, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio"+extFromContentType(contentType))
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(audio)); err != nil {
		return nil, fmt.Errorf("writing audio: %w", err)
	}

	_ = writer.WriteField("model", c.transcriptionModel)
	if c.language != "" {
		_ = writer.WriteField("language", c.language)
	}
	_ = writer.WriteField("response_format", "verbose_json")
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("transcription failed: %w", classify(resp.StatusCode, respBody))
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
		Segments []struct {
			NoSpeechProb float64 `json:"no_speech_prob"`
		} `json:"segments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding transcription: %w", err)
	}

	slog.Debug("transcription complete", "text_length", len(result.Text), "language", result.Language)
	return &speech.Transcription{
		Text:       result.Text,
		Confidence: confidenceFromSegments(result.Segments),
		Language:   normalizeLanguage(result.Language),
	}, nil
}

// Complete sends the conversation context to the Chat Completions API and
// returns the assistant's reply text.
func (c *Client) Complete(ctx context.Context, messages []speech.ChatMessage) (string, error) {
	reqBody := chatRequest{
		Model:       c.completionModel,
		Messages:    messages,
		MaxTokens:   200,
		Temperature: 0.7,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshalling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("chat failed: %w", classify(resp.StatusCode, respBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from chat API")
	}

	reply := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	slog.Debug("completion complete", "reply_length", len(reply))
	return reply, nil
}

// Synthesize converts reply text into an MP3 clip via the Audio Speech API.
func (c *Client) Synthesize(ctx context.Context, text string) (*speech.Synthesis, error) {
	if text == "" {
		return nil, retry.Permanent(fmt.Errorf("empty text for synthesis"))
	}

	reqBody := map[string]string{
		"model":           c.speechModel,
		"voice":           c.voice,
		"input":           text,
		"response_format": "mp3",
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshalling speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating speech request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("synthesis failed: %w", classify(resp.StatusCode, respBody))
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, 25<<20))
	if err != nil {
		return nil, fmt.Errorf("reading synthesis audio: %w", err)
	}

	slog.Debug("synthesis complete", "audio_bytes", len(audio))
	return &speech.Synthesis{
		Audio:    audio,
		Format:   "mp3",
		Duration: estimateMP3Duration(len(audio)),
	}, nil
}

// --- Internal types and helpers ---

type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []speech.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Temperature float64              `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// confidenceFromSegments derives a rough confidence from Whisper's per-segment
// no-speech probabilities. With no segment data, assume full confidence.
func confidenceFromSegments(segments []struct {
	NoSpeechProb float64 `json:"no_speech_prob"`
}) float64 {
	if len(segments) == 0 {
		return 1.0
	}
	var sum float64
	for _, s := range segments {
		sum += s.NoSpeechProb
	}
	conf := 1.0 - sum/float64(len(segments))
	if conf < 0 {
		conf = 0
	}
	return conf
}

// estimateMP3Duration assumes the tts-1 default bitrate (64 kbit/s).
func estimateMP3Duration(byteLen int) time.Duration {
	return time.Duration(float64(byteLen) / 8000.0 * float64(time.Second))
}

func extFromContentType(ct string) string {
	switch {
	case strings.Contains(ct, "wav"):
		return ".wav"
	case strings.Contains(ct, "ogg"):
		return ".ogg"
	case strings.Contains(ct, "mp3"), strings.Contains(ct, "mpeg"):
		return ".mp3"
	case strings.Contains(ct, "flac"):
		return ".flac"
	case strings.Contains(ct, "webm"):
		return ".webm"
	case strings.Contains(ct, "m4a"):
		return ".m4a"
	default:
		return ".wav"
	}
}

// normalizeLanguage converts full language names (as returned by OpenAI) to ISO-639-1 codes.
func normalizeLanguage(lang string) string {
	if len(lang) == 2 {
		return strings.ToLower(lang)
	}
	known := map[string]string{
		"english":    "en",
		"french":     "fr",
		"spanish":    "es",
		"german":     "de",
		"italian":    "it",
		"portuguese": "pt",
		"dutch":      "nl",
		"polish":     "pl",
		"russian":    "ru",
		"japanese":   "ja",
		"korean":     "ko",
		"chinese":    "zh",
		"arabic":     "ar",
		"hindi":      "hi",
		"turkish":    "tr",
	}
	if code, ok := known[strings.ToLower(lang)]; ok {
		return code
	}
	return strings.ToLower(lang)
}
