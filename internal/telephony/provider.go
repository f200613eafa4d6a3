// Package telephony is the provider-facing boundary: it maps inbound webhook
// events to the matching session by call id, renders orchestrator directive
// documents into the provider's expected response format, and carries the
// outbound side (recording downloads, synthesized-audio hosting, REST hangup).
package telephony

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nadzzz/callyard/internal/config"
	"github.com/nadzzz/callyard/internal/retry"
	"github.com/nadzzz/callyard/internal/session"
)

// Verify interface compliance at compile time.
var _ session.Control = (*Provider)(nil)

// Provider implements the outbound half of the telephony boundary against a
// Twilio-style REST API.
type Provider struct {
	cfg    config.TelephonyConfig
	client *http.Client
}

// NewProvider creates the outbound provider client and ensures the audio
// directory exists.
func NewProvider(cfg config.TelephonyConfig) (*Provider, error) {
	if cfg.AudioDir != "" {
		if err := os.MkdirAll(cfg.AudioDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating audio dir: %w", err)
		}
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// FetchRecording downloads a recording by URL, authenticating with the
// provider credentials. Providers publish recordings with a small lag, so a
// 404 is reported as retryable.
func (p *Provider) FetchRecording(ctx context.Context, audioRef string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioRef, nil)
	if err != nil {
		return nil, "", retry.Permanent(fmt.Errorf("building recording request: %w", err))
	}
	if p.cfg.AccountSID != "" {
		req.SetBasicAuth(p.cfg.AccountSID, p.cfg.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading recording: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fallthrough below
	case resp.StatusCode == http.StatusNotFound:
		// Recording not published yet.
		return nil, "", fmt.Errorf("recording not ready: %s", audioRef)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, "", retry.Permanent(fmt.Errorf("recording download denied (status %d)", resp.StatusCode))
	default:
		return nil, "", fmt.Errorf("recording download failed (status %d)", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 25<<20))
	if err != nil {
		return nil, "", fmt.Errorf("reading recording: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/wav"
	}
	return data, contentType, nil
}

// StoreAudio writes a synthesized clip under the audio directory and returns
// the public playback URL.
func (p *Provider) StoreAudio(audio []byte, format string) (string, error) {
	if format == "" {
		format = "mp3"
	}
	name := fmt.Sprintf("reply_%s.%s", uuid.NewString(), format)
	if err := os.WriteFile(filepath.Join(p.cfg.AudioDir, name), audio, 0o644); err != nil {
		return "", fmt.Errorf("writing audio file: %w", err)
	}
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/audio/" + name, nil
}

// EndCall updates the live call to speak the farewell and hang up. Used for
// terminations with no webhook waiting (idle timeout, shutdown).
func (p *Provider) EndCall(ctx context.Context, callID, farewell string) error {
	twiml := endCallTwiML(farewell)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json",
		strings.TrimRight(p.cfg.APIBaseURL, "/"), p.cfg.AccountSID, url.PathEscape(callID))

	form := url.Values{}
	form.Set("Twiml", twiml)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building end-call request: %w", err)
	}
	req.SetBasicAuth(p.cfg.AccountSID, p.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("end-call request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("end-call failed (status %d): %s", resp.StatusCode, body)
	}
	return nil
}

func endCallTwiML(farewell string) string {
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString("<Response>")
	if farewell != "" {
		b.WriteString("<Say>")
		_ = xml.EscapeText(&b, []byte(farewell))
		b.WriteString("</Say>")
	}
	b.WriteString("<Hangup/></Response>")
	return b.String()
}

// AudioFileServer serves the synthesized-audio directory.
func (p *Provider) AudioFileServer() http.Handler {
	return http.StripPrefix("/audio/", http.FileServer(http.Dir(p.cfg.AudioDir)))
}
