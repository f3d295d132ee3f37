package cadence

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/cadence/pkg/configutil"
	"github.com/harunnryd/cadence/pkg/errorsx"
	"github.com/harunnryd/cadence/pkg/providers/deepgram"
	"github.com/harunnryd/cadence/pkg/providers/scripted"
	"github.com/harunnryd/cadence/pkg/responder"
	"github.com/harunnryd/cadence/pkg/transports"
	"github.com/harunnryd/cadence/pkg/transports/mock"
	"github.com/harunnryd/cadence/pkg/transports/wsjson"
)

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

type scriptedSettings struct {
	FallbackText string   `mapstructure:"fallback_text"`
	Replies      []string `mapstructure:"replies"`
	Synthesize   bool     `mapstructure:"synthesize"`
	ChunkBytes   int      `mapstructure:"chunk_bytes"`
}

// BuildTransport constructs the configured capture transport. When a
// transcriber provider is also configured, the wsjson transport gets the
// server-side STT path for clients that stream raw PCM.
func BuildTransport(cfg Config, log *slog.Logger) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transports.Provider)) {
	case "wsjson":
		if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Optional: []string{"server_addr", "session_path", "allow_any_origin", "allowed_origins"},
		}); err != nil {
			return nil, err
		}
		var tc wsjson.Config
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &tc); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonConfigDecode)
		}
		t := wsjson.New(tc)
		if cfg.Transcriber.Provider != "" {
			factory, err := buildTranscriberFactory(cfg, log)
			if err != nil {
				return nil, err
			}
			t.WithTranscriber(factory)
		}
		return t, nil
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport provider %q", cfg.Transports.Provider)
	}
}

func buildTranscriberFactory(cfg Config, log *slog.Logger) (wsjson.TranscriberFactory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transcriber.Provider)) {
	case "deepgram":
		if err := validateSettings("transcriber.settings", cfg.Transcriber.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "sample_rate", "encoding", "utterance_end_ms"},
		}); err != nil {
			return nil, err
		}
		var ds deepgramSettings
		if err := configutil.DecodeSettings(cfg.Transcriber.Settings, &ds); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonConfigDecode)
		}
		if err := configutil.RequireString(ds.APIKey, "transcriber.settings.api_key"); err != nil {
			return nil, err
		}
		return func(sessionID, traceID string) (wsjson.Transcriber, error) {
			return deepgram.New(deepgram.Config{
				APIKey:         ds.APIKey,
				Model:          ds.Model,
				Language:       ds.Language,
				SampleRate:     ds.SampleRate,
				Encoding:       ds.Encoding,
				UtteranceEndMS: ds.UtteranceEndMS,
				SessionID:      sessionID,
				TraceID:        traceID,
			}, log), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown transcriber provider %q", cfg.Transcriber.Provider)
	}
}

// BuildResponder constructs the configured response collaborator.
func BuildResponder(cfg Config) (responder.Responder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Responder.Provider)) {
	case "scripted":
		if err := validateSettings("responder.settings", cfg.Responder.Settings, configutil.Schema{
			Optional: []string{"fallback_text", "replies", "synthesize", "chunk_bytes"},
		}); err != nil {
			return nil, err
		}
		var sc scriptedSettings
		if err := configutil.DecodeSettings(cfg.Responder.Settings, &sc); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonConfigDecode)
		}
		var script []responder.Response
		for _, text := range sc.Replies {
			script = append(script, responder.Response{Text: text})
		}
		return scripted.New(scripted.Config{
			Script:     script,
			Fallback:   responder.Response{Text: sc.FallbackText},
			Synthesize: sc.Synthesize,
			ChunkBytes: sc.ChunkBytes,
		}), nil
	default:
		return nil, fmt.Errorf("unknown responder provider %q", cfg.Responder.Provider)
	}
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
