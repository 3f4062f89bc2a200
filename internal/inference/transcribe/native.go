// Local whisper.cpp tier (tier 3), disabled by default (§4.C4-stt). Grounded
// on the teacher's pkg/provider/stt/whisper/native.go CGO usage, adapted
// from a streaming session to a single-shot batch call over already-decoded
// PCM samples (this pipeline decodes audio to float32 samples once, ahead of
// every inference client, rather than each client parsing WAV containers
// itself).
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/kiaraoke/verdict/internal/domain"
)

// NativeTier runs transcription in-process via whisper.cpp CGO bindings.
// It is never registered unless the operator has explicitly opted in (the
// model download is large and CPU-only inference is slow), per §4.C4-stt.
type NativeTier struct {
	model whisperlib.Model
}

// NewNativeTier loads a whisper.cpp model from modelPath. Callers should
// only construct this when the local fallback is enabled by configuration.
func NewNativeTier(modelPath string) (*NativeTier, error) {
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("transcribe: load local whisper model %q: %w", modelPath, err)
	}
	return &NativeTier{model: model}, nil
}

// Close releases the underlying model.
func (t *NativeTier) Close() error {
	if t.model == nil {
		return nil
	}
	return t.model.Close()
}

// Transcribe runs local whisper.cpp inference over req.PCM16kHzMono. The
// HTTP/public-API tiers ignore this field and fetch req.VocalsURL instead;
// the local tier requires the caller to have decoded the stem already,
// since whisper.cpp takes raw samples rather than a URL.
func (t *NativeTier) Transcribe(ctx context.Context, req Request) (domain.Transcription, error) {
	if err := ctx.Err(); err != nil {
		return domain.Transcription{}, err
	}
	if len(req.PCM16kHzMono) == 0 {
		return domain.Transcription{}, fmt.Errorf("transcribe: local tier requires pre-decoded PCM16kHzMono samples")
	}

	wctx, err := t.model.NewContext()
	if err != nil {
		return domain.Transcription{}, fmt.Errorf("transcribe: create whisper context: %w", err)
	}
	if req.Language != "" {
		if err := wctx.SetLanguage(req.Language); err != nil {
			return domain.Transcription{}, fmt.Errorf("transcribe: set language %q: %w", req.Language, err)
		}
	}

	if err := wctx.Process(req.PCM16kHzMono, nil, nil, nil); err != nil {
		return domain.Transcription{}, fmt.Errorf("transcribe: process audio: %w", err)
	}

	var (
		words []domain.Word
		parts []string
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.Transcription{}, fmt.Errorf("transcribe: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		words = append(words, domain.Word{
			Text:       text,
			StartMS:    segment.Start.Milliseconds(),
			EndMS:      segment.End.Milliseconds(),
			Confidence: 1.0,
		})
	}

	return domain.Transcription{Text: strings.Join(parts, " "), Words: words}, nil
}
