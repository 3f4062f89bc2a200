// Package judge implements the C4 jury-feedback inference client: three
// personas ("Le Cassant", "L'Encourageant", "Le Technique") each render one
// short comment and a yes/no vote over a completed score bundle, falling
// back across a large LLM, a smaller LLM, and finally a hard-coded
// heuristic that never fails.
package judge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/kiaraoke/verdict/internal/domain"
	"github.com/kiaraoke/verdict/internal/resilience"
)

// Persona is one of the three jury voices. Name is French to match the
// competition's voice, matching spec.md's persona names verbatim.
type Persona struct {
	Name         string
	Style        string
	VoteThreshold float64
}

// Personas is the fixed jury roster and their yes-vote thresholds on the
// overall aggregate score, preserved from the original scorer's
// generate_jury_comments (§11 Supplemented Features).
var Personas = []Persona{
	{Name: "Le Cassant", Style: "impitoyable mais juste, utilise des métaphores drôles et cinglantes", VoteThreshold: 70},
	{Name: "L'Encourageant", Style: "bienveillant, trouve toujours du positif même dans les pires performances", VoteThreshold: 40},
	{Name: "Le Technique", Style: "précis et analytique, parle de technique vocale", VoteThreshold: 55},
}

// Input carries the scored performance context a persona comments on.
type Input struct {
	SongTitle      string
	OverallScore   float64
	PitchAccuracy  float64
	RhythmAccuracy float64
	LyricsAccuracy float64
}

// Completer is the minimal surface this package needs from an LLM backend:
// a single-shot text completion. Each tier implements it directly rather
// than through the teacher's full llm.Provider interface, since jury
// comments need only a prompt-in/text-out call.
type Completer interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// Client produces one JudgeRecord per persona, trying tiers in order via a
// single resilience.FallbackGroup holding all three tiers, each with its own
// circuit breaker. The heuristic tier never fails,
// so Client.Judge always returns a complete set of records.
type Client struct {
	group *resilience.FallbackGroup[tier]
}

type tier struct {
	name      string
	completer Completer
	model     string
}

// New builds a Client with a large-model tier, a small-model tier, and an
// always-succeeding heuristic tier, tried in that order.
func New(large, small Completer, largeModel, smallModel string, cfg resilience.FallbackConfig) *Client {
	group := resilience.NewFallbackGroup(tier{name: "large", completer: large, model: largeModel}, "large", cfg)
	group.AddFallback("small", tier{name: "small", completer: small, model: smallModel})
	group.AddFallback("heuristic", tier{name: "heuristic"})
	return &Client{group: group}
}

// Judge renders one JudgeRecord per persona for in. The three generations
// run concurrently (§4.C7 Phase 4) since each is an independent LLM round
// trip; the shared resilience.FallbackGroup's per-tier circuit breakers are
// safe for concurrent use, so a tier that starts failing mid-batch affects personas
// still in flight too.
func (c *Client) Judge(ctx context.Context, in Input) []domain.JudgeRecord {
	records := make([]domain.JudgeRecord, len(Personas))
	var wg sync.WaitGroup
	for i, persona := range Personas {
		wg.Add(1)
		go func(i int, persona Persona) {
			defer wg.Done()
			records[i] = c.judgeOne(ctx, persona, in)
		}(i, persona)
	}
	wg.Wait()
	return records
}

func (c *Client) judgeOne(ctx context.Context, persona Persona, in Input) domain.JudgeRecord {
	start := time.Now()
	vote := voteFor(persona, in.OverallScore)

	type tierResult struct {
		comment string
		model   string
	}

	result, err := resilience.ExecuteWithResult(c.group, func(t tier) (tierResult, error) {
		if t.name == "heuristic" {
			return tierResult{comment: heuristicComment(persona, in), model: "heuristic"}, nil
		}
		prompt := buildPrompt(persona, in)
		raw, err := t.completer.Complete(ctx, t.model, prompt)
		if err != nil {
			return tierResult{}, err
		}
		return tierResult{comment: stripThinkTags(raw), model: t.model}, nil
	})
	if err != nil {
		// The heuristic tier never fails, so this path is unreachable in
		// practice, but callers still get a usable record if it somehow is.
		result = tierResult{comment: heuristicComment(persona, in), model: "heuristic"}
	}

	return domain.JudgeRecord{
		Persona:   persona.Name,
		Comment:   strings.TrimSpace(result.comment),
		Vote:      vote,
		Model:     result.model,
		LatencyMS: time.Since(start).Milliseconds(),
	}
}

func voteFor(persona Persona, overallScore float64) domain.JudgeVote {
	if overallScore >= persona.VoteThreshold {
		return domain.VoteYes
	}
	return domain.VoteNo
}

func buildPrompt(persona Persona, in Input) string {
	issues, strengths := issuesAndStrengths(in)

	issuesStr := "Aucun majeur"
	if len(issues) > 0 {
		issuesStr = strings.Join(issues, ", ")
	}
	strengthsStr := "À développer"
	if len(strengths) > 0 {
		strengthsStr = strings.Join(strengths, ", ")
	}

	return fmt.Sprintf(`Tu es "%s", un jury d'un concours de chant type "Incroyable Talent".
Style: %s

CONTEXTE:
- Chanson: "%s"
- Score global: %.0f/100
- Justesse: %.0f%%
- Rythme: %.0f%%
- Paroles: %.0f%%
- Problèmes: %s
- Points forts: %s

TÂCHE: Écris UN commentaire de 2-3 phrases pour le candidat. Sois fidèle à ton personnage.
Réponds UNIQUEMENT avec le commentaire, sans préfixe.`,
		persona.Name, persona.Style, in.SongTitle, in.OverallScore,
		in.PitchAccuracy, in.RhythmAccuracy, in.LyricsAccuracy, issuesStr, strengthsStr)
}

func issuesAndStrengths(in Input) (issues, strengths []string) {
	check := func(label string, score float64) {
		if score < 60 {
			issues = append(issues, label)
		} else if score > 80 {
			strengths = append(strengths, label)
		}
	}
	check("Justesse (faux)", in.PitchAccuracy)
	check("Rythme (décalé)", in.RhythmAccuracy)
	check("Paroles (oubliées)", in.LyricsAccuracy)
	return issues, strengths
}

// heuristicComment is the never-fails tier-3 fallback: a short templated
// remark keyed on the persona's general disposition and the overall score
// band, used when no LLM tier is reachable.
func heuristicComment(persona Persona, in Input) string {
	switch persona.Name {
	case "Le Cassant":
		if in.OverallScore >= persona.VoteThreshold {
			return "Pas honteux, mais ne crions pas victoire trop vite."
		}
		return "On a connu des prestations plus... mémorables, pour de bonnes raisons."
	case "L'Encourageant":
		return "Il y a du cœur dans cette performance, et c'est déjà beaucoup."
	default: // Le Technique
		if in.PitchAccuracy < 60 {
			return "La justesse mérite du travail, en particulier sur les tenues de notes."
		}
		return "La technique vocale est globalement maîtrisée, quelques ajustements suffiront."
	}
}

// stripThinkTags removes a leading <think>...</think> reasoning block,
// including a dangling unclosed <think> tag produced by token-truncated
// generation — in that case everything from the opening tag onward is
// dropped rather than left dangling in the rendered comment.
func stripThinkTags(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			return s[:start]
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
}

// anyLLMCompleter adapts an any-llm-go backend to the Completer interface.
type anyLLMCompleter struct {
	backend anyllmlib.Provider
}

// NewAnyLLMCompleter wraps an any-llm-go provider backend for use as a
// judge tier.
func NewAnyLLMCompleter(backend anyllmlib.Provider) Completer {
	return &anyLLMCompleter{backend: backend}
}

func (c *anyLLMCompleter) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := c.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model: model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("judge: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("judge: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}
