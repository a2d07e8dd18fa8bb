// Package answer assembles grounded prompts and turns generation output into
// answers with citations.
package answer

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/circularsearch/internal/outcome"
	"github.com/seanblong/circularsearch/pkg/models"
)

const (
	DefaultHistoryTurns = 6
	DefaultMaxTitles    = 100

	// Unavailable is the phrase the model is told to use when the context
	// does not support an answer.
	Unavailable = "This information is not available in the circular database."

	// Degraded is shown when generation failed on both models.
	Degraded = "The answer service is temporarily unavailable. The circulars listed below matched your question and may help in the meantime."

	emptyContext = "No context was retrieved."
)

const persona = `You are a regulatory assistant for Reserve Bank of India circulars.

Rules:
1. Answer ONLY using the provided circular context and corpus facts.
2. If the information is not present, say:
   "` + Unavailable + `"
3. Do NOT invent regulatory details, dates, limits or circular numbers.
4. Cite circular titles clearly.
5. Use the conversation so far only to resolve what the question refers to.`

// Generator runs a completion against a named model.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// Facts exposes corpus-wide statistics for meta questions such as
// "how many circulars do you know about".
type Facts interface {
	CountDocuments(ctx context.Context) (int, error)
	ListTitles(ctx context.Context) ([]string, error)
}

// CorpusFacts is the statistics block of the prompt.
type CorpusFacts struct {
	Total  int
	Titles []string
}

// Config pins the models and prompt budget.
type Config struct {
	Model         string
	FallbackModel string
	HistoryTurns  int
	MaxTitles     int
}

type Composer struct {
	Generator Generator
	Facts     Facts
	cfg       Config
}

// New creates a Composer. facts may be nil, which omits the statistics block.
func New(gen Generator, facts Facts, cfg Config) *Composer {
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	} else if cfg.HistoryTurns == 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.MaxTitles <= 0 {
		cfg.MaxTitles = DefaultMaxTitles
	}
	return &Composer{Generator: gen, Facts: facts, cfg: cfg}
}

// Compose generates an answer for question from the retrieval. Generation
// runs once on the primary model and, after a transient failure, once on the
// fallback model. If both fail the answer is degraded; sources are returned
// either way.
func (c *Composer) Compose(ctx context.Context, question string, r models.Retrieval, session *models.Session) models.Answer {
	sources := r.Sources
	if sources == nil {
		sources = []models.Source{}
	}
	ans := models.Answer{Sources: sources, Matches: r.Matches, Context: r.Context}

	prompt := c.BuildPrompt(question, r.Context, c.corpusFacts(ctx), session.Recent(c.cfg.HistoryTurns))

	text, err := c.Generator.Generate(ctx, c.cfg.Model, prompt)
	if err != nil && outcome.IsTransient(err) && c.cfg.FallbackModel != "" && c.cfg.FallbackModel != c.cfg.Model {
		log.Warn().Err(err).Str("fallback", c.cfg.FallbackModel).Msg("generation failed, retrying with fallback model")
		text, err = c.Generator.Generate(ctx, c.cfg.FallbackModel, prompt)
	}
	if err != nil {
		log.Error().Err(err).Str("kind", outcome.KindOf(err).String()).Msg("generation failed")
		ans.Text = Degraded
		ans.Degraded = true
		return ans
	}

	ans.Text = strings.TrimSpace(text)
	return ans
}

func (c *Composer) corpusFacts(ctx context.Context) *CorpusFacts {
	if c.Facts == nil {
		return nil
	}
	total, err := c.Facts.CountDocuments(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("corpus stats unavailable")
		return nil
	}
	titles, err := c.Facts.ListTitles(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("corpus titles unavailable")
		return nil
	}
	return &CorpusFacts{Total: total, Titles: titles}
}

// BuildPrompt lays out persona, corpus facts, retrieval context, recent
// conversation and the question, in that order.
func (c *Composer) BuildPrompt(question, contextText string, facts *CorpusFacts, history []models.Turn) string {
	var b strings.Builder
	b.WriteString(persona)

	if facts != nil {
		fmt.Fprintf(&b, "\n\nCorpus facts:\nTotal circulars indexed: %d\n", facts.Total)
		if len(facts.Titles) > 0 {
			b.WriteString("Indexed circular titles:\n")
			titles := facts.Titles
			if len(titles) > c.cfg.MaxTitles {
				titles = titles[:c.cfg.MaxTitles]
			}
			for _, t := range titles {
				b.WriteString("- ")
				b.WriteString(t)
				b.WriteByte('\n')
			}
			if rest := len(facts.Titles) - len(titles); rest > 0 {
				fmt.Fprintf(&b, "(and %d more)\n", rest)
			}
		}
	}

	if strings.TrimSpace(contextText) == "" {
		contextText = emptyContext
	}
	b.WriteString("\n\nContext:\n")
	b.WriteString(strings.TrimRight(contextText, "\n"))

	if len(history) > 0 {
		b.WriteString("\n\nConversation so far:\n")
		for _, t := range history {
			role := "User"
			if t.Role == models.RoleAssistant {
				role = "Assistant"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, strings.TrimSpace(t.Content))
		}
	}

	b.WriteString("\n\nQuestion:\n")
	b.WriteString(strings.TrimSpace(question))
	return b.String()
}
