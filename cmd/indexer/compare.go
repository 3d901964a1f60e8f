package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kamkaz1/mini-rag-reranker/internal/bootstrap"
	"github.com/kamkaz1/mini-rag-reranker/internal/config"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/ports"
)

// defaultQuestions cover the industrial-safety corpus.
var defaultQuestions = []string{
	"What is ISO 13849-1?",
	"What are the different performance levels in safety systems?",
	"What is the purpose of machine guarding?",
	"How does risk assessment work in machinery safety?",
	"What are the electrical safety requirements for industrial machinery?",
	"What is functional safety according to IEC 61508?",
	"What types of machine guards are available?",
	"What are the key principles of machinery safety design?",
}

type modeOutcome struct {
	Answered       bool    `json:"answered"`
	Answer         string  `json:"answer,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	TopScore       float64 `json:"top_score"`
	TopSource      string  `json:"top_source,omitempty"`
	Contexts       int     `json:"contexts"`
	Citations      int     `json:"citations"`
	LatencySeconds float64 `json:"latency_seconds"`
	Error          string  `json:"error,omitempty"`

	latency time.Duration
}

type modeComparison struct {
	Question   string      `json:"question"`
	Baseline   modeOutcome `json:"baseline"`
	Reranked   modeOutcome `json:"reranked"`
	Verdict    string      `json:"verdict"`
	TopChanged bool        `json:"top_changed"`
}

type comparisonSummary struct {
	Questions              int     `json:"questions"`
	BaselineAnswers        int     `json:"baseline_answers"`
	RerankedAnswers        int     `json:"reranked_answers"`
	BaselineLatencySeconds float64 `json:"baseline_avg_latency_seconds"`
	RerankedLatencySeconds float64 `json:"reranked_avg_latency_seconds"`
	Coverage               string  `json:"coverage"`
}

type comparisonReport struct {
	Comparisons []modeComparison  `json:"comparisons"`
	Summary     comparisonSummary `json:"summary"`
}

func compareCommand(c *cli.Context, cfg config.Config) error {
	format := c.String("format")
	if format != "text" && format != "json" {
		return fmt.Errorf("unknown format %q (text or json)", format)
	}
	questions := c.StringSlice("question")
	if len(questions) == 0 {
		questions = defaultQuestions
	}

	// A one-shot run serves the latest snapshot and ignores events.
	cfg.NATSURL = ""
	app, err := bootstrap.NewAPI(c.Context, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Start(c.Context); err != nil {
		return err
	}
	if app.Store.Current() == nil {
		return fmt.Errorf("compare modes: %w", domain.ErrSnapshotNotFound)
	}

	report := compareModes(c.Context, app.QueryUC, questions, c.Int("k"))
	if format == "json" {
		return printJSON(c.App.Writer, report)
	}
	return writeComparison(c.App.Writer, report)
}

// compareModes asks every question in baseline and then reranked mode. A
// failing mode is recorded on its outcome and the run continues.
func compareModes(ctx context.Context, svc ports.QueryService, questions []string, k int) comparisonReport {
	report := comparisonReport{Comparisons: make([]modeComparison, 0, len(questions))}
	for _, q := range questions {
		if ctx.Err() != nil {
			break
		}
		cmp := modeComparison{
			Question: q,
			Baseline: askMode(ctx, svc, q, domain.ModeBaseline, k),
			Reranked: askMode(ctx, svc, q, domain.ModeReranked, k),
		}
		cmp.Verdict = verdict(cmp.Baseline, cmp.Reranked)
		cmp.TopChanged = cmp.Baseline.TopSource != "" && cmp.Reranked.TopSource != "" &&
			cmp.Baseline.TopSource != cmp.Reranked.TopSource
		report.Comparisons = append(report.Comparisons, cmp)
	}
	report.Summary = summarize(report.Comparisons)
	return report
}

func askMode(ctx context.Context, svc ports.QueryService, question string, mode domain.Mode, k int) modeOutcome {
	start := time.Now()
	resp, err := svc.Answer(ctx, question, mode, k)
	out := modeOutcome{latency: time.Since(start)}
	out.LatencySeconds = out.latency.Seconds()
	if err != nil {
		out.Error = err.Error()
		return out
	}
	if resp == nil {
		out.Error = "empty response"
		return out
	}

	out.Answered = !resp.Abstained()
	if out.Answered {
		out.Answer = *resp.Answer
	}
	out.Reason = resp.Reason
	out.Contexts = len(resp.Contexts)
	out.Citations = len(resp.Citations)
	if len(resp.Contexts) > 0 {
		out.TopScore = resp.Contexts[0].Score
		out.TopSource = resp.Contexts[0].Source
	}
	return out
}

func verdict(baseline, reranked modeOutcome) string {
	switch {
	case baseline.Error != "" || reranked.Error != "":
		return "error"
	case baseline.Answered && reranked.Answered:
		return "both answered"
	case baseline.Answered:
		return "only baseline answered"
	case reranked.Answered:
		return "only reranked answered"
	default:
		return "neither answered"
	}
}

func summarize(comparisons []modeComparison) comparisonSummary {
	s := comparisonSummary{Questions: len(comparisons)}
	if s.Questions == 0 {
		s.Coverage = "maintained"
		return s
	}
	var baseline, reranked time.Duration
	for _, c := range comparisons {
		if c.Baseline.Answered {
			s.BaselineAnswers++
		}
		if c.Reranked.Answered {
			s.RerankedAnswers++
		}
		baseline += c.Baseline.latency
		reranked += c.Reranked.latency
	}
	s.BaselineLatencySeconds = baseline.Seconds() / float64(s.Questions)
	s.RerankedLatencySeconds = reranked.Seconds() / float64(s.Questions)

	switch {
	case s.RerankedAnswers > s.BaselineAnswers:
		s.Coverage = "improved"
	case s.RerankedAnswers < s.BaselineAnswers:
		s.Coverage = "reduced"
	default:
		s.Coverage = "maintained"
	}
	return s
}

func writeComparison(w io.Writer, report comparisonReport) error {
	var b strings.Builder
	total := len(report.Comparisons)
	for i, c := range report.Comparisons {
		fmt.Fprintf(&b, "Question %d/%d: %s\n", i+1, total, c.Question)
		writeOutcome(&b, domain.ModeBaseline, c.Baseline)
		writeOutcome(&b, domain.ModeReranked, c.Reranked)

		top := "top source unchanged"
		if c.TopChanged {
			top = fmt.Sprintf("top source changed: %s -> %s", c.Baseline.TopSource, c.Reranked.TopSource)
		}
		fmt.Fprintf(&b, "  verdict: %s; %s\n\n", c.Verdict, top)
	}

	s := report.Summary
	b.WriteString("Summary\n")
	fmt.Fprintf(&b, "  questions: %d\n", s.Questions)
	fmt.Fprintf(&b, "  baseline answers: %d/%d (%.1f%%)\n", s.BaselineAnswers, s.Questions, percent(s.BaselineAnswers, s.Questions))
	fmt.Fprintf(&b, "  reranked answers: %d/%d (%.1f%%)\n", s.RerankedAnswers, s.Questions, percent(s.RerankedAnswers, s.Questions))
	fmt.Fprintf(&b, "  average latency: baseline %.3fs, reranked %.3fs\n", s.BaselineLatencySeconds, s.RerankedLatencySeconds)
	fmt.Fprintf(&b, "  coverage: %s\n", s.Coverage)

	_, err := io.WriteString(w, b.String())
	return err
}

func writeOutcome(b *strings.Builder, mode domain.Mode, o modeOutcome) {
	if o.Error != "" {
		fmt.Fprintf(b, "  %-8s error: %s (%.3fs)\n", mode, o.Error, o.LatencySeconds)
		return
	}
	status := "abstained"
	if o.Answered {
		status = "answered"
	}
	fmt.Fprintf(b, "  %-8s %s top=%.3f source=%q contexts=%d citations=%d latency=%.3fs\n",
		mode, status, o.TopScore, o.TopSource, o.Contexts, o.Citations, o.LatencySeconds)
	if o.Answered {
		fmt.Fprintf(b, "           answer: %s\n", strings.Join(strings.Fields(o.Answer), " "))
	}
	fmt.Fprintf(b, "           reason: %s\n", o.Reason)
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}
