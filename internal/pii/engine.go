package pii

import (
	"time"

	"go.uber.org/zap"

	"github.com/cloaklabs/cloak/internal/config"
	"github.com/cloaklabs/cloak/internal/logger"
)

// Engine performs masking and unmasking of text against a session store.
// When privacy is disabled by configuration both operations pass text
// through untouched.
type Engine struct {
	detector *Detector
	enabled  bool
	logger   *logger.Logger
}

// NewEngine creates an engine using the given detector.
func NewEngine(detector *Detector, cfg config.PrivacyConfig, log *logger.Logger) *Engine {
	return &Engine{
		detector: detector,
		enabled:  cfg.Enabled,
		logger:   log.WithComponent("pii-engine"),
	}
}

// Mask detects PII in text and replaces every match span with its session
// token. Replacement runs back to front so earlier replacements cannot shift
// the offsets of matches still waiting their turn. Text outside the claimed
// spans is preserved byte for byte.
func (e *Engine) Mask(store *Store, text string) Result {
	if !e.enabled {
		return Result{
			Masked:   text,
			Findings: []Finding{},
			Delta:    map[string]string{},
			Original: text,
		}
	}

	start := time.Now()
	matches := e.detector.Detect(text)
	if len(matches) == 0 {
		return Result{
			Masked:   text,
			Findings: []Finding{},
			Duration: time.Since(start),
			Delta:    map[string]string{},
			Original: text,
		}
	}

	delta := make(map[string]string)
	tokens := make([]string, len(matches))

	masked := text
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		token, created := store.Allocate(m.Category, m.Value)
		if created {
			delta[token] = m.Value
		}
		tokens[i] = token
		masked = masked[:m.Start] + token + masked[m.End:]
	}

	findings := buildFindings(matches, tokens)
	for _, f := range findings {
		e.logger.Debug("PII masked",
			zap.String("category", string(f.Category)),
			zap.Int("count", f.Count),
			zap.Strings("tokens", f.Tokens),
		)
	}

	return Result{
		Masked:   masked,
		Findings: findings,
		Duration: time.Since(start),
		Delta:    delta,
		Original: text,
	}
}

// Unmask replaces every token known to the store with its original value.
// Tokens the store never issued pass through untouched, so a downstream
// service inventing or mangling tokens cannot break the pipeline. Running
// Unmask again over its own output is a no-op once no known tokens remain.
func (e *Engine) Unmask(store *Store, text string) string {
	if !e.enabled || text == "" {
		return text
	}

	return TokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		if original, ok := store.Lookup(token); ok {
			return original
		}
		e.logger.Debug("Unknown token left unmasked", zap.String("token", token))
		return token
	})
}

// buildFindings groups matches by category in first-occurrence order.
// Tokens are deduplicated per category; Count is the raw match count.
func buildFindings(matches []Match, tokens []string) []Finding {
	index := make(map[Category]int)
	var findings []Finding

	for i, m := range matches {
		idx, ok := index[m.Category]
		if !ok {
			idx = len(findings)
			index[m.Category] = idx
			findings = append(findings, Finding{Category: m.Category})
		}
		f := &findings[idx]
		f.Count++
		f.Positions = append(f.Positions, m.Start)
		if !containsToken(f.Tokens, tokens[i]) {
			f.Tokens = append(f.Tokens, tokens[i])
		}
	}

	return findings
}

func containsToken(tokens []string, token string) bool {
	for _, t := range tokens {
		if t == token {
			return true
		}
	}
	return false
}
