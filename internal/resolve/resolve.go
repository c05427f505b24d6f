// Package resolve turns a mention in a task request into a concrete chat
// member: exact handle match, fuzzy name match, reply context or the author.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/marcus/taskbot/internal/users"
)

// Kind is the outcome of a resolution.
type Kind int

const (
	NotFound Kind = iota
	Exact
	Suggestions
)

func (k Kind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Suggestions:
		return "suggestions"
	default:
		return "not_found"
	}
}

// MarshalText renders the kind for JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Rule names which resolution rule produced a result.
type Rule string

const (
	RuleHandle Rule = "handle"
	RuleFuzzy  Rule = "fuzzy"
	RuleReply  Rule = "reply"
	RuleAuthor Rule = "author"
)

// Candidate is a scored user.
type Candidate struct {
	User  users.User `json:"user"`
	Score float64    `json:"score"`
	Field string     `json:"field"` // attribute that scored best
}

// Result is exact (User set), suggestions (Candidates set) or not found.
type Result struct {
	Kind       Kind        `json:"kind"`
	Rule       Rule        `json:"rule,omitempty"`
	User       *users.User `json:"user,omitempty"`
	Score      float64     `json:"score,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
	Query      string      `json:"query,omitempty"`
}

// Request carries the mention and its chat context.
type Request struct {
	Mention       string
	ChatID        int64
	ReplyToUserID int64
	AuthorID      int64
}

// Config holds the fuzzy matching policy.
type Config struct {
	Threshold      float64
	MaxSuggestions int
}

// DefaultConfig returns threshold 0.6 and five suggestions.
func DefaultConfig() Config {
	return Config{Threshold: 0.6, MaxSuggestions: 5}
}

// ExactScore is the fuzzy score at which a single match is taken as exact.
const ExactScore = 0.95

// UserLister returns the members of a chat, most recently seen first.
type UserLister interface {
	List(ctx context.Context, chatID int64) ([]users.User, error)
}

// Scorer rates a normalized query against a normalized candidate string.
type Scorer func(query, candidate string) float64

// Resolver applies the resolution rules over a UserLister snapshot.
type Resolver struct {
	users UserLister
	cfg   Config
	score Scorer
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithScorer replaces the similarity function.
func WithScorer(s Scorer) Option {
	return func(r *Resolver) { r.score = s }
}

// New creates a Resolver. Zero config values take the defaults.
func New(lister UserLister, cfg Config, opts ...Option) *Resolver {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxSuggestions <= 0 {
		cfg.MaxSuggestions = def.MaxSuggestions
	}
	r := &Resolver{users: lister, cfg: cfg, score: Score}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve applies, in order: explicit @handle, fuzzy name, reply target,
// author. It only reads the registry; errors come from the store.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	members, err := r.users.List(ctx, req.ChatID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve: list chat %d: %w", req.ChatID, err)
	}

	mention := strings.TrimSpace(norm.NFC.String(req.Mention))
	query := Normalize(mention)

	if query != "" {
		if strings.HasPrefix(mention, "@") {
			handle, rest := splitHandle(mention)
			if handle != "" {
				if u := findHandle(members, handle); u != nil {
					return Result{Kind: Exact, Rule: RuleHandle, User: u, Score: 1, Query: query}, nil
				}
				if strings.TrimSpace(rest) == "" {
					return Result{Kind: NotFound, Rule: RuleHandle, Query: query}, nil
				}
			}
		}
		return r.fuzzy(members, query), nil
	}

	if req.ReplyToUserID != 0 && req.ReplyToUserID != req.AuthorID {
		return Result{Kind: Exact, Rule: RuleReply, User: lookup(members, req.ReplyToUserID), Score: 1}, nil
	}
	return Result{Kind: Exact, Rule: RuleAuthor, User: lookup(members, req.AuthorID), Score: 1}, nil
}

func (r *Resolver) fuzzy(members []users.User, query string) Result {
	var scored []Candidate
	for _, u := range members {
		best, field := 0.0, ""
		for _, t := range targets(u) {
			if s := r.score(query, Normalize(t.value)); s > best {
				best, field = s, t.field
			}
		}
		if best >= r.cfg.Threshold {
			scored = append(scored, Candidate{User: u, Score: best, Field: field})
		}
	}

	if len(scored) == 0 {
		return Result{Kind: NotFound, Rule: RuleFuzzy, Query: query}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].User.LastSeen.After(scored[j].User.LastSeen)
	})

	top := scored[0]
	if top.Score >= ExactScore || handleEqual(top.User.Username, query) {
		u := top.User
		return Result{Kind: Exact, Rule: RuleFuzzy, User: &u, Score: top.Score, Query: query}
	}

	if len(scored) > r.cfg.MaxSuggestions {
		scored = scored[:r.cfg.MaxSuggestions]
	}
	return Result{Kind: Suggestions, Rule: RuleFuzzy, Candidates: scored, Query: query}
}

// target is one fuzzy-matchable attribute of a user.
type target struct {
	field string
	value string
}

// targets lists the non-empty matchable attributes of u.
func targets(u users.User) []target {
	all := []target{
		{"username", u.Username},
		{"first_name", u.FirstName},
		{"last_name", u.LastName},
		{"full_name", ""},
		{"display_name", u.DisplayName},
	}
	if u.FirstName != "" && u.LastName != "" {
		all[3].value = u.FirstName + " " + u.LastName
	}

	out := all[:0]
	for _, t := range all {
		if strings.TrimSpace(t.value) != "" {
			out = append(out, t)
		}
	}
	return out
}

// Normalize applies NFC, lower-casing and trimming, and strips one leading
// '@'. A string without letters or digits normalizes to empty.
func Normalize(s string) string {
	s = strings.TrimSpace(norm.NFC.String(s))
	s = strings.TrimPrefix(s, "@")
	s = strings.TrimSpace(cases.Lower(language.Und).String(s))
	if strings.IndexFunc(s, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0 {
		return ""
	}
	return s
}

// Score is difflib's SequenceMatcher ratio (2*M/T) over runes.
func Score(query, candidate string) float64 {
	m := difflib.NewMatcher(strings.Split(query, ""), strings.Split(candidate, ""))
	return m.Ratio()
}

func splitHandle(mention string) (handle, rest string) {
	body := strings.TrimPrefix(mention, "@")
	if i := strings.IndexFunc(body, unicode.IsSpace); i >= 0 {
		return body[:i], body[i:]
	}
	return body, ""
}

func handleEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	fold := cases.Fold()
	return fold.String(strings.TrimPrefix(a, "@")) == fold.String(strings.TrimPrefix(b, "@"))
}

func findHandle(members []users.User, handle string) *users.User {
	for i := range members {
		if handleEqual(members[i].Username, handle) {
			u := members[i]
			return &u
		}
	}
	return nil
}

// lookup returns the registered member with id, or a bare record when the
// user has not been observed in the chat yet.
func lookup(members []users.User, id int64) *users.User {
	for i := range members {
		if members[i].TelegramID == id {
			u := members[i]
			return &u
		}
	}
	return &users.User{TelegramID: id}
}
